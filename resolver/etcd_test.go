// Copyright 2024-2025 Overmesh, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceNameFromKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		key      string
		wantName string
		wantOK   bool
	}{
		{"/overmesh/billing/10.0.0.1:8080", "billing", true},
		{"/overmesh/billing/[fe80::1]:8080", "billing", true},
		{"/overmesh/auth/10.0.0.2:9090", "auth", true},
		{"/overmesh/dangling", "", false},
		{"/other/billing/10.0.0.1:8080", "", false},
		{"/overmesh//10.0.0.1:8080", "", false},
	}
	for _, testCase := range testCases {
		name, ok := serviceNameFromKey("/overmesh/", testCase.key)
		assert.Equal(t, testCase.wantOK, ok, "key %q", testCase.key)
		assert.Equal(t, testCase.wantName, name, "key %q", testCase.key)
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/overmesh/", normalizePrefix("/overmesh"))
	assert.Equal(t, "/overmesh/", normalizePrefix("/overmesh/"))
}

func TestEtcdInstanceValueShape(t *testing.T) {
	t.Parallel()

	var inst etcdInstance
	require.NoError(t, json.Unmarshal([]byte(`{"host":"10.0.0.1","port":8080}`), &inst))
	assert.Equal(t, etcdInstance{Host: "10.0.0.1", Port: 8080}, inst)

	// Unknown fields from richer registrars are tolerated.
	require.NoError(t, json.Unmarshal([]byte(`{"host":"10.0.0.1","port":8080,"weight":3}`), &inst))
	assert.Equal(t, "10.0.0.1", inst.Host)
}

func TestEtcdClientCloseUnowned(t *testing.T) {
	t.Parallel()

	client := NewEtcdClientFrom(nil, "/overmesh")
	// The caller owns the connection; Close must not touch it.
	assert.NoError(t, client.Close())
}
