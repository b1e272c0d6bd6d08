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
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient is a Client backed by an etcd cluster. Services are laid
// out under a common prefix:
//
//	{prefix}/{service-name}/{host:port} -> {"host": "...", "port": N}
//
// Registration-side tooling is expected to write these keys with TTL
// leases so that crashed instances age out on their own. Keys are
// returned in etcd range order, which is stable, so successive results
// for an unchanged backing set compare equal as ordered sequences.
type EtcdClient struct {
	client *clientv3.Client
	prefix string
	owned  bool
}

var _ Client = (*EtcdClient)(nil)

// etcdInstance is the JSON shape of an instance value in etcd.
type etcdInstance struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// NewEtcdClient connects to the given etcd endpoints and returns a
// Client reading service registrations under prefix. The connection is
// owned by the returned client and released by Close.
func NewEtcdClient(endpoints []string, prefix string) (*EtcdClient, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdClient{client: client, prefix: normalizePrefix(prefix), owned: true}, nil
}

// NewEtcdClientFrom wraps an existing etcd client. The caller retains
// ownership of the connection; Close on the returned client is a no-op.
func NewEtcdClientFrom(client *clientv3.Client, prefix string) *EtcdClient {
	return &EtcdClient{client: client, prefix: normalizePrefix(prefix)}
}

func normalizePrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

func (c *EtcdClient) ServiceNames(ctx context.Context) ([]string, error) {
	resp, err := c.client.Get(ctx, c.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var names []string
	for _, kv := range resp.Kvs {
		name, ok := serviceNameFromKey(c.prefix, string(kv.Key))
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (c *EtcdClient) Instances(ctx context.Context, svc Service) ([]Instance, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if svc.NearestN > 0 {
		// etcd has no notion of proximity; the best it can honor is a
		// bound on the result size.
		opts = append(opts, clientv3.WithLimit(int64(svc.NearestN)))
	}
	resp, err := c.client.Get(ctx, c.prefix+svc.Name+"/", opts...)
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst etcdInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			// A malformed value is a registration-side bug; skip it
			// rather than fail the whole set.
			continue
		}
		instances = append(instances, Instance{Host: inst.Host, Port: inst.Port})
	}
	return instances, nil
}

func (c *EtcdClient) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}

// serviceNameFromKey extracts the service-name segment from a full etcd
// key, returning false for keys that do not fit the expected layout.
func serviceNameFromKey(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", false
	}
	name, _, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
