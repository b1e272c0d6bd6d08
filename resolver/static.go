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
	"fmt"
	"slices"
	"sync"
)

// StaticClient is a Client backed by a fixed in-memory table. It is
// useful for bootstrapping against a known topology and for tests. The
// table may be mutated after construction with SetInstances; mutation is
// safe for concurrent use with resolution.
type StaticClient struct {
	mu    sync.RWMutex
	table map[string][]Instance
}

var _ Client = (*StaticClient)(nil)

// NewStaticClient returns a StaticClient serving the given table, keyed
// by service name. The table is copied; later changes to the argument do
// not affect the client.
func NewStaticClient(table map[string][]Instance) *StaticClient {
	copied := make(map[string][]Instance, len(table))
	for name, instances := range table {
		copied[name] = slices.Clone(instances)
	}
	return &StaticClient{table: copied}
}

// SetInstances replaces the instance set for one service, adding the
// service if it was not present.
func (c *StaticClient) SetInstances(name string, instances []Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[name] = slices.Clone(instances)
}

// Remove deletes a service from the table.
func (c *StaticClient) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.table, name)
}

func (c *StaticClient) ServiceNames(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.table))
	for name := range c.table {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (c *StaticClient) Instances(_ context.Context, svc Service) ([]Instance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	instances, ok := c.table[svc.Name]
	if !ok {
		return nil, fmt.Errorf("static: unknown service %q", svc.Name)
	}
	result := slices.Clone(instances)
	if svc.NearestN > 0 && len(result) > svc.NearestN {
		result = result[:svc.NearestN]
	}
	return result, nil
}

func (c *StaticClient) Close() error {
	return nil
}
