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

package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/overmesh/discovery/internal/clocktest"
	"github.com/overmesh/discovery/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is a resolver.Client with swappable behavior and call
// counters, in the spirit of a prober func.
type testClient struct {
	mu          sync.Mutex
	namesFn     func(ctx context.Context) ([]string, error)
	instancesFn func(ctx context.Context, svc resolver.Service) ([]resolver.Instance, error)

	nameCalls     atomic.Int32
	instanceCalls atomic.Int32
	closeCalls    atomic.Int32
}

func newTestClient(table map[string][]resolver.Instance) *testClient {
	static := resolver.NewStaticClient(table)
	return &testClient{
		namesFn:     static.ServiceNames,
		instancesFn: static.Instances,
	}
}

func (c *testClient) setInstancesFn(fn func(ctx context.Context, svc resolver.Service) ([]resolver.Instance, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instancesFn = fn
}

func (c *testClient) ServiceNames(ctx context.Context) ([]string, error) {
	c.nameCalls.Add(1)
	c.mu.Lock()
	fn := c.namesFn
	c.mu.Unlock()
	return fn(ctx)
}

func (c *testClient) Instances(ctx context.Context, svc resolver.Service) ([]resolver.Instance, error) {
	c.instanceCalls.Add(1)
	c.mu.Lock()
	fn := c.instancesFn
	c.mu.Unlock()
	return fn(ctx, svc)
}

func (c *testClient) Close() error {
	c.closeCalls.Add(1)
	return nil
}

// newTestEngine builds an engine on a fake clock with long background
// intervals so that individual tests advance exactly the schedule they
// mean to exercise.
func newTestEngine(t *testing.T, client resolver.Client, opts ...Option) (*Engine, clocktest.FakeClock) {
	t.Helper()
	testClock := clocktest.NewFakeClock()
	allOpts := append([]Option{
		withClock(testClock),
		WithLookupTimeout(time.Second),
		WithRefreshInterval(time.Hour),
		WithSweepInterval(24 * time.Hour),
	}, opts...)
	eng := New(client, allOpts...)
	t.Cleanup(func() {
		require.NoError(t, eng.Close())
	})
	return eng, testClock
}

var (
	instA  = resolver.Instance{Host: "10.0.0.1", Port: 8080}
	instA2 = resolver.Instance{Host: "10.0.0.2", Port: 8080}
	instB  = resolver.Instance{Host: "10.0.1.1", Port: 9090}

	svcX = resolver.Service{Name: "x", Port: 8080}
	svcY = resolver.Service{Name: "y", Port: 9090}
)

func TestRegisterEmptyNeverFails(t *testing.T) {
	t.Parallel()

	client := newTestClient(nil)
	eng, _ := newTestEngine(t, client)

	require.NoError(t, eng.Register(context.Background(), nil))
	require.NoError(t, eng.Register(context.Background(), []resolver.Service{}))
	// An empty request has nothing to verify against the registry.
	assert.Zero(t, client.nameCalls.Load())
}

func TestRegisterAllOrNothing(t *testing.T) {
	t.Parallel()

	client := newTestClient(map[string][]resolver.Instance{"x": {instA}})
	eng, _ := newTestEngine(t, client)

	err := eng.Register(context.Background(), []resolver.Service{
		svcX,
		svcY,
		{Name: "z", Port: 7070},
	})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, []string{"y", "z"}, notFound.Missing)

	// Nothing was registered, not even the present service.
	_, err = eng.Lookup(context.Background(), svcX)
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.Zero(t, client.instanceCalls.Load())
}

func TestRegisterResetsCache(t *testing.T) {
	t.Parallel()

	client := newTestClient(map[string][]resolver.Instance{"x": {instA}})
	eng, _ := newTestEngine(t, client)

	require.NoError(t, eng.Register(context.Background(), []resolver.Service{svcX}))
	// Let the immediate first refresh round land before counting
	// transport calls.
	require.Eventually(t, func() bool {
		return client.instanceCalls.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	instances, err := eng.Lookup(context.Background(), svcX)
	require.NoError(t, err)
	assert.Equal(t, []resolver.Instance{instA}, instances)

	// The second lookup is served from cache.
	calls := client.instanceCalls.Load()
	instances, err = eng.Lookup(context.Background(), svcX)
	require.NoError(t, err)
	assert.Equal(t, []resolver.Instance{instA}, instances)
	assert.Equal(t, calls, client.instanceCalls.Load())

	// Re-registering resets the cache to empty, so the next lookup goes
	// back to the transport.
	require.NoError(t, eng.Register(context.Background(), []resolver.Service{svcX}))
	_, err = eng.Lookup(context.Background(), svcX)
	require.NoError(t, err)
	assert.Greater(t, client.instanceCalls.Load(), calls)
}

func TestRegisterAfterClose(t *testing.T) {
	t.Parallel()

	client := newTestClient(map[string][]resolver.Instance{"x": {instA}})
	eng, _ := newTestEngine(t, client)

	require.NoError(t, eng.Close())
	err := eng.Register(context.Background(), []resolver.Service{svcX})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	client := newTestClient(map[string][]resolver.Instance{"x": {instA}})
	eng, _ := newTestEngine(t, client)
	require.NoError(t, eng.Register(context.Background(), []resolver.Service{svcX}))

	var group sync.WaitGroup
	for i := 0; i < 4; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			assert.NoError(t, eng.Close())
		}()
	}
	group.Wait()

	assert.Equal(t, int32(1), client.closeCalls.Load())

	_, err := eng.Lookup(context.Background(), svcX)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCloseCompletesSubscriptionsExactlyOnce(t *testing.T) {
	t.Parallel()

	client := newTestClient(map[string][]resolver.Instance{"x": {instA}})
	eng, _ := newTestEngine(t, client)
	require.NoError(t, eng.Register(context.Background(), []resolver.Service{svcX}))

	rcvr := newTestReceiver()
	sub := eng.Subscribe(svcX, rcvr)
	rcvr.expectUpdate(t, []resolver.Instance{instA})

	require.NoError(t, eng.Close())
	assert.ErrorIs(t, rcvr.expectDone(t), ErrUnavailable)
	rcvr.expectNoDone(t)

	// Cancelling after shutdown completion must not re-fire OnDone.
	sub.Cancel()
	rcvr.expectNoDone(t)
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	client := newTestClient(map[string][]resolver.Instance{"x": {instA}})
	eng, _ := newTestEngine(t, client)
	require.NoError(t, eng.Close())

	rcvr := newTestReceiver()
	sub := eng.Subscribe(svcX, rcvr)
	assert.ErrorIs(t, rcvr.expectDone(t), ErrUnavailable)
	rcvr.expectNoUpdate(t)

	sub.Cancel()
	rcvr.expectNoDone(t)
}
