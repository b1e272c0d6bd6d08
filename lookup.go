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
	"errors"
	"slices"
	"sync/atomic"

	"github.com/overmesh/discovery/resolver"
)

type lookupResult struct {
	instances []resolver.Instance
	err       error
}

// lookup races a resolution outcome against a deadline timer; the first
// to finish wins. On timeout the in-flight transport call is cancelled
// and abandoned, and a late result is discarded rather than cached.
func (e *engine) lookup(ctx context.Context, svc resolver.Service) ([]resolver.Instance, error) {
	if e.closed.Load() {
		return nil, ErrUnavailable
	}

	timeout := e.lookupTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = deadline.Sub(e.clock.Now())
		if timeout <= 0 {
			return nil, ErrLookupTimeout
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abandoned atomic.Bool
	out := make(chan lookupResult, 1)
	if !e.post(func() { e.resolveTask(callCtx, svc, out, &abandoned) }) {
		return nil, ErrUnavailable
	}

	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-out:
		return res.instances, res.err
	case <-timer.Chan():
		abandoned.Store(true)
		return nil, ErrLookupTimeout
	case <-ctx.Done():
		abandoned.Store(true)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLookupTimeout
		}
		return nil, ctx.Err()
	}
}

// resolveTask runs on the confinement loop. The fast paths answer from
// engine state; the empty-cache path issues an on-demand transport call
// off the loop, with a continuation that re-enters the loop to fill the
// cache before the result is delivered.
func (e *engine) resolveTask(ctx context.Context, svc resolver.Service, out chan<- lookupResult, abandoned *atomic.Bool) {
	if e.closed.Load() {
		out <- lookupResult{err: ErrUnavailable}
		return
	}
	entry, ok := e.registry[svc.Key()]
	if !ok {
		out <- lookupResult{err: ErrUnknownService}
		return
	}
	if len(entry.instances) > 0 {
		out <- lookupResult{instances: slices.Clone(entry.instances)}
		return
	}

	target := entry.service
	gen := entry.gen
	go func() {
		instances, err := e.client.Instances(ctx, target)
		if err != nil {
			out <- lookupResult{err: &TransportError{Err: err}}
			return
		}
		if len(instances) == 0 {
			// A transient empty is never cached; the next lookup gets to
			// retry the transport.
			out <- lookupResult{}
			return
		}
		result := slices.Clone(instances)
		e.post(func() {
			if abandoned.Load() {
				return
			}
			cur, ok := e.registry[target.Key()]
			if ok && cur.gen == gen && len(cur.instances) == 0 {
				cur.instances = slices.Clone(result)
			}
		})
		out <- lookupResult{instances: result}
	}()
}
