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
	"slices"

	"github.com/overmesh/discovery/internal"
	"github.com/overmesh/discovery/resolver"
	"golang.org/x/sync/errgroup"
)

// refreshLoop re-resolves every registered service on a fixed cadence.
// It starts with the first successful registration: the first round runs
// immediately, later rounds wait out the refresh interval. The loop ends
// permanently once the engine is closed.
func (e *engine) refreshLoop() {
	e.logger.Debug().Dur("interval", e.refreshInterval).Msg("refresh loop started")
	var timer internal.Timer
	for {
		if e.closed.Load() {
			return
		}
		e.refreshRound()
		if timer == nil {
			timer = e.clock.NewTimer(e.refreshInterval)
		} else {
			// The previous tick was consumed by the select below, so the
			// timer is safe to reset.
			timer.Reset(e.refreshInterval)
		}
		select {
		case <-e.stopped:
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// roundTarget is one service captured in a round's snapshot, pinned to
// the registration generation the snapshot saw.
type roundTarget struct {
	service resolver.Service
	gen     uint64
}

// refreshRound resolves every currently registered service. The
// per-service calls run concurrently, each bounded by the default
// lookup timeout, but their results are applied to the cache as a
// single transition once the whole batch has completed.
func (e *engine) refreshRound() {
	var targets []roundTarget
	err := e.submit(func() {
		targets = make([]roundTarget, 0, len(e.registry))
		for _, entry := range e.registry {
			targets = append(targets, roundTarget{service: entry.service, gen: entry.gen})
		}
	})
	if err != nil || len(targets) == 0 {
		return
	}

	results := make([][]resolver.Instance, len(targets))
	var group errgroup.Group
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			results[i] = e.resolveBounded(target.service)
			return nil
		})
	}
	_ = group.Wait()

	e.post(func() { e.applyRound(targets, results) })
}

// resolveBounded resolves one service for a refresh round. A transport
// failure or timeout downgrades the service to an empty sequence for
// this round; background failures are logged, never surfaced to Lookup
// callers.
func (e *engine) resolveBounded(svc resolver.Service) []resolver.Instance {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan lookupResult, 1)
	go func() {
		instances, err := e.client.Instances(ctx, svc)
		out <- lookupResult{instances: instances, err: err}
	}()

	timer := e.clock.NewTimer(e.lookupTimeout)
	defer timer.Stop()

	select {
	case res := <-out:
		if res.err != nil {
			e.logger.Warn().Err(res.err).Stringer("service", svc).
				Msg("refresh failed; treating service as unresolved this round")
			return nil
		}
		return res.instances
	case <-timer.Chan():
		e.logger.Warn().Stringer("service", svc).
			Msg("refresh timed out; treating service as unresolved this round")
		return nil
	case <-e.stopped:
		return nil
	}
}

// applyRound runs on the confinement loop. It commits a completed
// round's results in one step and notifies the live subscribers of
// every service whose instance sequence actually changed.
func (e *engine) applyRound(targets []roundTarget, results [][]resolver.Instance) {
	if e.closed.Load() {
		return
	}
	for i, target := range targets {
		entry, ok := e.registry[target.service.Key()]
		if !ok || entry.gen != target.gen {
			// Re-registered while the round was in flight; this result
			// predates the reset, so it no longer applies.
			continue
		}
		next := results[i]
		if slices.Equal(entry.instances, next) {
			continue
		}
		entry.instances = slices.Clone(next)
		e.notifyTask(target.service.Key(), entry.instances)
	}
}

// notifyTask runs on the confinement loop.
func (e *engine) notifyTask(key resolver.Key, instances []resolver.Instance) {
	for _, sub := range e.subs[key] {
		if sub.cancelled.Load() || !sub.ready.Load() {
			continue
		}
		sub.receiver.OnUpdate(slices.Clone(instances))
	}
}
