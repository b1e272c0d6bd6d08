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

// Receiver is the callback interface through which a subscription
// observes a service over time.
type Receiver interface {
	// OnUpdate is called with the full resolved instance sequence, first
	// as the subscription's initial delivery and then once per refresh
	// round that changed it. The sequence is compared in order: a
	// reordering counts as a change. It may be empty.
	OnUpdate(instances []resolver.Instance)

	// OnUpdateError delivers the outcome of the subscription's initial
	// lookup when that lookup fails. If a refresh round resolved the
	// service while the lookup was in flight, the round's sequence
	// arrives through OnUpdate instead. Background refresh failures
	// are not reported here; they downgrade the service to an empty
	// sequence, which arrives through OnUpdate like any other change.
	OnUpdateError(err error)

	// OnDone is called exactly once at the end of the subscription's
	// life: with ErrCancelled after Cancel, or with ErrUnavailable when
	// the engine shuts down. No new callback begins after OnDone
	// fires, though a delivery already in flight on another goroutine
	// may still complete.
	OnDone(reason error)
}

// Subscription is the cancellation handle for one subscriber of one
// service.
type Subscription struct {
	service  resolver.Service
	receiver Receiver

	// cancelled excludes the subscription from all future deliveries.
	// It only ever transitions false->true.
	cancelled atomic.Bool

	// ready is set once the initial delivery has gone out; refresh
	// notifications are held back until then so the initial outcome is
	// always the first thing the receiver sees.
	ready atomic.Bool

	// completed guards OnDone: whoever wins this flag fires it.
	completed atomic.Bool
}

// Cancel ends the subscription. The first call fires OnDone with
// ErrCancelled; further calls have no effect. No new delivery begins
// once Cancel has been called, and the subscription is removed from
// the engine's registry by the next sweep.
func (s *Subscription) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.complete(ErrCancelled)
}

// complete fires OnDone with the given reason unless it has already
// fired, and reports whether this call was the one that fired it.
func (s *Subscription) complete(reason error) bool {
	if !s.completed.CompareAndSwap(false, true) {
		return false
	}
	s.receiver.OnDone(reason)
	return true
}

func (e *engine) subscribe(svc resolver.Service, receiver Receiver) *Subscription {
	sub := &Subscription{service: svc, receiver: receiver}
	if e.closed.Load() {
		sub.cancelled.Store(true)
		sub.complete(ErrUnavailable)
		return sub
	}

	err := e.submit(func() {
		key := svc.Key()
		e.subs[key] = append(e.subs[key], sub)
	})
	if err != nil {
		// Lost the race with shutdown; the subscription was never
		// registered, so it completes here instead of in teardown.
		sub.cancelled.Store(true)
		sub.complete(ErrUnavailable)
		return sub
	}

	// Initial delivery: one immediate lookup, its outcome handed to the
	// receiver exactly once. The delivery itself re-enters the
	// confinement loop so it serializes with refresh notifications and
	// with teardown's completion callbacks. Later deliveries come only
	// from refresh rounds that changed the instance set.
	go func() {
		instances, lookupErr := e.lookup(context.Background(), svc)
		if errors.Is(lookupErr, ErrUnavailable) {
			// Shutdown won; OnDone is the only thing left to fire, and
			// teardown takes care of it.
			return
		}
		e.post(func() {
			if e.closed.Load() || sub.cancelled.Load() {
				return
			}
			// A refresh round may have committed a newer sequence while
			// the lookup was in flight; any such round skipped this
			// subscription because ready was still unset. The registry
			// entry is authoritative, so deliver from it rather than the
			// captured lookup result.
			entry, ok := e.registry[svc.Key()]
			if ok && (lookupErr == nil || len(entry.instances) > 0) {
				receiver.OnUpdate(slices.Clone(entry.instances))
			} else if lookupErr != nil {
				receiver.OnUpdateError(lookupErr)
			} else {
				receiver.OnUpdate(instances)
			}
			sub.ready.Store(true)
		})
	}()
	return sub
}

// sweepLoop periodically removes cancelled subscriptions so the
// subscription registry cannot grow without bound under subscriber
// churn.
func (e *engine) sweepLoop() {
	ticker := e.clock.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopped:
			return
		case <-ticker.Chan():
			if !e.post(e.sweepTask) {
				return
			}
		}
	}
}

// sweepTask runs on the confinement loop.
func (e *engine) sweepTask() {
	var removed int
	for key, subs := range e.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.cancelled.Load() {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(e.subs, key)
			continue
		}
		e.subs[key] = kept
	}
	if removed > 0 {
		e.logger.Debug().Int("removed", removed).Msg("swept cancelled subscriptions")
	}
}
