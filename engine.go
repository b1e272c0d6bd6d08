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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overmesh/discovery/internal"
	"github.com/overmesh/discovery/resolver"
	"github.com/rs/zerolog"
)

// abandonedHook, if set, is invoked when an Engine is garbage collected
// without Close having been called. Tests use it to turn the diagnostic
// into a hard failure.
//
//nolint:gochecknoglobals
var abandonedHook func()

// Engine resolves registered services to the instances currently
// backing them, keeps those sets fresh on a background cadence, and
// pushes changes to subscribers. Create one with [New]; it must be
// released with Close, which also closes the underlying
// [resolver.Client].
//
// All mutable state is confined to a single internal goroutine. Calls
// from any goroutine are forwarded onto it, so an Engine is safe for
// concurrent use.
type Engine struct {
	core *engine
}

// New returns an Engine resolving through the given client. The engine
// takes ownership of the client and closes it during Close.
func New(client resolver.Client, opts ...Option) *Engine {
	var options engineOptions
	for _, opt := range opts {
		opt.apply(&options)
	}
	options.applyDefaults()
	core := &engine{
		client:          client,
		logger:          options.logger,
		clock:           options.clock,
		lookupTimeout:   options.lookupTimeout,
		refreshInterval: options.refreshInterval,
		sweepInterval:   options.sweepInterval,
		tasks:           make(chan func()),
		stopped:         make(chan struct{}),
		done:            make(chan struct{}),
		registry:        make(map[resolver.Key]*registryEntry),
		subs:            make(map[resolver.Key][]*Subscription),
	}
	go core.run()
	go core.sweepLoop()
	eng := &Engine{core: core}
	runtime.SetFinalizer(eng, finalizeEngine)
	return eng
}

// finalizeEngine flags engines that were dropped without Close. The
// core's goroutines keep the core itself reachable, so the outer handle
// becoming garbage is exactly the "abandoned without shutdown" case.
func finalizeEngine(eng *Engine) {
	if eng.core.closed.Load() {
		return
	}
	eng.core.logger.Error().
		Msg("discovery engine garbage collected without Close; its goroutines and transport are leaked")
	if abandonedHook != nil {
		abandonedHook()
	}
}

// Register makes the given services known to the engine. Registration
// is all-or-nothing: if the transport does not know one or more of the
// requested names, a *NotFoundError listing every missing name is
// returned and nothing is registered. On success each service starts
// with an empty instance cache, filled by the first lookup or refresh
// round; re-registering a service resets its cache to empty. The first
// successful registration starts the background refresh schedule.
//
// Concurrent Register calls are serialized. After Close, Register
// returns ErrUnavailable.
func (e *Engine) Register(ctx context.Context, services []resolver.Service) error {
	return e.core.register(ctx, services)
}

// Lookup resolves one registered service. If ctx carries a deadline it
// bounds the lookup; otherwise the engine's default lookup timeout
// applies. A cached non-empty instance set is returned without touching
// the network; an empty cache triggers an on-demand resolution whose
// non-empty result is cached for later calls. An empty result or a
// transport failure is returned to the caller without being cached, so
// the next call retries.
//
// Lookup fails with ErrUnknownService for services never registered,
// ErrLookupTimeout when the deadline elapses first, ErrUnavailable
// after Close, and *TransportError when the transport reports an error.
func (e *Engine) Lookup(ctx context.Context, svc resolver.Service) ([]resolver.Instance, error) {
	return e.core.lookup(ctx, svc)
}

// Subscribe registers receiver for ongoing updates about svc and
// returns its cancellation handle. The receiver is first given the
// outcome of one immediate lookup, or the result of any refresh round
// that committed while that lookup was in flight; after that it hears
// only about refresh rounds that actually changed the instance set.
// On an engine
// that is already closed, the receiver's OnDone is invoked immediately
// with ErrUnavailable and the returned subscription is already
// cancelled.
//
// Callbacks are invoked from the engine's internal goroutines and must
// not block. Calling back into the engine from a callback can deadlock;
// Cancel is the exception and is always safe.
func (e *Engine) Subscribe(svc resolver.Service, receiver Receiver) *Subscription {
	return e.core.subscribe(svc, receiver)
}

// Close shuts the engine down: it completes every live subscription
// with ErrUnavailable, closes the underlying resolver client, and stops
// all background goroutines. Close is idempotent; the first caller
// performs the teardown and every caller blocks until it has finished.
// Operations issued after Close fail with ErrUnavailable.
func (e *Engine) Close() error {
	runtime.SetFinalizer(e, nil)
	return e.core.close()
}

type engine struct {
	client resolver.Client
	logger zerolog.Logger
	clock  internal.Clock

	lookupTimeout   time.Duration
	refreshInterval time.Duration
	sweepInterval   time.Duration

	// closed is the engine's shutdown flag. It transitions false->true
	// exactly once and is the only piece of engine state that may be
	// read from any goroutine.
	closed atomic.Bool

	tasks   chan func()   // confinement queue, consumed by run
	stopped chan struct{} // closed when the run loop stops accepting tasks
	done    chan struct{} // closed when teardown has finished

	registerMu sync.Mutex // serializes Register calls end to end

	// Everything below is confined to the run loop.
	registry   map[resolver.Key]*registryEntry
	subs       map[resolver.Key][]*Subscription
	refreshing bool
}

type registryEntry struct {
	service   resolver.Service
	instances []resolver.Instance
	// gen increments whenever the entry is (re-)registered, so that a
	// refresh round snapshotted before the reset cannot write a stale
	// result over the fresh empty cache.
	gen uint64
}

// run is the engine's confinement loop. Tasks submitted from other
// goroutines execute here one at a time, in submission order, which is
// what makes the registry and subscription maps safe without locks.
func (e *engine) run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.stopped:
			return
		}
	}
}

// submit runs fn on the confinement loop and waits for it to finish.
// It fails with ErrUnavailable once the engine is stopped. Must not be
// called from the loop itself.
func (e *engine) submit(fn func()) error {
	ran := make(chan struct{})
	select {
	case e.tasks <- func() { fn(); close(ran) }:
		<-ran
		return nil
	case <-e.stopped:
		return ErrUnavailable
	}
}

// post hands fn to the confinement loop without waiting for it to run.
// It reports false once the engine is stopped. Must not be called from
// the loop itself.
func (e *engine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

func (e *engine) register(ctx context.Context, services []resolver.Service) error {
	if e.closed.Load() {
		return ErrUnavailable
	}
	e.registerMu.Lock()
	defer e.registerMu.Unlock()

	if len(services) > 0 {
		known, err := e.client.ServiceNames(ctx)
		if err != nil {
			return &TransportError{Err: err}
		}
		knownSet := make(map[string]struct{}, len(known))
		for _, name := range known {
			knownSet[name] = struct{}{}
		}
		var missing []string
		seen := make(map[string]struct{})
		for _, svc := range services {
			if _, ok := knownSet[svc.Name]; ok {
				continue
			}
			if _, dup := seen[svc.Name]; dup {
				continue
			}
			seen[svc.Name] = struct{}{}
			missing = append(missing, svc.Name)
		}
		if len(missing) > 0 {
			return &NotFoundError{Missing: missing}
		}
	}

	var regErr error
	err := e.submit(func() {
		if e.closed.Load() {
			regErr = ErrUnavailable
			return
		}
		for _, svc := range services {
			key := svc.Key()
			if entry, ok := e.registry[key]; ok {
				entry.service = svc
				entry.instances = nil
				entry.gen++
				continue
			}
			e.registry[key] = &registryEntry{service: svc}
		}
		if len(services) > 0 && !e.refreshing {
			e.refreshing = true
			go e.refreshLoop()
		}
	})
	if err != nil {
		return err
	}
	return regErr
}

func (e *engine) close() error {
	if e.closed.CompareAndSwap(false, true) {
		// The winner runs teardown on the confinement loop. The loop is
		// guaranteed to still be consuming tasks here: only teardown
		// itself closes the stopped channel.
		e.tasks <- e.teardown
	}
	<-e.done
	return nil
}

// teardown runs on the confinement loop, exactly once.
func (e *engine) teardown() {
	var completed int
	for _, subs := range e.subs {
		for _, sub := range subs {
			sub.cancelled.Store(true)
			if sub.complete(ErrUnavailable) {
				completed++
			}
		}
	}
	// The maps are deliberately not cleared: every entry point rejects
	// new work once closed is set, so stale entries are harmless.
	if err := e.client.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("closing name-resolution client")
	}
	e.logger.Debug().Int("subscriptions_completed", completed).Msg("discovery engine shut down")
	close(e.stopped)
	close(e.done)
}
