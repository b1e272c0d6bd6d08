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
	"time"

	"github.com/overmesh/discovery/internal"
	"github.com/rs/zerolog"
)

// Option is an option used to customize the behavior of a discovery
// Engine.
type Option interface {
	apply(*engineOptions)
}

// WithLookupTimeout sets the default deadline for lookups whose context
// carries no deadline of its own. The same duration bounds each
// per-service call made by a background refresh round. If zero or no
// WithLookupTimeout option is used, 5 seconds is used.
func WithLookupTimeout(d time.Duration) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.lookupTimeout = d
	})
}

// WithRefreshInterval sets the pause between background refresh rounds.
// The first round runs as soon as the first services are registered;
// every later round starts this long after the previous round finished.
// If zero or no WithRefreshInterval option is used, 30 seconds is used.
func WithRefreshInterval(d time.Duration) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.refreshInterval = d
	})
}

// WithSweepInterval sets how often cancelled subscriptions are removed
// from the engine's registry so that it does not grow without bound. If
// zero or no WithSweepInterval option is used, 1 minute is used.
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.sweepInterval = d
	})
}

// WithLogger supplies the logger the engine writes diagnostics to:
// swallowed refresh failures, sweep activity, and teardown. If no
// WithLogger option is used, nothing is logged.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.logger = logger
		opts.loggerSet = true
	})
}

// withClock substitutes the engine's clock. Tests use this to drive
// deadlines and refresh schedules deterministically.
func withClock(clock internal.Clock) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.clock = clock
	})
}

type optionFunc func(*engineOptions)

func (f optionFunc) apply(opts *engineOptions) {
	f(opts)
}

type engineOptions struct {
	lookupTimeout   time.Duration
	refreshInterval time.Duration
	sweepInterval   time.Duration
	logger          zerolog.Logger
	loggerSet       bool
	clock           internal.Clock
}

func (opts *engineOptions) applyDefaults() {
	if opts.lookupTimeout == 0 {
		opts.lookupTimeout = 5 * time.Second
	}
	if opts.refreshInterval == 0 {
		opts.refreshInterval = 30 * time.Second
	}
	if opts.sweepInterval == 0 {
		opts.sweepInterval = time.Minute
	}
	if !opts.loggerSet {
		opts.logger = zerolog.Nop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
