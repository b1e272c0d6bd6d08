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
	"errors"
	"strings"
)

//nolint:gochecknoglobals
var (
	// ErrUnknownService is returned by Lookup for a service that was
	// never registered with the engine.
	ErrUnknownService = errors.New("service not registered")

	// ErrUnavailable is returned by all operations on an engine that has
	// been closed, and is the completion reason delivered to
	// subscriptions that are still live at shutdown.
	ErrUnavailable = errors.New("service discovery unavailable")

	// ErrLookupTimeout is returned by Lookup when its deadline elapses
	// before resolution completes.
	ErrLookupTimeout = errors.New("lookup deadline elapsed")

	// ErrCancelled is the completion reason delivered to a subscription
	// whose Cancel method was called.
	ErrCancelled = errors.New("subscription cancelled")
)

// NotFoundError is returned by Register when one or more of the
// requested services is not known to the name-resolution transport. It
// carries every missing name; nothing is registered in that case.
type NotFoundError struct {
	Missing []string
}

func (e *NotFoundError) Error() string {
	return "services not found: " + strings.Join(e.Missing, ", ")
}

// TransportError wraps a failure reported by the name-resolution
// transport so callers can tell transport trouble apart from the
// engine's own error conditions. The underlying error is available via
// errors.Unwrap / errors.As.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
