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

// Package discovery provides client-side service discovery for a
// private network overlay. Given a set of logical service names, an
// [Engine] resolves each to the instances currently backing it, keeps
// those sets fresh on a background cadence, and lets callers either
// poll on demand with a deadline ([Engine.Lookup]) or subscribe for
// push-style updates until cancelled ([Engine.Subscribe]).
//
// To create an engine, use [New] with a [resolver.Client], the
// transport through which names are resolved. The resolver package
// ships static, DNS, and etcd backed clients; anything that can
// enumerate service names and list a service's instances can be plugged
// in. Services must be registered with [Engine.Register] before they
// can be looked up; registration is all-or-nothing and verifies every
// requested name against the transport.
//
// Once registered, each service's instance set is re-resolved on a
// fixed interval, with every per-service call individually
// time-bounded. Subscribers are notified only when a round actually
// changed a service's instance sequence, so an unchanged topology is
// silent. Background failures never surface to Lookup callers; they
// downgrade the affected service to an empty set for that round and are
// written to the engine's logger.
//
// An engine has a notion of "closing", via its Close method. Close
// completes every live subscription exactly once, closes the transport,
// and stops all background goroutines; it is idempotent and safe to
// call from multiple goroutines. An engine that is garbage collected
// without Close logs a diagnostic, since its goroutines cannot be
// reclaimed.
package discovery
