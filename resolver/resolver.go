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

// Package resolver defines the name-resolution boundary of the discovery
// engine: the Client interface through which service names and their
// backing instances are obtained, along with the Service and Instance
// value types. It also provides ready-made Client implementations backed
// by a static table, by DNS, and by etcd.
package resolver

import (
	"context"
	"net"
	"strconv"
)

// Client is a name-resolution transport. The discovery engine issues
// lookups through a Client and owns its lifecycle: Close is called
// exactly once, when the engine shuts down.
//
// Implementations must tolerate concurrent outstanding calls. The engine
// deliberately does not serialize access to the Client; background
// refresh rounds and on-demand lookups may overlap.
type Client interface {
	// ServiceNames returns the names of all services currently known to
	// the underlying registry.
	ServiceNames(ctx context.Context) ([]string, error)

	// Instances resolves the given service to the instances currently
	// backing it. The returned order should be stable across calls when
	// the backing set has not changed, since callers compare successive
	// results as ordered sequences. A service may resolve to an empty
	// set. Implementations should honor the service's NearestN hint when
	// they are able to.
	Instances(ctx context.Context, svc Service) ([]Instance, error)

	// Close releases any resources held by the client.
	Close() error
}

// Service identifies a target to discover. Its identity is the
// (Name, Port) pair; NearestN is a resolution hint and is deliberately
// excluded from identity.
type Service struct {
	// Name is the logical service name as published in the registry.
	Name string

	// Port is the port instances of this service listen on.
	Port uint16

	// NearestN, when positive, hints to the transport that at most N
	// instances (the nearest ones, if it has a notion of proximity) are
	// wanted. Zero means no limit.
	NearestN int
}

// Key is the comparable identity of a Service, suitable for use as a
// map key.
type Key struct {
	Name string
	Port uint16
}

// Key returns the identity of the service, excluding the NearestN hint.
func (s Service) Key() Key {
	return Key{Name: s.Name, Port: s.Port}
}

func (s Service) String() string {
	return net.JoinHostPort(s.Name, strconv.Itoa(int(s.Port)))
}

// Instance is a concrete endpoint backing a service. Instances are
// compared by value.
type Instance struct {
	Host string
	Port uint16
}

// HostPort returns the instance formatted as a dialable "host:port"
// string, bracketing IPv6 literals as needed.
func (i Instance) HostPort() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(int(i.Port)))
}

func (i Instance) String() string {
	return i.HostPort()
}
