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
	"net/netip"
	"slices"

	"golang.org/x/time/rate"
)

// AddressFamilyAffinity controls which address families a DNSClient
// considers when a name has both A and AAAA records.
type AddressFamilyAffinity int

const (
	// AllFamilies uses all resolved addresses, regardless of family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 uses only IPv4 addresses if any are present, and falls
	// back to all addresses otherwise.
	PreferIPv4

	// PreferIPv6 uses only IPv6 addresses if any are present, and falls
	// back to all addresses otherwise.
	PreferIPv6
)

// NetResolver is the subset of *net.Resolver used by DNSClient.
type NetResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DNSClient is a Client that resolves service names in DNS. A service
// named "billing" with domain "svc.mesh.internal" resolves the host
// "billing.svc.mesh.internal"; the service's port is attached to every
// resolved address. The set of service names served by the overlay is
// not discoverable through DNS itself, so it is supplied up front.
type DNSClient struct {
	resolver NetResolver
	domain   string
	names    []string
	network  string
	affinity AddressFamilyAffinity
	limiter  *rate.Limiter
}

var _ Client = (*DNSClient)(nil)

// DNSOption customizes the behavior of a DNSClient.
type DNSOption interface {
	apply(*DNSClient)
}

// WithNetwork restricts resolution to the given network, one of "ip",
// "ip4" or "ip6". The default is "ip".
func WithNetwork(network string) DNSOption {
	return dnsOptionFunc(func(c *DNSClient) {
		c.network = network
	})
}

// WithAddressFamilyAffinity sets the preference between A and AAAA
// records when both are present. The default is AllFamilies.
func WithAddressFamilyAffinity(affinity AddressFamilyAffinity) DNSOption {
	return dnsOptionFunc(func(c *DNSClient) {
		c.affinity = affinity
	})
}

// WithQueryLimit rate-limits DNS queries issued by the client. Calls
// that exceed the limit wait (respecting the caller's context) rather
// than fail, which keeps a busy refresh schedule from hammering the
// resolver.
func WithQueryLimit(limit rate.Limit, burst int) DNSOption {
	return dnsOptionFunc(func(c *DNSClient) {
		c.limiter = rate.NewLimiter(limit, burst)
	})
}

type dnsOptionFunc func(*DNSClient)

func (f dnsOptionFunc) apply(c *DNSClient) {
	f(c)
}

// NewDNSClient returns a Client that resolves the given service names
// under the given DNS domain using resolver (typically
// net.DefaultResolver). An empty domain resolves service names as bare
// hosts.
func NewDNSClient(resolver NetResolver, domain string, names []string, opts ...DNSOption) *DNSClient {
	client := &DNSClient{
		resolver: resolver,
		domain:   domain,
		names:    slices.Clone(names),
		network:  "ip",
	}
	for _, opt := range opts {
		opt.apply(client)
	}
	return client
}

func (c *DNSClient) ServiceNames(_ context.Context) ([]string, error) {
	return slices.Clone(c.names), nil
}

func (c *DNSClient) Instances(ctx context.Context, svc Service) ([]Instance, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	host := svc.Name
	if c.domain != "" {
		host = svc.Name + "." + c.domain
	}
	addresses, err := c.resolver.LookupNetIP(ctx, c.network, host)
	if err != nil {
		return nil, err
	}
	switch c.affinity {
	case AllFamilies:
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	result := make([]Instance, len(addresses))
	for i, address := range addresses {
		result[i] = Instance{Host: address.Unmap().String(), Port: svc.Port}
	}
	if svc.NearestN > 0 && len(result) > svc.NearestN {
		result = result[:svc.NearestN]
	}
	return result, nil
}

func (c *DNSClient) Close() error {
	return nil
}
