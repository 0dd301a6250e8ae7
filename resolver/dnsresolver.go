// Copyright 2023 Buf Technologies, Inc.
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
	"net"
	"net/netip"
	"time"
)

// AddressResolver resolves a host name to IP addresses, once. Both
// *DNSClient and the adapter returned by SystemResolver implement it.
type AddressResolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// SystemResolver adapts a *net.Resolver, such as net.DefaultResolver,
// to AddressResolver.
func SystemResolver(resolver *net.Resolver) AddressResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return systemResolver{resolver}
}

type systemResolver struct {
	resolver *net.Resolver
}

func (s systemResolver) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}

// NewDNSResolver creates a polling resolver that queries client and
// re-resolves when the answer's TTL expires. The policy selects which
// address families are used.
func NewDNSResolver(client *DNSClient, policy AddressFamilyPolicy, opts ...PollingOption) Resolver {
	return NewPollingResolver(&dnsResolveProber{lookup: client.Lookup, policy: policy}, opts...)
}

// NewAddressResolver creates a polling resolver over any AddressResolver.
// Since such resolvers do not report TTLs, answers are refreshed after
// the polling resolver's default TTL.
func NewAddressResolver(resolver AddressResolver, policy AddressFamilyPolicy, opts ...PollingOption) Resolver {
	lookup := func(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
		addrs, err := resolver.LookupNetIP(ctx, host)
		return addrs, 0, err
	}
	return NewPollingResolver(&dnsResolveProber{lookup: lookup, policy: policy}, opts...)
}

type dnsResolveProber struct {
	lookup func(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)
	policy AddressFamilyPolicy
}

func (p *dnsResolveProber) ResolveOnce(ctx context.Context, host string, port int) ([]Address, time.Duration, error) {
	addrs, ttl, err := p.lookup(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	addrs = p.policy.Filter(addrs)
	if len(addrs) == 0 {
		return nil, 0, &net.DNSError{Err: "no addresses of the required family", Name: host, IsNotFound: true}
	}
	result := make([]Address, len(addrs))
	for i, addr := range addrs {
		result[i] = Address{IP: addr, Port: port}
	}
	return result, ttl, nil
}
