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
	"io"
	"net/netip"
	"time"

	"github.com/bufbuild/dispatch/attribute"
	"github.com/bufbuild/dispatch/internal"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMinRefreshInterval = 5 * time.Second
	defaultResolveTTL         = 5 * time.Minute
)

// AddressFamilyPolicy controls which resolved addresses are used, based on
// their address family.
type AddressFamilyPolicy int

const (
	// PreferIPv4 uses only IPv4 addresses if any are present, otherwise
	// all addresses.
	PreferIPv4 AddressFamilyPolicy = iota
	// RequireIPv4 uses only IPv4 addresses.
	RequireIPv4
	// PreferIPv6 uses only IPv6 addresses if any are present, otherwise
	// all addresses.
	PreferIPv6
	// RequireIPv6 uses only IPv6 addresses.
	RequireIPv6
	// UseBothIPv4AndIPv6 uses every address.
	UseBothIPv4AndIPv6
)

// Filter applies the policy to addrs. The input slice may be reused.
func (p AddressFamilyPolicy) Filter(addrs []netip.Addr) []netip.Addr {
	var want func(netip.Addr) bool
	required := false
	switch p {
	case PreferIPv4, RequireIPv4:
		want, required = netip.Addr.Is4, p == RequireIPv4
	case PreferIPv6, RequireIPv6:
		want, required = func(a netip.Addr) bool { return a.Is6() }, p == RequireIPv6
	default:
		return addrs
	}
	filtered := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if want(addr.Unmap()) {
			filtered = append(filtered, addr.Unmap())
		}
	}
	if len(filtered) == 0 && !required {
		return addrs
	}
	return filtered
}

// Resolver is an interface for continuous name resolution.
type Resolver interface {
	// New creates a continuous resolver task for host. When the host is
	// resolved into addresses, they are provided to receiver. Each call
	// supplies the entire set of addresses.
	//
	// The resolver may report errors in addition to or instead of
	// addresses, but it keeps trying until it is closed or ctx is done.
	//
	// The refresh channel receives hints that new results may be needed,
	// for example when every endpoint of a group turned unhealthy. It is
	// not closed until after Close returns.
	//
	// Close on the returned value stops all goroutines. After Close
	// returns there are no more calls to receiver.
	New(
		ctx context.Context,
		host string,
		port int,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver is a client of a resolver and receives the resolved addresses.
type Receiver interface {
	// OnResolve is called with the full set of resolved addresses (no
	// deltas), whenever it may have changed.
	OnResolve([]Address)
	// OnResolveError is called when resolution fails. Previously
	// resolved addresses stay in effect.
	OnResolveError(error)
}

// ResolveProber is an interface for types that provide single-shot name
// resolution.
type ResolveProber interface {
	// ResolveOnce resolves host once. The second return value is the
	// TTL of the result, or 0 if there is no known TTL value.
	ResolveOnce(
		ctx context.Context,
		host string,
		port int,
	) (
		results []Address,
		ttl time.Duration,
		err error,
	)
}

// ResolveProberFunc adapts a function to ResolveProber.
type ResolveProberFunc func(ctx context.Context, host string, port int) ([]Address, time.Duration, error)

// ResolveOnce implements ResolveProber.
func (f ResolveProberFunc) ResolveOnce(ctx context.Context, host string, port int) ([]Address, time.Duration, error) {
	return f(ctx, host, port)
}

// Address is one resolved address of a host, with the port it was
// requested for and any attributes the resolver attached.
type Address struct {
	IP         netip.Addr
	Port       int
	Attributes attribute.Values
}

// AddrPort returns the address as a netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, uint16(a.Port)) //nolint:gosec // ports are validated by endpoint parsing
}

// PollingOption configures NewPollingResolver.
type PollingOption interface {
	apply(*pollingResolver)
}

type pollingOptionFunc func(*pollingResolver)

func (f pollingOptionFunc) apply(pr *pollingResolver) { f(pr) }

// WithDefaultTTL sets the polling interval used when the prober does
// not report a TTL. The default is five minutes.
func WithDefaultTTL(ttl time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		pr.defaultTTL = ttl
	})
}

// WithMinRefreshInterval bounds how often refresh hints may trigger a
// new probe. The default is five seconds.
func WithMinRefreshInterval(interval time.Duration) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		pr.minRefresh = interval
	})
}

// WithErrorBackoff sets the delay sequence used after failed probes,
// which replaces the TTL wait until a probe succeeds again. The default
// is exponential from one second up to the TTL.
func WithErrorBackoff(newBackOff func() backoff.BackOff) PollingOption {
	return pollingOptionFunc(func(pr *pollingResolver) {
		pr.newBackOff = newBackOff
	})
}

// NewPollingResolver creates a new resolver that polls an underlying
// single-shot resolver whenever the result-set TTL expires.
func NewPollingResolver(prober ResolveProber, opts ...PollingOption) Resolver {
	pr := &pollingResolver{
		prober:     prober,
		defaultTTL: defaultResolveTTL,
		minRefresh: defaultMinRefreshInterval,
		clock:      internal.NewRealClock(),
	}
	for _, opt := range opts {
		opt.apply(pr)
	}
	if pr.newBackOff == nil {
		maxInterval := pr.defaultTTL
		pr.newBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = maxInterval
			return bo
		}
	}
	return pr
}

type pollingResolver struct {
	prober     ResolveProber
	defaultTTL time.Duration
	minRefresh time.Duration
	newBackOff func() backoff.BackOff
	clock      internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	host string,
	port int,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		refreshCh:  refresh,
		resolver:   pr,
	}
	go task.run(ctx, host, port, receiver)
	return task
}

type pollingResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	refreshCh  <-chan struct{}
	resolver   *pollingResolver
}

func (task *pollingResolverTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingResolverTask) run(ctx context.Context, host string, port int, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	clock := task.resolver.clock
	errBackoff := task.resolver.newBackOff()
	for {
		lastProbe := clock.Now()
		addresses, ttl, err := task.resolver.prober.ResolveOnce(ctx, host, port)
		if ctx.Err() != nil {
			return
		}
		var wait time.Duration
		if err != nil {
			receiver.OnResolveError(err)
			wait = errBackoff.NextBackOff()
			if wait == backoff.Stop {
				wait = task.resolver.defaultTTL
			}
		} else {
			receiver.OnResolve(addresses)
			errBackoff.Reset()
			wait = ttl
			if wait <= 0 {
				wait = task.resolver.defaultTTL
			}
		}

		timer := clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		case <-task.refreshCh:
			timer.Stop()
			if remaining := task.resolver.minRefresh - clock.Since(lastProbe); remaining > 0 {
				if internal.SleepContext(ctx, clock, remaining) != nil {
					return
				}
			}
		}
	}
}
