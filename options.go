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

package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/health"
	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/picker"
	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/bufbuild/dispatch/resolver"
	"pkt.systems/pslog"
)

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
)

const (
	defaultConnectTimeout       = 3200 * time.Millisecond
	defaultResponseTimeout      = 10 * time.Second
	defaultIdleTransportTimeout = 15 * time.Minute
)

// ClientOption is an option used to customize the behavior of an HTTP client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context used for any background
// goroutines that an HTTP client may create, such as name resolution and
// health checks. If not specified, [context.Background] is used.
//
// Cancelling it closes the client.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithBaseURI makes the client send every request to the given base URI.
// Its scheme chooses the session protocol and its authority chooses the
// endpoints, regardless of the request URL; request paths are appended to
// its path.
func WithBaseURI(baseURI string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.baseURI = baseURI
	})
}

// WithAuthority sets the authority sent with every request, as the Host
// header or the HTTP/2 :authority pseudo-header. It does not change which
// endpoints requests go to.
func WithAuthority(authority string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.authority = authority
	})
}

// WithEndpointGroup sends every request to an endpoint of group instead
// of resolving the request authority. The group stays owned by the
// caller and is not closed with the client.
func WithEndpointGroup(group endpoint.Group) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.group = group
	})
}

// WithSessionProtocol sets the session protocol of requests whose URL
// has no scheme or an "http" or "https" scheme. Schemes naming an
// explicit protocol, such as "h2c", still win. The default is to follow
// the URL scheme, or HTTP without one.
func WithSessionProtocol(p protocol.SessionProtocol) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.protocol = p
		opts.protocolSet = true
	})
}

// WithDecorators adds decorators to the client. They are applied in
// order, so the last one is the outermost and sees a request first.
func WithDecorators(decorators ...Decorator) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.decorators = append(opts.decorators, decorators...)
	})
}

// WithResponseTimeout limits how long a request may take to receive its
// complete response. Zero disables the timeout. If no WithResponseTimeout
// option is provided, a default of 10 seconds is used.
//
// Decorators and customizers can adjust the timeout of a single request
// with Context.SetResponseTimeout.
func WithResponseTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.responseTimeout = timeout
		opts.responseTimeoutSet = true
	})
}

// WithResponseTimeoutMode chooses when the response timeout starts. The
// default is ResponseTimeoutFromRequestSent.
func WithResponseTimeoutMode(mode ResponseTimeoutMode) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.responseTimeoutMode = mode
	})
}

// WithWriteTimeout limits how long sending a request may take, from the
// start of the send until the request body has been written. Zero, the
// default, means no limit.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.writeTimeout = timeout
	})
}

// WithConnectTimeout limits how long establishing a connection may take.
// If zero or no WithConnectTimeout option is used, a default of 3.2
// seconds is used.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectTimeout = timeout
	})
}

// WithSelectionTimeout limits how long a request waits for an endpoint
// when its endpoint group has none ready. It is capped at the connect
// timeout unless it is picker.NoTimeout, which waits as long as the
// request is not cancelled. The default is the connect timeout.
func WithSelectionTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.selectionTimeout = timeout
	})
}

// WithMaxResponseLength limits the size of response bodies. Longer
// responses fail with a ContentTooLargeError. Zero, the default, means
// no limit.
func WithMaxResponseLength(limit int64) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxResponseLength = limit
	})
}

// WithMaxConnectionsPerEndpoint bounds how many connections may be open
// to a single endpoint at once. Requests that need another connection
// wait for one to close. Zero, the default, means no bound.
func WithMaxConnectionsPerEndpoint(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnsPerEndpoint = limit
	})
}

// WithIdleConnectionTimeout configures a timeout for how long an idle
// connection will remain open. If zero or no WithIdleConnectionTimeout
// option is used, idle connections will be left open indefinitely. If
// backend servers or intermediary proxies/load balancers place time
// limits on idle connections, this should be configured to be less
// than that time limit, to prevent the client from trying to use a
// connection could be concurrently closed by a server for being idle
// for too long.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleConnTimeout = duration
	})
}

// WithIdleTransportTimeout configures a timeout for how long unused
// per-authority state is kept: the endpoint group resolved for an
// authority, and the transport for a single endpoint. Closing it closes
// the underlying connections and stops name resolution.
//
// If zero or no WithIdleTransportTimeout option is used, a default of
// 15 minutes will be used.
func WithIdleTransportTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleTransportTimeout = duration
	})
}

// WithDialer configures the HTTP client to use the given function to
// establish network connections. If no WithDialer option is provided,
// a default [net.Dialer] is used that uses a 30-second dial timeout and
// configures the connection to use TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration to the HTTP client. The
// given config is used when using TLS to communicate with servers. The
// given timeout is applied to the TLS handshake step. If the given timeout
// is zero or no WithTLSConfig option is used, a default timeout of 10
// seconds will be used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsClientConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of response headers
// to consume. If zero or if no WithMaxResponseHeaderBytes option is used, the
// HTTP client will default to a 1 MB limit (2^20 bytes).
func WithMaxResponseHeaderBytes(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxResponseHeaderBytes = int64(limit)
	})
}

// WithRedirects configures how the HTTP client handles redirect responses.
// If no such option is provided, the client will not follow any redirects.
func WithRedirects(redirectFunc RedirectFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.redirectFunc = redirectFunc
	})
}

// WithAddressResolver sets the resolver used to look up the addresses of
// request authorities. The default is the system resolver.
func WithAddressResolver(res resolver.AddressResolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.addressResolver = res
	})
}

// WithAddressFamilyPolicy chooses which address families resolved
// authorities use. The default is resolver.PreferIPv4.
func WithAddressFamilyPolicy(policy resolver.AddressFamilyPolicy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.addressFamilyPolicy = policy
	})
}

// WithEndpointSubset limits the endpoints of each resolved authority to
// a consistent subset chosen by rendezvous hashing. Clients with the same
// selection key pick the same subset. Groups given with
// WithEndpointGroup are not subset.
func WithEndpointSubset(config resolver.RendezvousConfig) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.subset = &config
	})
}

// WithPicker sets the strategy used to pick an endpoint for each request.
// The default is picker.NewRoundRobin.
func WithPicker(factory picker.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.picker = factory
	})
}

// WithHealthChecker checks the health of endpoints resolved for request
// authorities and only sends requests to routable ones. It does not apply
// to a group given with WithEndpointGroup; wrap it with
// health.NewCheckedGroup instead.
func WithHealthChecker(checker health.Checker) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.healthChecker = checker
	})
}

// WithNegotiationCache sets the cache that remembers which session
// protocols endpoints do not support. The default is
// protocol.DefaultNegotiationCache.
func WithNegotiationCache(cache *protocol.NegotiationCache) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.negotiationCache = cache
	})
}

// WithConnectionPoolListener adds a listener notified when connections
// open and close. Listeners are notified in the order they are added.
func WithConnectionPoolListener(listener pool.Listener) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolListeners = append(opts.poolListeners, listener)
	})
}

// WithContextCustomizer adds a customizer run on the context of every
// request before it is sent. Customizers added with WithCustomizer to the
// caller's context run afterwards.
func WithContextCustomizer(customizer ContextCustomizer) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.customizers = append(opts.customizers, customizer)
	})
}

// WithLogger sets the logger for background events such as name
// resolution failures. The default discards everything.
func WithLogger(logger pslog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithClock sets the clock used for timeouts. It is meant for tests.
func WithClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.clock = clock
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx                context.Context //nolint:containedctx
	baseURI                string
	base                   *url.URL
	baseProtocol           protocol.SessionProtocol
	authority              string
	group                  endpoint.Group
	protocol               protocol.SessionProtocol
	protocolSet            bool
	decorators             []Decorator
	responseTimeout        time.Duration
	responseTimeoutSet     bool
	responseTimeoutMode    ResponseTimeoutMode
	writeTimeout           time.Duration
	connectTimeout         time.Duration
	selectionTimeout       time.Duration
	maxResponseLength      int64
	maxConnsPerEndpoint    int
	idleConnTimeout        time.Duration
	idleTransportTimeout   time.Duration
	dialFunc               func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsClientConfig        *tls.Config
	tlsHandshakeTimeout    time.Duration
	maxResponseHeaderBytes int64
	redirectFunc           RedirectFunc
	addressResolver        resolver.AddressResolver
	addressFamilyPolicy    resolver.AddressFamilyPolicy
	subset                 *resolver.RendezvousConfig
	hostResolver           resolver.Resolver
	picker                 picker.Factory
	healthChecker          health.Checker
	negotiationCache       *protocol.NegotiationCache
	poolListeners          []pool.Listener
	customizers            []ContextCustomizer
	logger                 pslog.Logger
	clock                  internal.Clock
}

func (opts *clientOptions) applyDefaults() error {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.baseURI != "" {
		base, err := url.Parse(opts.baseURI)
		if err != nil {
			return fmt.Errorf("invalid base URI %q: %w", opts.baseURI, err)
		}
		if base.Scheme == "" || base.Host == "" {
			return fmt.Errorf("invalid base URI %q: %w", opts.baseURI, ErrMissingAuthority)
		}
		proto, _, err := protocol.ParseScheme(base.Scheme)
		if err != nil {
			return fmt.Errorf("invalid base URI %q: %w", opts.baseURI, err)
		}
		opts.base, opts.baseProtocol = base, proto
	}
	if opts.protocol == "" {
		opts.protocol = protocol.HTTP
	}
	if !opts.protocol.Valid() {
		return fmt.Errorf("unknown session protocol %q", opts.protocol)
	}
	if !opts.responseTimeoutSet {
		opts.responseTimeout = defaultResponseTimeout
	}
	if opts.connectTimeout <= 0 {
		opts.connectTimeout = defaultConnectTimeout
	}
	if opts.selectionTimeout <= 0 {
		opts.selectionTimeout = opts.connectTimeout
	}
	if opts.selectionTimeout != picker.NoTimeout {
		opts.selectionTimeout = min(opts.selectionTimeout, opts.connectTimeout)
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	if opts.maxResponseHeaderBytes == 0 {
		opts.maxResponseHeaderBytes = 1 << 20
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
	if opts.idleTransportTimeout == 0 {
		opts.idleTransportTimeout = defaultIdleTransportTimeout
	}
	if opts.addressResolver == nil {
		opts.addressResolver = resolver.SystemResolver(nil)
	}
	if client, ok := opts.addressResolver.(*resolver.DNSClient); ok {
		opts.hostResolver = resolver.NewDNSResolver(client, opts.addressFamilyPolicy)
	} else {
		opts.hostResolver = resolver.NewAddressResolver(opts.addressResolver, opts.addressFamilyPolicy)
	}
	if opts.subset != nil {
		subset, err := resolver.RendezvousHashSubsetter(opts.hostResolver, *opts.subset)
		if err != nil {
			return fmt.Errorf("endpoint subset: %w", err)
		}
		opts.hostResolver = subset
	}
	if opts.picker == nil {
		opts.picker = picker.NewRoundRobin
	}
	if opts.negotiationCache == nil {
		opts.negotiationCache = protocol.DefaultNegotiationCache
	}
	if opts.logger == nil {
		opts.logger = pslog.NoopLogger()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	return nil
}

func (opts *clientOptions) requestOptions() requestOptions {
	return requestOptions{
		responseTimeout:     opts.responseTimeout,
		responseTimeoutMode: opts.responseTimeoutMode,
		writeTimeout:        opts.writeTimeout,
		maxResponseLength:   opts.maxResponseLength,
	}
}

// poolOptions configures the connection pool shared by all endpoints.
func (opts *clientOptions) poolOptions() []pool.Option {
	poolOpts := []pool.Option{
		pool.WithDialer(opts.dialFunc),
		pool.WithConnectTimeout(opts.connectTimeout),
		pool.WithMaxConnectionsPerEndpoint(opts.maxConnsPerEndpoint),
	}
	if len(opts.poolListeners) > 0 {
		poolOpts = append(poolOpts, pool.WithListener(pool.AndThen(opts.poolListeners...)))
	}
	return poolOpts
}
