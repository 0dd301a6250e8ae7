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
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"
)

// This package uses a hierarchy with three layers of transports:
//
// 1. terminal: the Client at the end of the decorator chain. It resolves
//    the request authority into an endpoint group and selects one
//    endpoint per request.
// 2. leafSet: decides which session protocol to speak with an endpoint,
//    negotiating when the protocol allows it, and hands out the leaf
//    transport for that protocol and endpoint.
// 3. leaf: an *http.Transport limited to one session protocol whose
//    connections all go to one endpoint through the connection pool.

type leafKey struct {
	protocol protocol.SessionProtocol
	endpoint string
}

type leaf struct {
	transport *http.Transport
	protocol  protocol.SessionProtocol

	mu sync.Mutex
	// +checklocks:mu
	active int
	// +checklocks:mu
	lastUsed time.Time
}

type leafSet struct {
	opts   *clientOptions
	pool   *pool.Pool
	cache  *protocol.NegotiationCache
	clock  internal.Clock
	logger pslog.Logger
	probes singleflight.Group

	mu sync.Mutex
	// +checklocks:mu
	leaves map[leafKey]*leaf
	// +checklocks:mu
	confirmedH2C map[string]struct{}
	// +checklocks:mu
	closed bool
}

func newLeafSet(opts *clientOptions, connPool *pool.Pool) *leafSet {
	return &leafSet{
		opts:         opts,
		pool:         connPool,
		cache:        opts.negotiationCache,
		clock:        opts.clock,
		logger:       opts.logger,
		leaves:       map[leafKey]*leaf{},
		confirmedH2C: map[string]struct{}{},
	}
}

// get returns the leaf transport for sending a request with proto to ep.
// The caller must release the leaf when the request completes.
func (s *leafSet) get(ctx context.Context, proto protocol.SessionProtocol, ep endpoint.Endpoint) (*leaf, error) {
	effective, err := s.negotiate(ctx, proto, ep)
	if err != nil {
		return nil, err
	}
	key := leafKey{protocol: effective, endpoint: ep.Key()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClientClosed
	}
	found, ok := s.leaves[key]
	if !ok {
		found = &leaf{
			transport: s.newTransport(effective, ep),
			protocol:  effective,
		}
		s.leaves[key] = found
	}
	found.acquire(s.clock.Now())
	return found, nil
}

// negotiate returns the protocol actually spoken with ep.
func (s *leafSet) negotiate(ctx context.Context, proto protocol.SessionProtocol, ep endpoint.Endpoint) (protocol.SessionProtocol, error) {
	switch proto {
	case protocol.HTTP:
		if s.cache.IsUnsupported(ep, protocol.H2C) {
			return protocol.H1C, nil
		}
		err := s.probeH2C(ctx, ep)
		switch {
		case err == nil:
			return protocol.H2C, nil
		case errors.Is(err, protocol.ErrUnsupported):
			return protocol.H1C, nil
		default:
			return "", err
		}
	case protocol.H2C:
		if s.cache.IsUnsupported(ep, protocol.H2C) {
			return "", Unprocessed(&SessionProtocolNegotiationError{Endpoint: ep, Protocol: protocol.H2C})
		}
		if err := s.probeH2C(ctx, ep); err != nil {
			if errors.Is(err, protocol.ErrUnsupported) {
				return "", Unprocessed(&SessionProtocolNegotiationError{Endpoint: ep, Protocol: protocol.H2C, Cause: err})
			}
			return "", err
		}
		return protocol.H2C, nil
	case protocol.HTTPS:
		if s.cache.IsUnsupported(ep, protocol.H2) {
			return protocol.H1, nil
		}
		return protocol.HTTPS, nil
	case protocol.H2:
		if s.cache.IsUnsupported(ep, protocol.H2) {
			return "", Unprocessed(&SessionProtocolNegotiationError{Endpoint: ep, Protocol: protocol.H2})
		}
		return protocol.H2, nil
	default:
		return proto, nil
	}
}

// probeH2C checks once per endpoint whether it speaks HTTP/2 with prior
// knowledge. Concurrent requests to an unprobed endpoint share one probe.
// Negative results go to the negotiation cache.
func (s *leafSet) probeH2C(ctx context.Context, ep endpoint.Endpoint) error {
	key := ep.Key()
	s.mu.Lock()
	_, confirmed := s.confirmedH2C[key]
	s.mu.Unlock()
	if confirmed {
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	result := s.probes.DoChan(key, func() (any, error) {
		return nil, s.runProbe(context.WithoutCancel(ctx), ep)
	})
	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *leafSet) runProbe(ctx context.Context, ep endpoint.Endpoint) error {
	// The shared probe outlives the request that started it, but not the
	// connect timeout.
	ctx, cancel := context.WithTimeoutCause(ctx, s.opts.connectTimeout, pool.ErrConnectTimeout)
	defer cancel()
	conn, err := s.pool.Dial(ctx, protocol.H2C, ep)
	if err != nil {
		return err
	}
	err = protocol.ProbeH2C(ctx, conn)
	_ = conn.Close()
	switch {
	case err == nil:
		s.mu.Lock()
		s.confirmedH2C[ep.Key()] = struct{}{}
		s.mu.Unlock()
	case errors.Is(err, protocol.ErrUnsupported):
		s.cache.SetUnsupported(ep, protocol.H2C)
		s.logger.Debug("dispatch.negotiation.h2c_unsupported", "endpoint", ep.String())
	}
	return err
}

// observe records what a response reveals about the protocols ep speaks.
func (s *leafSet) observe(l *leaf, ep endpoint.Endpoint, resp *http.Response) {
	if l.protocol == protocol.HTTPS && resp.ProtoMajor == 1 {
		s.cache.SetUnsupported(ep, protocol.H2)
	}
}

func (s *leafSet) newTransport(proto protocol.SessionProtocol, ep endpoint.Endpoint) *http.Transport {
	var protocols http.Protocols
	switch proto {
	case protocol.H1C:
		protocols.SetHTTP1(true)
	case protocol.H2C:
		protocols.SetUnencryptedHTTP2(true)
	case protocol.H1:
		protocols.SetHTTP1(true)
	case protocol.H2:
		protocols.SetHTTP2(true)
	default:
		protocols.SetHTTP1(true)
		protocols.SetHTTP2(true)
	}
	var tlsConfig *tls.Config
	if s.opts.tlsClientConfig != nil {
		tlsConfig = s.opts.tlsClientConfig.Clone()
	}
	connPool := s.pool
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			// Every connection of this transport goes to ep, whatever
			// the request URL says.
			return connPool.Dial(ctx, proto, ep)
		},
		ForceAttemptHTTP2:      proto.IsTLS(),
		MaxIdleConnsPerHost:    64,
		IdleConnTimeout:        s.opts.idleConnTimeout,
		TLSHandshakeTimeout:    s.opts.tlsHandshakeTimeout,
		TLSClientConfig:        tlsConfig,
		MaxResponseHeaderBytes: s.opts.maxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
		// Content decoding is up to decorators.
		DisableCompression: true,
		Protocols:          &protocols,
	}
}

// sweep closes leaves that have been unused for longer than maxIdle.
func (s *leafSet) sweep(maxIdle time.Duration) {
	now := s.clock.Now()
	var idle []*leaf
	s.mu.Lock()
	for key, l := range s.leaves {
		if l.idleSince(now) >= maxIdle {
			idle = append(idle, l)
			delete(s.leaves, key)
		}
	}
	s.mu.Unlock()
	closeLeaves(idle)
}

func (s *leafSet) close() {
	s.mu.Lock()
	s.closed = true
	leaves := make([]*leaf, 0, len(s.leaves))
	for _, l := range s.leaves {
		leaves = append(leaves, l)
	}
	s.leaves = map[leafKey]*leaf{}
	s.mu.Unlock()
	closeLeaves(leaves)
}

func closeLeaves(leaves []*leaf) {
	grp, _ := errgroup.WithContext(context.Background())
	for _, l := range leaves {
		grp.Go(func() error {
			l.transport.CloseIdleConnections()
			return nil
		})
	}
	_ = grp.Wait()
}

func (l *leaf) acquire(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active++
	l.lastUsed = now
}

func (l *leaf) release(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.lastUsed = now
}

// idleSince returns how long the leaf has been unused, or zero while a
// request is using it.
func (l *leaf) idleSince(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		return 0
	}
	return now.Sub(l.lastUsed)
}
