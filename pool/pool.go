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

// Package pool dials and accounts for the network connections behind the
// leaf transports. Connections are grouped by [Key]; for each key the
// pool tracks how many connections are open and how many are busy
// serving a request, and notifies a [Listener] as connections come and
// go. Optionally, the number of connections per endpoint is bounded.
package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/protocol"
	"golang.org/x/sync/semaphore"
)

// ErrConnectTimeout is wrapped by errors from Dial when the connect
// timeout elapses before the connection is established.
var ErrConnectTimeout = errors.New("connect timed out")

// DialFunc establishes a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Stats are the counts for one key.
type Stats struct {
	// Open is the number of connections that are open.
	Open int
	// Busy is the number of open connections serving at least one request.
	Busy int
}

// Option configures a Pool.
type Option interface {
	apply(*Pool)
}

// WithDialer sets the function used to dial connections. The default
// is a net.Dialer with keep-alives enabled.
func WithDialer(dial DialFunc) Option {
	return optionFunc(func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	})
}

// WithListener sets the listener notified of opened and closed
// connections.
func WithListener(listener Listener) Option {
	return optionFunc(func(p *Pool) {
		if listener != nil {
			p.listener = listener
		}
	})
}

// WithConnectTimeout bounds how long establishing one connection may
// take. Zero means no limit beyond the dial context.
func WithConnectTimeout(timeout time.Duration) Option {
	return optionFunc(func(p *Pool) {
		p.connectTimeout = timeout
	})
}

// WithMaxConnectionsPerEndpoint bounds the number of open connections to
// any one endpoint. Dial waits for a connection to close when the bound
// is reached. Zero means unbounded.
func WithMaxConnectionsPerEndpoint(limit int) Option {
	return optionFunc(func(p *Pool) {
		p.maxPerEndpoint = limit
	})
}

// Pool dials connections and tracks them by key. It is safe for
// concurrent use.
type Pool struct {
	dial           DialFunc
	listener       Listener
	connectTimeout time.Duration
	maxPerEndpoint int

	entries sync.Map // Key -> *entry
	limits  sync.Map // endpoint key -> *semaphore.Weighted
	total   atomic.Int64
}

// New returns a pool configured with the given options.
func New(opts ...Option) *Pool {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	pool := &Pool{
		dial:     dialer.DialContext,
		listener: NopListener,
	}
	for _, opt := range opts {
		opt.apply(pool)
	}
	return pool
}

// Dial opens a connection to ep for protocol p. A cancelled ctx fails
// before anything else happens, so no connection is counted. When the
// per-endpoint bound is reached, Dial waits for a slot until ctx is done.
//
// The returned connection must be closed; closing it releases its slot
// and reports it to the listener exactly once.
func (p *Pool) Dial(ctx context.Context, proto protocol.SessionProtocol, ep endpoint.Endpoint) (*Conn, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	var limit *semaphore.Weighted
	if p.maxPerEndpoint > 0 {
		limit = p.limitFor(ep)
		if err := limit.Acquire(ctx, 1); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return nil, cause
			}
			return nil, err
		}
	}
	conn, err := p.dialEndpoint(ctx, proto, ep)
	if err != nil {
		if limit != nil {
			limit.Release(1)
		}
		return nil, err
	}
	pooled := &Conn{
		Conn:  conn,
		pool:  p,
		key:   keyOf(proto, conn),
		limit: limit,
	}
	p.update(pooled.key, 1, 0)
	p.total.Add(1)
	p.listener.ConnectionOpen(pooled.key)
	return pooled, nil
}

func (p *Pool) dialEndpoint(ctx context.Context, proto protocol.SessionProtocol, ep endpoint.Endpoint) (net.Conn, error) {
	dialCtx := ctx
	if p.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeoutCause(ctx, p.connectTimeout, ErrConnectTimeout)
		defer cancel()
	}
	network, address := ep.DialAddress(proto.DefaultPort())
	conn, err := p.dial(dialCtx, network, address)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(dialCtx), ErrConnectTimeout) {
			return nil, fmt.Errorf("%w: %s after %v", ErrConnectTimeout, address, p.connectTimeout)
		}
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	return conn, nil
}

func (p *Pool) limitFor(ep endpoint.Endpoint) *semaphore.Weighted {
	key := ep.Key()
	if limit, ok := p.limits.Load(key); ok {
		return limit.(*semaphore.Weighted) //nolint:forcetypeassert,errcheck
	}
	limit, _ := p.limits.LoadOrStore(key, semaphore.NewWeighted(int64(p.maxPerEndpoint)))
	return limit.(*semaphore.Weighted) //nolint:forcetypeassert,errcheck
}

// Stats returns the counts for key. The second result is false when no
// connection with that key is open.
func (p *Pool) Stats(key Key) (Stats, bool) {
	value, ok := p.entries.Load(key)
	if !ok {
		return Stats{}, false
	}
	open, busy := unpack(value.(*entry).counts.Load()) //nolint:forcetypeassert,errcheck
	if open == 0 && busy == 0 {
		return Stats{}, false
	}
	return Stats{Open: int(open), Busy: int(busy)}, true
}

// Snapshot returns the counts of every key with open connections.
func (p *Pool) Snapshot() map[Key]Stats {
	snapshot := map[Key]Stats{}
	p.entries.Range(func(key, _ any) bool {
		if stats, ok := p.Stats(key.(Key)); ok { //nolint:forcetypeassert,errcheck
			snapshot[key.(Key)] = stats //nolint:forcetypeassert,errcheck
		}
		return true
	})
	return snapshot
}

// OpenConnections returns the number of open connections across all
// keys.
func (p *Pool) OpenConnections() int {
	return int(p.total.Load())
}

// ConnOf returns the pooled connection underlying conn, unwrapping TLS
// connections. It is how a transport maps the connection it was handed
// back to the pool's accounting.
func ConnOf(conn net.Conn) (*Conn, bool) {
	for {
		switch c := conn.(type) {
		case *Conn:
			return c, true
		case *tls.Conn:
			conn = c.NetConn()
		case interface{ NetConn() net.Conn }:
			conn = c.NetConn()
		default:
			return nil, false
		}
	}
}

// Conn is a pooled connection.
type Conn struct {
	net.Conn

	pool  *Pool
	key   Key
	limit *semaphore.Weighted

	mu sync.Mutex
	// +checklocks:mu
	active int
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	closeErr error
}

// Key returns the key this connection is counted under.
func (c *Conn) Key() Key {
	return c.key
}

// Acquire marks the connection as serving one more request. A connection
// with at least one request is busy.
func (c *Conn) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.active++
	if c.active == 1 {
		c.pool.update(c.key, 0, 1)
	}
}

// Release undoes one Acquire.
func (c *Conn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.active == 0 {
		return
	}
	c.active--
	if c.active == 0 {
		c.pool.update(c.key, 0, -1)
	}
}

// Close closes the connection. Only the first call has any effect on
// the pool; later calls return the same error.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.closeErr = c.Conn.Close()
	busy := int32(0)
	if c.active > 0 {
		busy = -1
	}
	c.active = 0
	c.pool.update(c.key, -1, busy)
	c.mu.Unlock()

	c.pool.total.Add(-1)
	if c.limit != nil {
		c.limit.Release(1)
	}
	c.pool.listener.ConnectionClosed(c.key)
	return c.closeErr
}

// entry packs the open and busy counts of one key in a single word so
// both change together. A retired entry holds retiredEntry and is never
// updated again.
type entry struct {
	counts atomic.Uint64
}

const retiredEntry = math.MaxUint64

func (p *Pool) update(key Key, deltaOpen, deltaBusy int32) {
	for {
		value, _ := p.entries.LoadOrStore(key, &entry{})
		ent := value.(*entry) //nolint:forcetypeassert,errcheck
		for {
			old := ent.counts.Load()
			if old == retiredEntry {
				// Lost a race with removal; start over with a fresh entry.
				break
			}
			open, busy := unpack(old)
			open = clampAdd(open, deltaOpen)
			busy = clampAdd(busy, deltaBusy)
			if open == 0 && busy == 0 {
				if ent.counts.CompareAndSwap(old, retiredEntry) {
					p.entries.CompareAndDelete(key, ent)
					return
				}
				continue
			}
			if ent.counts.CompareAndSwap(old, pack(open, busy)) {
				return
			}
		}
	}
}

func pack(open, busy uint32) uint64 {
	return uint64(open)<<32 | uint64(busy)
}

func unpack(counts uint64) (open, busy uint32) {
	if counts == retiredEntry {
		return 0, 0
	}
	return uint32(counts >> 32), uint32(counts) //nolint:gosec
}

func clampAdd(value uint32, delta int32) uint32 {
	if delta < 0 && uint32(-delta) > value {
		return 0
	}
	return uint32(int64(value) + int64(delta)) //nolint:gosec
}

func keyOf(proto protocol.SessionProtocol, conn net.Conn) Key {
	key := Key{Protocol: proto}
	if addr, ok := conn.RemoteAddr().(*net.UnixAddr); ok {
		key.SocketPath = addr.Name
		return key
	}
	key.Remote = addrPort(conn.RemoteAddr())
	key.Local = addrPort(conn.LocalAddr())
	return key
}

func addrPort(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		addrPort := tcp.AddrPort()
		return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port())
	}
	if addr == nil {
		return netip.AddrPort{}
	}
	parsed, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return parsed
}

type optionFunc func(*Pool)

func (f optionFunc) apply(p *Pool) {
	f(p)
}
