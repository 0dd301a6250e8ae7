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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/dispatch/internal"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"
)

const (
	defaultDNSTimeout  = 5 * time.Second
	defaultDNSAttempts = 2
	defaultNdots       = 1
	defaultMaxTTL      = 5 * time.Minute
	defaultNegativeTTL = 5 * time.Second
	maxUDPMessageSize  = 1232
)

// errTruncated signals that a UDP response must be retried over TCP.
var errTruncated = errors.New("dns: truncated response")

// DNSConfig configures a DNSClient.
type DNSConfig struct {
	// Servers are name server addresses, "host" or "host:port".
	Servers []string
	// Search lists the domains appended to names with fewer than Ndots
	// dots.
	Search []string
	// Ndots is the dot threshold above which a name is first tried as
	// absolute. Zero means one.
	Ndots int
	// Timeout bounds a single query to a single server.
	Timeout time.Duration
	// Attempts is the number of passes over Servers.
	Attempts int
	// MinTTL and MaxTTL clamp the TTL of cached answers.
	MinTTL, MaxTTL time.Duration
	// NegativeTTL is how long a failed lookup is cached. Negative
	// values disable negative caching.
	NegativeTTL time.Duration
}

// DNSOption configures a DNSClient.
type DNSOption interface {
	apply(*DNSClient)
}

type dnsOptionFunc func(*DNSClient)

func (f dnsOptionFunc) apply(c *DNSClient) { f(c) }

// WithDNSLogger sets the logger for query failures.
func WithDNSLogger(logger pslog.Logger) DNSOption {
	return dnsOptionFunc(func(c *DNSClient) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithDNSDialer replaces the function used to reach name servers. The
// network is "udp" or "tcp".
func WithDNSDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) DNSOption {
	return dnsOptionFunc(func(c *DNSClient) {
		c.dial = dial
	})
}

// DNSClient resolves host names by querying name servers directly. It
// sends A and AAAA queries over UDP and retries over TCP when a response
// is truncated. Names are expanded with search domains following the
// ndots rule; names ending in a dot are queried verbatim. Answers are
// cached by the name exactly as given, for the smallest record TTL.
type DNSClient struct {
	cfg    DNSConfig
	clock  internal.Clock
	logger pslog.Logger
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	flight singleflight.Group

	mu    sync.Mutex
	cache map[string]dnsCacheEntry
	rand  interface{ Uint32() uint32 }
}

type dnsCacheEntry struct {
	addrs   []netip.Addr
	ttl     time.Duration
	err     error
	expires time.Time
}

type dnsResult struct {
	addrs []netip.Addr
	ttl   time.Duration
}

// NewDNSClient returns a client for the given configuration.
func NewDNSClient(cfg DNSConfig, opts ...DNSOption) *DNSClient {
	if cfg.Ndots <= 0 {
		cfg.Ndots = defaultNdots
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDNSTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultDNSAttempts
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = defaultMaxTTL
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		servers = append(servers, withDefaultDNSPort(server))
	}
	cfg.Servers = servers
	var dialer net.Dialer
	client := &DNSClient{
		cfg:    cfg,
		clock:  internal.NewRealClock(),
		logger: pslog.NoopLogger(),
		dial:   dialer.DialContext,
		cache:  make(map[string]dnsCacheEntry),
		rand:   internal.NewLockedRand(),
	}
	for _, opt := range opts {
		opt.apply(client)
	}
	return client
}

// NewDNSClientFromResolvConf reads name servers, search domains and
// options from a resolv.conf file, usually "/etc/resolv.conf".
func NewDNSClientFromResolvConf(path string, opts ...DNSOption) (*DNSClient, error) {
	cfg, err := ReadResolvConf(path)
	if err != nil {
		return nil, err
	}
	return NewDNSClient(cfg, opts...), nil
}

// LookupNetIP resolves host to its addresses.
func (c *DNSClient) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, _, err := c.Lookup(ctx, host)
	return addrs, err
}

// Lookup resolves host to its addresses and returns the remaining TTL
// of the answer. IP literals are returned as is with a zero TTL.
func (c *DNSClient) Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	if addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")); err == nil {
		return []netip.Addr{addr.Unmap()}, 0, nil
	}
	if host == "" {
		return nil, 0, &net.DNSError{Err: "empty host name", Name: host, IsNotFound: true}
	}
	if entry, ok := c.cached(host); ok {
		return entry.addrs, entry.ttl, entry.err
	}
	resultCh := c.flight.DoChan(host, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupBudget(host))
		defer cancel()
		result, err := c.resolve(lookupCtx, host)
		c.store(host, result, err)
		return result, err
	})
	select {
	case <-ctx.Done():
		return nil, 0, context.Cause(ctx)
	case res := <-resultCh:
		if res.Err != nil {
			return nil, 0, res.Err
		}
		result := res.Val.(dnsResult) //nolint:errcheck,forcetypeassert
		return result.addrs, result.ttl, nil
	}
}

// ClearCache drops all cached answers.
func (c *DNSClient) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}

func (c *DNSClient) lookupBudget(host string) time.Duration {
	names := len(c.candidates(host))
	servers := max(len(c.cfg.Servers), 1)
	return time.Duration(names*servers*c.cfg.Attempts) * c.cfg.Timeout
}

func (c *DNSClient) cached(host string) (dnsCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[host]
	if !ok {
		return dnsCacheEntry{}, false
	}
	now := c.clock.Now()
	if !now.Before(entry.expires) {
		delete(c.cache, host)
		return dnsCacheEntry{}, false
	}
	if entry.err == nil {
		entry.ttl = entry.expires.Sub(now)
	}
	return entry, true
}

func (c *DNSClient) store(host string, result dnsResult, err error) {
	var ttl time.Duration
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound || c.cfg.NegativeTTL < 0 {
			return
		}
		ttl = c.cfg.NegativeTTL
	} else {
		ttl = result.ttl
	}
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[host] = dnsCacheEntry{
		addrs:   result.addrs,
		ttl:     result.ttl,
		err:     err,
		expires: c.clock.Now().Add(ttl),
	}
}

// candidates returns the fully qualified names to try for host, in
// order.
func (c *DNSClient) candidates(host string) []string {
	if strings.HasSuffix(host, ".") {
		return []string{host}
	}
	absolute := host + "."
	dots := strings.Count(host, ".")
	names := make([]string, 0, len(c.cfg.Search)+1)
	if dots >= c.cfg.Ndots {
		names = append(names, absolute)
	}
	for _, domain := range c.cfg.Search {
		domain = strings.Trim(domain, ".")
		if domain == "" {
			continue
		}
		names = append(names, host+"."+domain+".")
	}
	if dots < c.cfg.Ndots {
		names = append(names, absolute)
	}
	return names
}

func (c *DNSClient) resolve(ctx context.Context, host string) (dnsResult, error) {
	if len(c.cfg.Servers) == 0 {
		return dnsResult{}, &net.DNSError{Err: "no name servers configured", Name: host}
	}
	var lastErr error
	for _, name := range c.candidates(host) {
		result, err := c.queryAll(ctx, name)
		if err == nil && len(result.addrs) > 0 {
			return result, nil
		}
		if err != nil {
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				lastErr = err
			}
			c.logger.Debug("dispatch.dns.query_failed", "name", name, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return dnsResult{}, lastErr
	}
	return dnsResult{}, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// queryAll queries A and AAAA records for a fully qualified name in
// parallel and merges the answers.
func (c *DNSClient) queryAll(ctx context.Context, name string) (dnsResult, error) {
	qname, err := dnsmessage.NewName(name)
	if err != nil {
		return dnsResult{}, &net.DNSError{Err: err.Error(), Name: name}
	}
	types := []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA}
	results := make([]dnsResult, len(types))
	errs := make([]error, len(types))
	var grp errgroup.Group
	for i, qtype := range types {
		grp.Go(func() error {
			results[i], errs[i] = c.exchange(ctx, qname, qtype)
			return nil
		})
	}
	_ = grp.Wait()

	var merged dnsResult
	for i, result := range results {
		if errs[i] != nil {
			continue
		}
		merged.addrs = append(merged.addrs, result.addrs...)
		if result.ttl > 0 && (merged.ttl == 0 || result.ttl < merged.ttl) {
			merged.ttl = result.ttl
		}
	}
	if len(merged.addrs) > 0 {
		merged.ttl = c.clampTTL(merged.ttl)
		return merged, nil
	}
	for _, err := range errs {
		if err != nil {
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				return dnsResult{}, err
			}
		}
	}
	return dnsResult{}, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (c *DNSClient) clampTTL(ttl time.Duration) time.Duration {
	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

// exchange sends one question to the configured servers until one of
// them gives a definitive answer.
func (c *DNSClient) exchange(ctx context.Context, name dnsmessage.Name, qtype dnsmessage.Type) (dnsResult, error) {
	var lastErr error
	for range c.cfg.Attempts {
		for _, server := range c.cfg.Servers {
			if err := ctx.Err(); err != nil {
				return dnsResult{}, err
			}
			msg, err := c.exchangeWithServer(ctx, server, name, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			switch msg.RCode {
			case dnsmessage.RCodeSuccess:
				return parseAnswers(msg, qtype), nil
			case dnsmessage.RCodeNameError:
				return dnsResult{}, &net.DNSError{Err: "no such host", Name: name.String(), Server: server, IsNotFound: true}
			default:
				lastErr = &net.DNSError{Err: "server failure: " + msg.RCode.String(), Name: name.String(), Server: server, IsTemporary: true}
			}
		}
	}
	return dnsResult{}, lastErr
}

func (c *DNSClient) exchangeWithServer(
	ctx context.Context,
	server string,
	name dnsmessage.Name,
	qtype dnsmessage.Type,
) (*dnsmessage.Message, error) {
	id := uint16(c.rand.Uint32()) //nolint:gosec // truncation intended
	query := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  name,
			Type:  qtype,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := query.Pack()
	if err != nil {
		return nil, err
	}
	msg, err := c.roundTrip(ctx, "udp", server, packed, id)
	if errors.Is(err, errTruncated) {
		msg, err = c.roundTrip(ctx, "tcp", server, packed, id)
	}
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: name.String(), Server: server, IsTimeout: isTimeout(err)}
	}
	return msg, nil
}

func (c *DNSClient) roundTrip(ctx context.Context, network, server string, packed []byte, id uint16) (*dnsmessage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	conn, err := c.dial(ctx, network, server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if network == "tcp" {
		return roundTripStream(conn, packed, id)
	}
	if _, err := conn.Write(packed); err != nil {
		return nil, err
	}
	buf := make([]byte, maxUDPMessageSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		var msg dnsmessage.Message
		if err := msg.Unpack(buf[:n]); err != nil {
			if msg.Header.Truncated {
				return nil, errTruncated
			}
			return nil, err
		}
		if !msg.Response || msg.ID != id {
			// Stale or spoofed reply; keep waiting for ours.
			continue
		}
		if msg.Truncated {
			return nil, errTruncated
		}
		return &msg, nil
	}
}

func roundTripStream(conn net.Conn, packed []byte, id uint16) (*dnsmessage.Message, error) {
	frame := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(frame, uint16(len(packed))) //nolint:gosec // DNS messages are < 64KiB
	copy(frame[2:], packed)
	if _, err := conn.Write(frame); err != nil {
		return nil, err
	}
	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	if !msg.Response || msg.ID != id {
		return nil, fmt.Errorf("dns: mismatched response id %d", msg.ID)
	}
	return &msg, nil
}

func parseAnswers(msg *dnsmessage.Message, qtype dnsmessage.Type) dnsResult {
	var result dnsResult
	for _, answer := range msg.Answers {
		if answer.Header.Class != dnsmessage.ClassINET || answer.Header.Type != qtype {
			continue
		}
		var addr netip.Addr
		switch body := answer.Body.(type) {
		case *dnsmessage.AResource:
			addr = netip.AddrFrom4(body.A)
		case *dnsmessage.AAAAResource:
			addr = netip.AddrFrom16(body.AAAA).Unmap()
		default:
			continue
		}
		result.addrs = append(result.addrs, addr)
		ttl := time.Duration(answer.Header.TTL) * time.Second
		if result.ttl == 0 || ttl < result.ttl {
			result.ttl = ttl
		}
	}
	return result
}

func withDefaultDNSPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}
