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
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/health"
	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/picker"
	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/bufbuild/dispatch/reqlog"
	"github.com/bufbuild/dispatch/resolver"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// terminal is the innermost Client. It selects an endpoint for each
// request and sends the request to it.
type terminal struct {
	rootCtx       context.Context //nolint:containedctx
	cancel        context.CancelFunc
	opts          *clientOptions
	pool          *pool.Pool
	leaves        *leafSet
	resolver      resolver.Resolver
	groupSelector *picker.Selector

	mu sync.RWMutex
	// +checklocks:mu
	groups map[string]*groupEntry
	// +checklocks:mu
	closed bool
}

// groupEntry is the endpoint group resolved for one authority.
type groupEntry struct {
	group    endpoint.Group
	selector *picker.Selector
	activity chan struct{}
}

func newTerminal(opts *clientOptions) *terminal {
	ctx, cancel := context.WithCancel(opts.rootCtx)
	connPool := pool.New(opts.poolOptions()...)
	term := &terminal{
		rootCtx:  ctx,
		cancel:   cancel,
		opts:     opts,
		pool:     connPool,
		leaves:   newLeafSet(opts, connPool),
		resolver: opts.hostResolver,
		groups:   map[string]*groupEntry{},
	}
	if opts.group != nil {
		term.groupSelector = picker.NewSelector(opts.group, opts.picker, picker.WithClock(opts.clock))
	}
	go term.sweepLeaves(ctx)
	go func() {
		// close transport immediately if context is cancelled
		<-term.rootCtx.Done()
		term.close()
	}()
	return term
}

func (t *terminal) Execute(ctx *Context, req *http.Request) (*http.Response, error) {
	if t.isClosed() {
		return nil, ctx.fail(Unprocessed(ErrClientClosed))
	}
	if cause := ctx.Cause(); cause != nil {
		return nil, ctx.fail(Unprocessed(cause))
	}
	ctx.log.StartRequest()
	if ctx.responseTimeoutMode() == ResponseTimeoutFromRequestStart {
		ctx.startResponseTimeout()
	}

	selector, authority, err := t.selectorFor(ctx, req)
	if err != nil {
		return nil, ctx.fail(Unprocessed(err))
	}
	selection, err := selector.Select(ctx.Context(), req, t.opts.selectionTimeout)
	if err != nil {
		return nil, ctx.fail(Unprocessed(latched(ctx, err)))
	}
	if selection == nil {
		timeoutErr := &SelectionTimeoutError{Authority: authority, Timeout: t.opts.selectionTimeout}
		if resolved, ok := selector.Group().(interface{ Err() error }); ok {
			timeoutErr.Cause = resolved.Err()
		}
		return nil, ctx.fail(Unprocessed(timeoutErr))
	}
	ep := selection.Endpoint
	ctx.setEndpoint(ep)

	leaf, err := t.leaves.get(ctx.Context(), ctx.SessionProtocol(), ep)
	if err != nil {
		selection.Release()
		return nil, ctx.fail(t.mapError(ctx, err, false))
	}
	x := &exchange{
		terminal:  t,
		ctx:       ctx,
		req:       req,
		endpoint:  ep,
		selection: selection,
		leaf:      leaf,
	}
	return x.send(t.outgoing(ctx, req, ep, leaf.protocol))
}

// selectorFor returns the selector for the endpoints req may go to, and
// the authority they were resolved from.
func (t *terminal) selectorFor(ctx *Context, req *http.Request) (*picker.Selector, string, error) {
	if ctx.EndpointGroup() != nil && t.groupSelector != nil {
		return t.groupSelector, "endpoint group", nil
	}
	var authority string
	switch {
	case t.opts.base != nil && ctx.hop == nil:
		authority = t.opts.base.Host
	case ctx.additionalAuthority() != "":
		authority = ctx.additionalAuthority()
	default:
		authority = req.URL.Host
	}
	if authority == "" {
		return nil, "", ErrMissingAuthority
	}
	target, err := endpoint.Parse(authority)
	if err != nil {
		return nil, authority, err
	}
	if !target.IsDomainSocket() {
		target = target.WithDefaultPort(ctx.SessionProtocol().DefaultPort())
	}
	selector, err := t.groupFor(target)
	return selector, authority, err
}

// groupFor gets the selector for the given target, creating its group if
// none exists. However, this refuses to create a group if the transport
// is closed.
func (t *terminal) groupFor(target endpoint.Endpoint) (*picker.Selector, error) {
	key := target.Authority()
	t.mu.RLock()
	closed := t.closed
	entry := t.getGroupLocked(key)
	t.mu.RUnlock()

	if closed {
		return nil, ErrClientClosed
	}
	if entry != nil {
		return entry.selector, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if t.closed {
		return nil, ErrClientClosed
	}
	if entry := t.getGroupLocked(key); entry != nil {
		return entry.selector, nil
	}

	var group endpoint.Group
	if target.IsDomainSocket() || target.HasIPAddr() {
		group = endpoint.NewStatic(target)
	} else {
		port, _ := target.Port()
		group = endpoint.NewDNSGroup(t.rootCtx, target.Host(), port, t.resolver, endpoint.WithLogger(t.opts.logger))
	}
	if t.opts.healthChecker != nil {
		group = health.NewCheckedGroup(t.rootCtx, group, t.opts.healthChecker, health.WithLogger(t.opts.logger))
	}
	entry = &groupEntry{
		group:    group,
		selector: picker.NewSelector(group, t.opts.picker, picker.WithClock(t.opts.clock)),
		activity: make(chan struct{}, 1),
	}
	t.groups[key] = entry
	go t.closeWhenIdle(t.rootCtx, key, entry)
	return entry.selector, nil
}

// +checklocksread:t.mu
func (t *terminal) getGroupLocked(key string) *groupEntry {
	entry := t.groups[key]
	if entry != nil {
		// Update activity while lock is held (should be okay since
		// it's usually a read-lock, and this is a non-blocking write).
		// Doing this while locked avoids race condition with idle timer
		// that might be trying to concurrently close this group.
		select {
		case entry.activity <- struct{}{}:
		default:
		}
	}
	return entry
}

func (t *terminal) closeWhenIdle(ctx context.Context, key string, entry *groupEntry) {
	timer := t.opts.clock.NewTimer(t.opts.idleTransportTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if t.tryRemoveGroup(key, entry) {
				entry.close()
				return
			}
			// If we couldn't close the group, it's due to concurrent
			// activity, so reset timer and try again.
			timer.Reset(t.opts.idleTransportTimeout)
		case <-ctx.Done():
			// close takes care of the entry.
			return
		case <-entry.activity:
			// bump idle timer whenever there's activity
			timer.Reset(t.opts.idleTransportTimeout)
		}
	}
}

func (t *terminal) tryRemoveGroup(key string, entry *groupEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	// need to check activity after lock acquired to make
	// sure we aren't racing with use of this group
	select {
	case <-entry.activity:
		// another goroutine is now using it
		return false
	default:
	}
	if t.groups[key] != entry {
		return false
	}
	delete(t.groups, key)
	return true
}

func (e *groupEntry) close() {
	_ = e.selector.Close()
	_ = e.group.Close()
}

func (t *terminal) sweepLeaves(ctx context.Context) {
	ticker := t.opts.clock.NewTicker(t.opts.idleTransportTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			t.leaves.sweep(t.opts.idleTransportTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func (t *terminal) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *terminal) close() {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	entries := make([]*groupEntry, 0, len(t.groups))
	for _, entry := range t.groups {
		entries = append(entries, entry)
	}
	t.groups = map[string]*groupEntry{}
	t.mu.Unlock()
	if alreadyClosed {
		return
	}
	t.cancel()
	grp, _ := errgroup.WithContext(context.Background())
	for _, entry := range entries {
		grp.Go(func() error {
			entry.close()
			return nil
		})
	}
	if t.groupSelector != nil {
		grp.Go(t.groupSelector.Close)
	}
	_ = grp.Wait()
	t.leaves.close()
}

// outgoing builds the request sent on the wire.
func (t *terminal) outgoing(ctx *Context, req *http.Request, ep endpoint.Endpoint, proto protocol.SessionProtocol) *http.Request {
	out := req.Clone(ctx.Context())
	if base := t.opts.base; base != nil && ctx.hop == nil {
		out.URL = joinBase(base, out.URL)
	}
	authority := t.wireAuthority(ctx, req, ep)
	out.URL.Scheme = proto.URLScheme()
	out.URL.Host = authority
	out.Host = authority
	out.RequestURI = ""
	for name, values := range ctx.AdditionalHeaders() {
		if name == pseudoAuthority || name == "Host" {
			continue
		}
		out.Header[name] = values
	}
	return out
}

// joinBase returns u as sent under a base URI: the base path prefixes the
// path of u, and the base query applies when u has none.
func joinBase(base, u *url.URL) *url.URL {
	joined := *u
	joined.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(u.Path, "/")
	joined.RawPath = ""
	if joined.RawQuery == "" {
		joined.RawQuery = base.RawQuery
	}
	return &joined
}

func (t *terminal) wireAuthority(ctx *Context, req *http.Request, ep endpoint.Endpoint) string {
	switch {
	case ctx.additionalAuthority() != "":
		return ctx.additionalAuthority()
	case t.opts.authority != "" && (ctx.hop == nil || !ctx.hop.crossHost):
		return t.opts.authority
	case req.Host != "":
		return req.Host
	case req.URL.Host != "":
		return req.URL.Host
	case ep.IsDomainSocket():
		return "localhost"
	default:
		return ep.Authority()
	}
}

// mapError classifies an error from sending a request. A cause latched by
// the context wins and is returned as is. Errors before the request
// headers were written mean the peer saw nothing.
func (t *terminal) mapError(ctx *Context, err error, written bool) error {
	switch {
	case ctx.Cause() != nil:
		err = ctx.Cause()
	case errors.Is(err, pool.ErrConnectTimeout):
		err = &TimeoutError{Phase: PhaseConnect, Duration: t.opts.connectTimeout, Cause: err}
	case isProtocolError(err):
		err = &ProtocolError{Cause: err}
	}
	if !written {
		return Unprocessed(err)
	}
	return err
}

func latched(ctx *Context, err error) error {
	if cause := ctx.Cause(); cause != nil {
		return cause
	}
	return err
}

//nolint:gochecknoglobals
var protocolErrorMarkers = []string{
	"malformed HTTP",
	"response headers exceeded",
	"stream error:",
	"connection error:",
}

func isProtocolError(err error) bool {
	var streamErr http2.StreamError
	var connErr http2.ConnectionError
	if errors.As(err, &streamErr) || errors.As(err, &connErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range protocolErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// exchange is one request sent to one endpoint.
type exchange struct {
	terminal  *terminal
	ctx       *Context
	req       *http.Request
	endpoint  endpoint.Endpoint
	selection *picker.Selection
	leaf      *leaf

	headersWritten atomic.Bool
	gotConn        sync.Once
	releaseOnce    sync.Once

	mu sync.Mutex
	// +checklocks:mu
	conn *pool.Conn
	// +checklocks:mu
	writeTimer internal.Timer
}

func (x *exchange) send(out *http.Request) (*http.Response, error) {
	ctx := x.ctx
	if timeout := ctx.WriteTimeout(); timeout > 0 {
		timer := x.terminal.opts.clock.AfterFunc(timeout, func() {
			ctx.abort(&TimeoutError{Phase: PhaseWrite, Duration: timeout})
		})
		x.mu.Lock()
		x.writeTimer = timer
		x.mu.Unlock()
	}
	trace := &httptrace.ClientTrace{
		GotConn:      x.onGotConn,
		WroteHeaders: func() { x.headersWritten.Store(true) },
		WroteRequest: x.onWroteRequest,
	}
	out = out.WithContext(httptrace.WithClientTrace(out.Context(), trace))
	ctx.log.SetRequestHeaders(out)

	resp, err := x.leaf.transport.RoundTrip(out)
	if err != nil {
		x.release()
		return nil, ctx.fail(x.terminal.mapError(ctx, err, x.headersWritten.Load()))
	}
	x.stopWriteTimer()
	ctx.log.EndRequest(nil)
	ctx.startResponseTimeout()
	x.terminal.leaves.observe(x.leaf, x.endpoint, resp)
	ctx.log.SetResponseHeaders(resp)
	resp.Request = x.req

	limit := ctx.MaxResponseLength()
	if limit > 0 && resp.ContentLength > limit {
		_ = resp.Body.Close()
		x.release()
		return nil, ctx.fail(&ProtocolError{Cause: &ContentTooLargeError{MaxLength: limit, Length: resp.ContentLength}})
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		x.complete(nil)
		return resp, nil
	}
	addCompletionHook(resp, x, limit)
	return resp, nil
}

func (x *exchange) onGotConn(info httptrace.GotConnInfo) {
	x.gotConn.Do(func() {
		proto := x.leaf.protocol
		if tlsConn, ok := info.Conn.(*tls.Conn); ok && proto == protocol.HTTPS {
			if tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
				proto = protocol.H2
			} else {
				proto = protocol.H1
			}
		}
		if conn, ok := pool.ConnOf(info.Conn); ok {
			conn.Acquire()
			x.mu.Lock()
			x.conn = conn
			x.mu.Unlock()
		}
		x.ctx.log.SetSession(reqlog.SessionInfo{Endpoint: x.endpoint, Protocol: proto, Reused: info.Reused})
	})
}

func (x *exchange) onWroteRequest(info httptrace.WroteRequestInfo) {
	if info.Err != nil {
		return
	}
	x.stopWriteTimer()
	x.ctx.log.EndRequest(nil)
	if x.ctx.responseTimeoutMode() == ResponseTimeoutFromRequestSent {
		x.ctx.startResponseTimeout()
	}
}

func (x *exchange) stopWriteTimer() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.writeTimer != nil {
		x.writeTimer.Stop()
		x.writeTimer = nil
	}
}

// complete ends the response with cause, which finishes the context, and
// releases everything the exchange holds.
func (x *exchange) complete(cause error) {
	x.ctx.log.EndResponse(cause)
	x.release()
}

func (x *exchange) release() {
	x.releaseOnce.Do(func() {
		x.stopWriteTimer()
		x.mu.Lock()
		conn := x.conn
		x.mu.Unlock()
		if conn != nil {
			conn.Release()
		}
		x.selection.Release()
		x.leaf.release(x.terminal.opts.clock.Now())
	})
}

func addCompletionHook(resp *http.Response, x *exchange, limit int64) {
	hooked := &hookReadCloser{ReadCloser: resp.Body, exchange: x, limit: limit}
	// A cause latched after the headers arrived ends the response even if
	// the body is never touched again.
	context.AfterFunc(x.ctx.Context(), hooked.abort)
	if bodyWriter, isWriter := resp.Body.(io.Writer); isWriter {
		resp.Body = &hookReadWriteCloser{hookReadCloser: hooked, Writer: bodyWriter}
		return
	}
	resp.Body = hooked
}

type hookReadCloser struct {
	io.ReadCloser
	exchange *exchange
	limit    int64

	// +checkatomic
	read atomic.Int64
	// +checkatomic
	closed atomic.Bool
}

func (h *hookReadCloser) done(cause error) {
	if h.closed.CompareAndSwap(false, true) {
		h.exchange.complete(cause)
	}
}

// abort runs when the context of the exchange ends. It only acts when a
// cancellation or timeout was latched; a completed request also ends the
// context, with no cause.
func (h *hookReadCloser) abort() {
	cause := h.exchange.ctx.Cause()
	if cause == nil || h.closed.Load() {
		return
	}
	_ = h.ReadCloser.Close()
	h.done(cause)
}

func (h *hookReadCloser) Read(p []byte) (n int, err error) {
	n, err = h.ReadCloser.Read(p)
	if n > 0 {
		h.exchange.ctx.log.IncreaseResponseLength(int64(n))
		if total := h.read.Add(int64(n)); h.limit > 0 && total > h.limit {
			cause := &ProtocolError{Cause: &ContentTooLargeError{MaxLength: h.limit, Length: -1}}
			_ = h.ReadCloser.Close()
			h.done(cause)
			return n - int(total-h.limit), cause
		}
	}
	if err != nil {
		// At this point, we've either encountered a network error or EOF.
		// Either way, the response is complete.
		if errors.Is(err, io.EOF) {
			h.done(nil)
			return n, err
		}
		mapped := h.exchange.terminal.mapError(h.exchange.ctx, err, true)
		h.done(mapped)
		return n, mapped
	}
	return n, nil
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done(h.exchange.ctx.Cause())
	return err
}

type hookReadWriteCloser struct {
	*hookReadCloser
	io.Writer
}

var _ io.ReadWriteCloser = (*hookReadWriteCloser)(nil)
