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
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/dispatch/attribute"
	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/internal/scheduler"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/bufbuild/dispatch/reqlog"
	"github.com/rs/xid"
)

// errRequestComplete cancels the standard context of a request once its
// response has been consumed.
var errRequestComplete = errors.New("request complete")

// ResponseTimeoutMode says when the response timeout starts counting.
type ResponseTimeoutMode int

const (
	// ResponseTimeoutFromRequestSent starts the response timeout once the
	// request has been written in full.
	ResponseTimeoutFromRequestSent ResponseTimeoutMode = iota
	// ResponseTimeoutFromRequestStart starts the response timeout when the
	// request starts, so it also bounds endpoint selection, connecting and
	// writing.
	ResponseTimeoutFromRequestStart
)

// TimeoutMode says how Context.SetResponseTimeout interprets its
// duration.
type TimeoutMode int

const (
	// TimeoutFromStart sets the timeout measured from the start of the
	// response timeout. Zero or less clears it.
	TimeoutFromStart TimeoutMode = iota
	// TimeoutFromNow makes the timeout expire the given duration from now.
	TimeoutFromNow
	// TimeoutExtend adds to the current timeout.
	TimeoutExtend
)

// ContextCustomizer adjusts a request context before the request is sent.
// An error fails the request without sending it.
type ContextCustomizer func(*Context) error

type customizersKey struct{}

// WithCustomizer returns a copy of ctx carrying customizer. Requests made
// with the returned context, or one derived from it, run customizer on
// their request context after the client's own customizers.
func WithCustomizer(ctx context.Context, customizer ContextCustomizer) context.Context {
	existing, _ := ctx.Value(customizersKey{}).([]ContextCustomizer)
	customizers := make([]ContextCustomizer, 0, len(existing)+1)
	customizers = append(customizers, existing...)
	customizers = append(customizers, customizer)
	return context.WithValue(ctx, customizersKey{}, customizers)
}

func customizersFrom(ctx context.Context) []ContextCustomizer {
	customizers, _ := ctx.Value(customizersKey{}).([]ContextCustomizer)
	return customizers
}

type contextKey struct{}

// FromContext returns the request context that ctx belongs to. Inside a
// request, such as in a decorator or a transport hook, the standard
// context of the request leads back to its Context.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok
}

type requestOptions struct {
	responseTimeout     time.Duration
	responseTimeoutMode ResponseTimeoutMode
	writeTimeout        time.Duration
	maxResponseLength   int64
}

// arena holds every context of one logical request. Contexts refer to
// their parent by index.
type arena struct {
	mu       sync.Mutex
	contexts []*Context
}

func (a *arena) add(c *Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contexts = append(a.contexts, c)
	return len(a.contexts) - 1
}

func (a *arena) get(index int) *Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contexts[index]
}

// Context is the state of one request attempt: its target, options,
// attributes, request log and cancellation state. A request that is
// retried or redirected has a root context and one derived context per
// attempt.
//
// A Context is cancelled at most once. The first cause latched by
// Cancel, TimeoutNow, an elapsed timeout or the cancellation of the
// caller's context wins, and the same error value is reported
// everywhere afterwards.
type Context struct {
	arena  *arena
	index  int
	parent int

	id        string
	clock     internal.Clock
	caller    context.Context //nolint:containedctx
	std       context.Context //nolint:containedctx
	cancelStd context.CancelCauseFunc
	stopWatch func() bool
	request   *http.Request
	protocol  protocol.SessionProtocol
	hop       *redirectHop
	log       *reqlog.Log
	sched     *scheduler.Scheduler

	attrs       attribute.Map
	parentAttrs attribute.Values

	mu sync.Mutex
	// +checklocks:mu
	group endpoint.Group
	// +checklocks:mu
	endpoint endpoint.Endpoint
	// +checklocks:mu
	hasEndpoint bool
	// +checklocks:mu
	headers http.Header
	// +checklocks:mu
	options requestOptions
}

func newRootContext(
	caller context.Context,
	clock internal.Clock,
	req *http.Request,
	proto protocol.SessionProtocol,
	group endpoint.Group,
	options requestOptions,
) *Context {
	ctx := &Context{
		arena:    &arena{},
		parent:   -1,
		clock:    clock,
		caller:   caller,
		request:  req,
		protocol: proto,
		group:    group,
		options:  options,
		headers:  http.Header{},
		log:      reqlog.New(clock),
	}
	ctx.init(caller)
	return ctx
}

func (c *Context) init(parent context.Context) {
	c.id = xid.New().String()
	c.index = c.arena.add(c)
	std, cancel := context.WithCancelCause(parent)
	c.std = context.WithValue(std, contextKey{}, c)
	c.cancelStd = cancel
	c.sched = scheduler.New(c.clock, c.options.responseTimeout, newResponseTimeoutError)
	_ = c.sched.Init(func(cause error) {
		c.cancelStd(cause)
	})
	if parent.Err() != nil && !errors.Is(context.Cause(parent), errRequestComplete) {
		// Latch now rather than from the AfterFunc goroutine, so that a
		// request made with a done context never gets any further.
		c.sched.Cancel(c.causeFromParent(parent))
	}
	c.stopWatch = context.AfterFunc(parent, func() {
		if errors.Is(context.Cause(parent), errRequestComplete) {
			return
		}
		c.sched.Cancel(c.causeFromParent(parent))
	})
	c.log.OnComplete(func(*reqlog.Log) {
		c.finish()
	})
}

// causeFromParent maps the end of a parent context to the error this
// context latches. A parent request context hands down its own latched
// cause unchanged.
func (c *Context) causeFromParent(parent context.Context) error {
	cause := context.Cause(parent)
	if parentCtx, ok := FromContext(parent); ok && parentCtx != c {
		if latched := parentCtx.Cause(); latched != nil {
			return latched
		}
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return &TimeoutError{Phase: PhaseResponse, Cause: cause}
	}
	return &CancelledError{Cause: cause}
}

func newResponseTimeoutError(timeout time.Duration) error {
	return &TimeoutError{Phase: PhaseResponse, Duration: timeout}
}

// Derive returns a child context for another attempt of the request,
// such as a retry or a redirect. The child shares the session protocol,
// endpoint group and options of c, starts with a copy of the additional
// headers, and sees the attributes of c as they are now. It has its own
// log, added as a child of the log of c, and its own cancellation
// state; cancelling c cancels the child with the same cause.
//
// A nil req means the request of c.
func (c *Context) Derive(req *http.Request) *Context {
	return c.derive(req, nil)
}

// derive is Derive with a hook that adjusts the child before it starts.
func (c *Context) derive(req *http.Request, configure func(child *Context)) *Context {
	if req == nil {
		req = c.request
	}
	c.mu.Lock()
	child := &Context{
		arena:       c.arena,
		parent:      c.index,
		clock:       c.clock,
		caller:      c.caller,
		request:     req,
		protocol:    c.protocol,
		group:       c.group,
		options:     c.options,
		headers:     c.headers.Clone(),
		log:         reqlog.New(c.clock),
		parentAttrs: c.attrs.SnapshotOver(c.parentAttrs),
	}
	c.mu.Unlock()
	if configure != nil {
		configure(child)
	}
	// The timeout of c now covers all of its attempts.
	c.sched.Start()
	c.log.AddChild(child.log)
	child.init(c.std)
	return child
}

// ID returns the unique id of this context.
func (c *Context) ID() string {
	return c.id
}

// Request returns the request of this attempt as given to the client
// pipeline.
func (c *Context) Request() *http.Request {
	return c.request
}

// Method returns the request method.
func (c *Context) Method() string {
	return c.request.Method
}

// Path returns the request path.
func (c *Context) Path() string {
	return c.request.URL.Path
}

// SessionProtocol returns the session protocol requests are sent with.
func (c *Context) SessionProtocol() protocol.SessionProtocol {
	return c.protocol
}

// EndpointGroup returns the group endpoints are selected from, or nil
// when the group follows from the request authority.
func (c *Context) EndpointGroup() endpoint.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

func (c *Context) setEndpointGroup(group endpoint.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = group
}

// Endpoint returns the endpoint selected for this attempt, if any.
func (c *Context) Endpoint() (endpoint.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint, c.hasEndpoint
}

func (c *Context) setEndpoint(ep endpoint.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint, c.hasEndpoint = ep, true
}

// Log returns the request log of this attempt.
func (c *Context) Log() *reqlog.Log {
	return c.log
}

// Context returns the standard context of this attempt. It carries c,
// see FromContext, and is cancelled with the latched cause.
func (c *Context) Context() context.Context {
	return c.std
}

// CallerContext returns the context the request was made with.
func (c *Context) CallerContext() context.Context {
	return c.caller
}

// Parent returns the context c was derived from, or nil for a root.
func (c *Context) Parent() *Context {
	if c.parent < 0 {
		return nil
	}
	return c.arena.get(c.parent)
}

// Root returns the root context of the request.
func (c *Context) Root() *Context {
	return c.arena.get(0)
}

// Children returns the contexts derived from c, in order.
func (c *Context) Children() []*Context {
	c.arena.mu.Lock()
	defer c.arena.mu.Unlock()
	var children []*Context
	for _, candidate := range c.arena.contexts {
		if candidate.parent == c.index {
			children = append(children, candidate)
		}
	}
	return children
}

// Cancel cancels the request with cause, which may be nil. It has no
// effect once a cause has been latched.
func (c *Context) Cancel(cause error) {
	c.sched.Cancel(&CancelledError{Cause: cause})
}

// TimeoutNow times the request out right away. It has no effect once a
// cause has been latched.
func (c *Context) TimeoutNow() {
	c.sched.TimeoutNow()
}

// abort latches an arbitrary cause.
func (c *Context) abort(cause error) {
	c.sched.Cancel(cause)
}

// Cause returns the latched cancellation or timeout cause, or nil.
func (c *Context) Cause() error {
	return c.sched.Cause()
}

// SetResponseTimeout changes the response timeout. Before the timeout
// starts, TimeoutFromNow and TimeoutFromStart are the same.
func (c *Context) SetResponseTimeout(mode TimeoutMode, d time.Duration) {
	switch mode {
	case TimeoutFromNow:
		c.sched.SetTimeout(scheduler.FromNow, d)
	case TimeoutExtend:
		c.sched.SetTimeout(scheduler.Extend, d)
	default:
		c.sched.SetTimeout(scheduler.FromStart, d)
	}
}

// ClearResponseTimeout removes the response timeout.
func (c *Context) ClearResponseTimeout() {
	c.sched.ClearTimeout()
}

// ResponseTimeout returns the response timeout, or zero for none.
func (c *Context) ResponseTimeout() time.Duration {
	return c.sched.Timeout()
}

// RemainingTimeout returns how long until the response timeout elapses.
// The second result is false when there is no timeout.
func (c *Context) RemainingTimeout() (time.Duration, bool) {
	return c.sched.Remaining()
}

func (c *Context) startResponseTimeout() {
	c.sched.Start()
}

// WriteTimeout returns the write timeout, or zero for none.
func (c *Context) WriteTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options.writeTimeout
}

// SetWriteTimeout changes the write timeout of this attempt.
func (c *Context) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options.writeTimeout = max(d, 0)
}

// MaxResponseLength returns the response body limit, or zero for none.
func (c *Context) MaxResponseLength() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options.maxResponseLength
}

// SetMaxResponseLength changes the response body limit of this attempt.
func (c *Context) SetMaxResponseLength(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options.maxResponseLength = max(limit, 0)
}

func (c *Context) responseTimeoutMode() ResponseTimeoutMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options.responseTimeoutMode
}

// SetAdditionalHeader sets a header sent with the request, replacing the
// request's own values. Setting ":authority" or "Host" overrides the
// authority.
func (c *Context) SetAdditionalHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[headerKey(name)] = []string{value}
}

// AddAdditionalHeader adds a value to a header sent with the request.
func (c *Context) AddAdditionalHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := headerKey(name)
	c.headers[key] = append(c.headers[key], value)
}

// RemoveAdditionalHeader removes an additional header.
func (c *Context) RemoveAdditionalHeader(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.headers, headerKey(name))
}

// AdditionalHeaders returns a copy of the additional headers.
func (c *Context) AdditionalHeaders() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers.Clone()
}

// additionalAuthority returns the authority set as an additional header.
func (c *Context) additionalAuthority() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if values := c.headers[pseudoAuthority]; len(values) > 0 && values[0] != "" {
		return values[0]
	}
	if values := c.headers["Host"]; len(values) > 0 {
		return values[0]
	}
	return ""
}

const pseudoAuthority = ":authority"

func headerKey(name string) string {
	if name == pseudoAuthority {
		return name
	}
	return http.CanonicalHeaderKey(name)
}

// finish releases the cancellation state once the log of c completes.
func (c *Context) finish() {
	c.sched.Finish()
	c.stopWatch()
	c.cancelStd(errRequestComplete)
}

// fail records cause as the outcome of this attempt and returns it.
// Completing the log finishes the context.
func (c *Context) fail(cause error) error {
	c.log.Fail(cause)
	return cause
}

// SetAttr stores an attribute on c. Contexts derived from c afterwards
// see it; existing ones do not.
func SetAttr[T any](c *Context, key *attribute.Key[T], value T) {
	attribute.Set(&c.attrs, key, value)
}

// Attr returns an attribute of c, or of the context it was derived from
// as of derivation.
func Attr[T any](c *Context, key *attribute.Key[T]) (T, bool) {
	if value, ok := attribute.Load(&c.attrs, key); ok {
		return value, true
	}
	return attribute.GetValue(c.parentAttrs, key)
}

// OwnAttr returns an attribute set on c itself.
func OwnAttr[T any](c *Context, key *attribute.Key[T]) (T, bool) {
	return attribute.Load(&c.attrs, key)
}
