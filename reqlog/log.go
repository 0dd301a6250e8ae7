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

// Package reqlog records what happened to one request attempt, field by
// field, as it becomes known. A [Log] completes exactly once, after both
// its request side and its response side have ended, whether the
// request succeeded, failed or never left the client.
package reqlog

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/protocol"
)

// Property is a set of log fields.
type Property uint16

// Properties in the order they usually become available.
const (
	RequestStart Property = 1 << iota
	RequestHeaders
	Session
	RequestEnd
	ResponseStart
	ResponseHeaders
	ResponseEnd
	Complete

	// None is the empty set.
	None Property = 0
)

var propertyNames = []string{ //nolint:gochecknoglobals
	"RequestStart", "RequestHeaders", "Session", "RequestEnd",
	"ResponseStart", "ResponseHeaders", "ResponseEnd", "Complete",
}

// String implements fmt.Stringer.
func (p Property) String() string {
	if p == None {
		return "None"
	}
	var names []string
	for i, name := range propertyNames {
		if p&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// SessionInfo describes the connection a request was sent on.
type SessionInfo struct {
	Endpoint endpoint.Endpoint
	Protocol protocol.SessionProtocol
	// Reused is true when the connection served earlier requests.
	Reused bool
}

// Log is the record of one request attempt. Each field can be set once;
// later attempts to set it are ignored. A Log is safe for concurrent
// use.
type Log struct {
	clock    internal.Clock
	parent   *Log
	complete chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	available Property
	// +checklocks:mu
	requestStart, requestEnd, responseStart, responseEnd time.Time
	// +checklocks:mu
	method, authority, path string
	// +checklocks:mu
	requestHeaders, responseHeaders http.Header
	// +checklocks:mu
	session SessionInfo
	// +checklocks:mu
	status int
	// +checklocks:mu
	responseLength int64
	// +checklocks:mu
	requestCause, responseCause error
	// +checklocks:mu
	children []*Log
	// +checklocks:mu
	followLastChild bool
	// +checklocks:mu
	callbacks []func(*Log)
}

// New returns an empty log. A nil clock means the real clock.
func New(clock internal.Clock) *Log {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &Log{clock: clock, complete: make(chan struct{})}
}

// Parent returns the log this one was added to as a child, if any.
func (l *Log) Parent() *Log {
	return l.parent
}

// StartRequest records the start of the request.
func (l *Log) StartRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startRequestLocked()
}

// +checklocks:l.mu
func (l *Log) startRequestLocked() {
	if l.available&RequestStart == 0 {
		l.requestStart = l.clock.Now()
		l.available |= RequestStart
	}
}

// SetRequestHeaders records the request line and headers as sent. The
// authority is req.Host when set and the URL host otherwise.
func (l *Log) SetRequestHeaders(req *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available&RequestHeaders != 0 {
		return
	}
	l.startRequestLocked()
	l.method = req.Method
	l.authority = req.Host
	if l.authority == "" && req.URL != nil {
		l.authority = req.URL.Host
	}
	if req.URL != nil {
		l.path = req.URL.RequestURI()
	}
	l.requestHeaders = req.Header.Clone()
	l.available |= RequestHeaders
}

// SetSession records the connection the request uses.
func (l *Log) SetSession(session SessionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available&Session != 0 {
		return
	}
	l.session = session
	l.available |= Session
}

// EndRequest records the end of the request side. A non-nil cause means
// the request could not be sent in full.
func (l *Log) EndRequest(cause error) {
	l.mu.Lock()
	callbacks := l.endRequestLocked(cause)
	l.mu.Unlock()
	l.notify(callbacks)
}

// +checklocks:l.mu
func (l *Log) endRequestLocked(cause error) []func(*Log) {
	if l.available&RequestEnd != 0 {
		return nil
	}
	l.startRequestLocked()
	l.requestEnd = l.clock.Now()
	l.requestCause = cause
	l.available |= RequestEnd
	return l.completeLocked()
}

// SetResponseHeaders records the status and headers of the response.
func (l *Log) SetResponseHeaders(resp *http.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setResponseHeadersLocked(resp.StatusCode, resp.Header)
}

// +checklocks:l.mu
func (l *Log) setResponseHeadersLocked(status int, header http.Header) {
	if l.available&ResponseHeaders != 0 {
		return
	}
	if l.available&ResponseStart == 0 {
		l.responseStart = l.clock.Now()
		l.available |= ResponseStart
	}
	l.status = status
	l.responseHeaders = header.Clone()
	l.available |= ResponseHeaders
}

// IncreaseResponseLength adds n bytes to the response body length.
func (l *Log) IncreaseResponseLength(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available&ResponseEnd == 0 {
		l.responseLength += n
	}
}

// EndResponse records the end of the response. A non-nil cause means
// the response failed. The request side is ended too, with the same
// cause, if it has not ended yet.
func (l *Log) EndResponse(cause error) {
	l.mu.Lock()
	callbacks := l.endResponseLocked(cause)
	l.mu.Unlock()
	l.notify(callbacks)
}

// +checklocks:l.mu
func (l *Log) endResponseLocked(cause error) []func(*Log) {
	if l.available&ResponseEnd != 0 {
		return nil
	}
	if l.available&RequestEnd == 0 {
		_ = l.endRequestLocked(cause)
	}
	now := l.clock.Now()
	if l.available&ResponseStart == 0 {
		l.responseStart = now
		l.available |= ResponseStart
	}
	l.responseEnd = now
	l.responseCause = cause
	l.available |= ResponseEnd
	return l.completeLocked()
}

// Fail ends both sides with cause. It is how failures that happen before
// anything is sent are recorded, so that the same error is visible as
// both the request and the response cause.
func (l *Log) Fail(cause error) {
	l.mu.Lock()
	_ = l.endRequestLocked(cause)
	callbacks := l.endResponseLocked(cause)
	l.mu.Unlock()
	l.notify(callbacks)
}

// AddChild adds the log of a derived attempt, such as a retry.
func (l *Log) AddChild(child *Log) {
	child.parent = l
	l.mu.Lock()
	l.children = append(l.children, child)
	l.mu.Unlock()
	child.OnComplete(l.childCompleted)
}

// EndResponseWithLastChild makes this log take its response from its
// last child. The response side ends when the last child added completes,
// copying its status, headers, length and cause. If that child has
// already completed, the response ends now.
func (l *Log) EndResponseWithLastChild() {
	l.mu.Lock()
	l.followLastChild = true
	var last *Log
	if len(l.children) > 0 {
		last = l.children[len(l.children)-1]
	}
	l.mu.Unlock()
	if last != nil && last.IsComplete() {
		l.childCompleted(last)
	}
}

func (l *Log) childCompleted(child *Log) {
	l.mu.Lock()
	if !l.followLastChild || len(l.children) == 0 || l.children[len(l.children)-1] != child {
		l.mu.Unlock()
		return
	}
	child.mu.Lock()
	status, header := child.status, child.responseHeaders
	hasHeaders := child.available&ResponseHeaders != 0
	length, cause := child.responseLength, child.responseCause
	child.mu.Unlock()

	if hasHeaders {
		l.setResponseHeadersLocked(status, header)
	}
	if l.available&ResponseEnd == 0 {
		l.responseLength = length
	}
	callbacks := l.endResponseLocked(cause)
	l.mu.Unlock()
	l.notify(callbacks)
}

// OnComplete registers fn to be called once the log completes. If it
// already has, fn is called right away. Callbacks run in registration
// order.
func (l *Log) OnComplete(fn func(*Log)) {
	l.mu.Lock()
	if l.available&Complete == 0 {
		l.callbacks = append(l.callbacks, fn)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	fn(l)
}

// +checklocks:l.mu
func (l *Log) completeLocked() []func(*Log) {
	if l.available&Complete != 0 || l.available&(RequestEnd|ResponseEnd) != RequestEnd|ResponseEnd {
		return nil
	}
	l.available |= Complete
	close(l.complete)
	callbacks := l.callbacks
	l.callbacks = nil
	return callbacks
}

func (l *Log) notify(callbacks []func(*Log)) {
	for _, callback := range callbacks {
		callback(l)
	}
}

// WhenComplete returns a channel closed when the log completes.
func (l *Log) WhenComplete() <-chan struct{} {
	return l.complete
}

// IsComplete reports whether the log has completed.
func (l *Log) IsComplete() bool {
	return l.IsAvailable(Complete)
}

// IsAvailable reports whether all of props have been recorded.
func (l *Log) IsAvailable(props Property) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available&props == props
}

// Available returns the recorded properties.
func (l *Log) Available() Property {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

// Children returns the logs added with AddChild, in order.
func (l *Log) Children() []*Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Log(nil), l.children...)
}

// Method returns the request method.
func (l *Log) Method() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.method
}

// Authority returns the authority the request was sent with.
func (l *Log) Authority() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authority
}

// Path returns the request path and query.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// RequestHeaders returns the request headers. The result must not be
// modified.
func (l *Log) RequestHeaders() http.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestHeaders
}

// Session returns the connection information.
func (l *Log) Session() SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Status returns the response status code, or zero if no response
// headers were received.
func (l *Log) Status() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// ResponseHeaders returns the response headers. The result must not be
// modified.
func (l *Log) ResponseHeaders() http.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.responseHeaders
}

// ResponseLength returns the number of response body bytes read.
func (l *Log) ResponseLength() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.responseLength
}

// RequestCause returns the error that ended the request side, if any.
func (l *Log) RequestCause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestCause
}

// ResponseCause returns the error that ended the response side, if any.
func (l *Log) ResponseCause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.responseCause
}

// RequestStartTime returns when the request started.
func (l *Log) RequestStartTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestStart
}

// Duration returns the time from request start to response end, or zero
// if the response has not ended.
func (l *Log) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available&ResponseEnd == 0 {
		return 0
	}
	return l.responseEnd.Sub(l.requestStart)
}
