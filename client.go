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
	"fmt"
	"net/http"
	"sync"

	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
)

// HTTPClient sends requests through a chain of decorators to endpoints
// selected for each request. It implements http.RoundTripper, so it can
// also back a standard *http.Client; see StdClient.
type HTTPClient struct {
	opts     *clientOptions
	terminal *terminal
	client   Client

	closeOnce sync.Once
}

var _ http.RoundTripper = (*HTTPClient)(nil)

// NewClient returns a new HTTP client that uses the given options. It
// fails if an option is invalid or a decorator does not unwrap to its
// delegate.
func NewClient(options ...ClientOption) (*HTTPClient, error) {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	term := newTerminal(&opts)
	decorators := opts.decorators
	if opts.redirectFunc != nil {
		// Redirects are followed inside user decorators, so a retry
		// repeats the whole redirect chain.
		decorators = append([]Decorator{redirectDecorator(opts.redirectFunc, opts.base)}, decorators...)
	}
	client, err := Decorate(term, decorators...)
	if err != nil {
		term.close()
		return nil, err
	}
	return &HTTPClient{opts: &opts, terminal: term, client: client}, nil
}

// Do sends req and returns its response. The context of req is the
// caller context of the request: cancelling it cancels the request.
//
// As with net/http, the caller must close the response body. Errors are
// the ones described for the Client interface, such as
// UnprocessedRequestError, TimeoutError or CancelledError.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx, err := c.newContext(req)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, req)
}

// RoundTrip implements http.RoundTripper.
func (c *HTTPClient) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req)
}

// StdClient returns an *http.Client that sends its requests through c.
// Redirects are left to c, so the returned client never follows them
// itself.
func (c *HTTPClient) StdClient() *http.Client {
	return &http.Client{
		Transport: c,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Unwrap returns the outermost Client of the decorator chain, for use
// with As.
func (c *HTTPClient) Unwrap() Client {
	return c.client
}

// Close closes the client, releasing any resources and stopping any
// associated background goroutines. Requests made afterwards fail with
// ErrClientClosed.
func (c *HTTPClient) Close() error {
	c.closeOnce.Do(c.terminal.close)
	return nil
}

// ConnectionStats returns the number of open and busy connections per
// connection pool key.
func (c *HTTPClient) ConnectionStats() map[pool.Key]pool.Stats {
	return c.terminal.pool.Snapshot()
}

func (c *HTTPClient) newContext(req *http.Request) (*Context, error) {
	proto, protoErr := c.protocolFor(req)
	if protoErr != nil {
		proto = c.opts.protocol
	}
	ctx := newRootContext(req.Context(), c.opts.clock, req, proto, c.opts.group, c.opts.requestOptions())
	if protoErr != nil {
		return nil, ctx.fail(Unprocessed(protoErr))
	}
	if c.terminal.isClosed() {
		return nil, ctx.fail(Unprocessed(ErrClientClosed))
	}
	for _, customizers := range [][]ContextCustomizer{c.opts.customizers, customizersFrom(req.Context())} {
		for _, customizer := range customizers {
			if err := customizer(ctx); err != nil {
				return nil, ctx.fail(Unprocessed(err))
			}
		}
	}
	return ctx, nil
}

// protocolFor picks the session protocol of req. A base URI decides for
// every request. Otherwise an explicit protocol in the URL scheme wins,
// then WithSessionProtocol, then the URL scheme.
func (c *HTTPClient) protocolFor(req *http.Request) (protocol.SessionProtocol, error) {
	if c.opts.base != nil {
		return c.opts.baseProtocol, nil
	}
	if req.URL == nil || req.URL.Scheme == "" {
		return c.opts.protocol, nil
	}
	proto, domainSocket, err := protocol.ParseScheme(req.URL.Scheme)
	if err != nil {
		return "", err
	}
	if domainSocket && c.opts.group == nil {
		return "", fmt.Errorf("scheme %q: domain sockets are reached through WithEndpointGroup", req.URL.Scheme)
	}
	if proto.IsNegotiated() && c.opts.protocolSet {
		return c.opts.protocol, nil
	}
	return proto, nil
}

func (c *HTTPClient) execute(ctx *Context, req *http.Request) (*http.Response, error) {
	resp, err := c.client.Execute(ctx, req)
	switch {
	case err != nil:
		// Decorators may fail without reaching the terminal client.
		if !ctx.log.IsComplete() {
			ctx.fail(err)
		}
		return nil, err
	case resp == nil:
		return nil, ctx.fail(errNilResponse)
	}
	if len(ctx.log.Children()) > 0 {
		ctx.log.EndResponseWithLastChild()
	}
	return resp, nil
}
