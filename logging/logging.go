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

// Package logging provides a decorator that writes one log entry per
// request once its log completes.
package logging

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/bufbuild/dispatch"
	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/reqlog"
	"pkt.systems/pslog"
)

// Option configures the logging client.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	successLevel    pslog.Level
	successRate     float64
	failureRate     float64
	requestHeaders  []string
	responseHeaders []string
	clock           internal.Clock
	rand            *rand.Rand
}

// WithSuccessLevel sets the level of entries for successful requests.
// The default is debug. Failed requests are always logged as warnings.
func WithSuccessLevel(level pslog.Level) Option {
	return optionFunc(func(opts *options) {
		opts.successLevel = level
	})
}

// WithSamplingRate logs only the given shares of successful and failed
// requests, each between zero and one. Both default to one.
func WithSamplingRate(success, failure float64) Option {
	return optionFunc(func(opts *options) {
		opts.successRate = min(max(success, 0), 1)
		opts.failureRate = min(max(failure, 0), 1)
	})
}

// WithRequestHeaders adds the named request headers to each entry.
func WithRequestHeaders(names ...string) Option {
	return optionFunc(func(opts *options) {
		opts.requestHeaders = append(opts.requestHeaders, names...)
	})
}

// WithResponseHeaders adds the named response headers to each entry.
func WithResponseHeaders(names ...string) Option {
	return optionFunc(func(opts *options) {
		opts.responseHeaders = append(opts.responseHeaders, names...)
	})
}

// WithClock sets the clock used to measure requests.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

// NewDecorator returns a decorator that logs every request with logger.
// A request fails when it ends with an error or a 5xx status.
func NewDecorator(logger pslog.Logger, opts ...Option) dispatch.Decorator {
	options := options{
		successLevel: pslog.DebugLevel,
		successRate:  1,
		failureRate:  1,
	}
	for _, opt := range opts {
		opt.apply(&options)
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if options.clock == nil {
		options.clock = internal.NewRealClock()
	}
	options.rand = internal.NewLockedRand()
	return func(delegate dispatch.Client) dispatch.Client {
		return &Client{delegate: delegate, logger: logger, opts: options}
	}
}

// Client is the logging client installed by NewDecorator.
type Client struct {
	delegate dispatch.Client
	logger   pslog.Logger
	opts     options
}

// Unwrap implements dispatch.Unwrapper.
func (c *Client) Unwrap() dispatch.Client {
	return c.delegate
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx *dispatch.Context, req *http.Request) (*http.Response, error) {
	start := c.opts.clock.Now()
	ctx.Log().OnComplete(func(log *reqlog.Log) {
		c.write(ctx, req, log, c.opts.clock.Since(start))
	})
	return c.delegate.Execute(ctx, req)
}

func (c *Client) write(ctx *dispatch.Context, req *http.Request, log *reqlog.Log, elapsed time.Duration) {
	cause := log.ResponseCause()
	status := log.Status()
	failed := cause != nil || status >= http.StatusInternalServerError
	rate := c.opts.successRate
	if failed {
		rate = c.opts.failureRate
	}
	if rate < 1 && c.opts.rand.Float64() >= rate {
		return
	}

	// The last attempt knows where the request went.
	sent := log
	attempts := 1
	if children := log.Children(); len(children) > 0 {
		sent = children[len(children)-1]
		attempts = len(children)
	}
	session := sent.Session()
	proto := session.Protocol
	if proto == "" {
		proto = ctx.SessionProtocol()
	}
	keyvals := []any{
		"request_id", ctx.ID(),
		"method", req.Method,
		"authority", sent.Authority(),
		"path", req.URL.Path,
		"protocol", proto.String(),
		"status", status,
		"attempts", attempts,
		"response_length", log.ResponseLength(),
		"duration", elapsed,
	}
	if session.Endpoint.Host() != "" || session.Endpoint.IsDomainSocket() {
		keyvals = append(keyvals, "endpoint", session.Endpoint.String())
	}
	if len(c.opts.requestHeaders) > 0 {
		header := sent.RequestHeaders()
		for _, name := range c.opts.requestHeaders {
			if value := header.Get(name); value != "" {
				keyvals = append(keyvals, "req."+http.CanonicalHeaderKey(name), value)
			}
		}
	}
	if len(c.opts.responseHeaders) > 0 {
		header := log.ResponseHeaders()
		for _, name := range c.opts.responseHeaders {
			if value := header.Get(name); value != "" {
				keyvals = append(keyvals, "resp."+http.CanonicalHeaderKey(name), value)
			}
		}
	}
	if failed {
		if cause != nil {
			keyvals = append(keyvals, "error", cause)
		}
		c.logger.Warn("dispatch.request.failed", keyvals...)
		return
	}
	c.logger.Log(c.opts.successLevel, "dispatch.request", keyvals...)
}
