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

// Package tracing provides a decorator that records a client span for
// every request and propagates the trace to the server in request
// headers.
package tracing

import (
	"net/http"
	"strconv"

	"github.com/bufbuild/dispatch"
	"github.com/bufbuild/dispatch/reqlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bufbuild/dispatch/tracing"

// Option configures the tracing client.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	provider   trace.TracerProvider
	propagator propagation.TextMapPropagator
}

// WithTracerProvider sets where spans are created. The default is the
// global provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return optionFunc(func(opts *options) {
		opts.provider = provider
	})
}

// WithPropagator sets how the span is written to request headers. The
// default is the global propagator.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return optionFunc(func(opts *options) {
		opts.propagator = propagator
	})
}

// NewDecorator returns a decorator that traces requests. The span starts
// with the request and ends when its log completes, so it covers
// retries and the response body when installed outside of them.
func NewDecorator(opts ...Option) dispatch.Decorator {
	var options options
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.provider == nil {
		options.provider = otel.GetTracerProvider()
	}
	if options.propagator == nil {
		options.propagator = otel.GetTextMapPropagator()
	}
	tracer := options.provider.Tracer(instrumentationName)
	return func(delegate dispatch.Client) dispatch.Client {
		return &Client{delegate: delegate, tracer: tracer, propagator: options.propagator}
	}
}

// Client is the tracing client installed by NewDecorator.
type Client struct {
	delegate   dispatch.Client
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Unwrap implements dispatch.Unwrapper.
func (c *Client) Unwrap() dispatch.Client {
	return c.delegate
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx *dispatch.Context, req *http.Request) (*http.Response, error) {
	spanCtx, span := c.tracer.Start(ctx.Context(), "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
			attribute.String("dispatch.request_id", ctx.ID()),
			attribute.String("dispatch.session_protocol", ctx.SessionProtocol().String()),
		),
	)
	if host := req.URL.Host; host != "" {
		span.SetAttributes(attribute.String("server.address", host))
	}
	carrier := propagation.HeaderCarrier(http.Header{})
	c.propagator.Inject(spanCtx, carrier)
	for _, name := range carrier.Keys() {
		ctx.SetAdditionalHeader(name, carrier.Get(name))
	}
	ctx.Log().OnComplete(func(log *reqlog.Log) {
		end(span, log)
	})
	return c.delegate.Execute(ctx, req)
}

func end(span trace.Span, log *reqlog.Log) {
	sent := log
	if children := log.Children(); len(children) > 0 {
		sent = children[len(children)-1]
		span.SetAttributes(attribute.Int("dispatch.attempts", len(children)))
	}
	session := sent.Session()
	if session.Protocol != "" {
		span.SetAttributes(attribute.String("network.protocol.name", session.Protocol.String()))
	}
	if port, ok := session.Endpoint.Port(); ok {
		_, address := session.Endpoint.DialAddress(port)
		span.SetAttributes(attribute.String("network.peer.address", address))
	}
	status := log.Status()
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	span.SetAttributes(attribute.Int64("http.response.body.size", log.ResponseLength()))
	switch cause := log.ResponseCause(); {
	case cause != nil:
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	case status >= http.StatusInternalServerError:
		span.SetStatus(codes.Error, strconv.Itoa(status))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
