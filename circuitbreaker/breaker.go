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

// Package circuitbreaker provides a decorator that stops sending requests
// to an authority that keeps failing. While the circuit of an authority
// is open, requests to it fail fast with an unprocessed error, so retry
// rules matching unprocessed requests may send them elsewhere.
package circuitbreaker

import (
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/dispatch"
	"github.com/sony/gobreaker"
	"pkt.systems/pslog"
)

const (
	defaultMinRequests   = 10
	defaultFailureRatio  = 0.5
	defaultOpenTimeout   = 10 * time.Second
	defaultHalfOpenLimit = 1
)

// KeyFunc picks the circuit a request counts against.
type KeyFunc func(ctx *dispatch.Context, req *http.Request) string

// FailureFunc reports whether the outcome of a request counts as a
// failure.
type FailureFunc func(ctx *dispatch.Context, resp *http.Response, err error) bool

// Option configures the circuit breaking client.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	name          string
	minRequests   uint32
	failureRatio  float64
	openTimeout   time.Duration
	halfOpenLimit uint32
	interval      time.Duration
	keyFunc       KeyFunc
	failureFunc   FailureFunc
	logger        pslog.Logger
}

// WithName sets the name reported in logs and errors. The default is
// "dispatch".
func WithName(name string) Option {
	return optionFunc(func(opts *options) {
		opts.name = name
	})
}

// WithTripThreshold opens a circuit once at least minRequests requests
// were counted and the share of failures among them reaches ratio. The
// defaults are 10 requests and 0.5.
func WithTripThreshold(minRequests int, ratio float64) Option {
	return optionFunc(func(opts *options) {
		if minRequests > 0 {
			opts.minRequests = uint32(minRequests) //nolint:gosec
		}
		if ratio > 0 && ratio <= 1 {
			opts.failureRatio = ratio
		}
	})
}

// WithOpenTimeout sets how long a circuit stays open before trial
// requests are let through. The default is ten seconds.
func WithOpenTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.openTimeout = timeout
	})
}

// WithHalfOpenRequests sets how many trial requests a half-open circuit
// lets through. All of them must succeed for the circuit to close.
func WithHalfOpenRequests(limit int) Option {
	return optionFunc(func(opts *options) {
		if limit > 0 {
			opts.halfOpenLimit = uint32(limit) //nolint:gosec
		}
	})
}

// WithCounterInterval clears the counts of a closed circuit every
// interval. By default they are only cleared on state changes.
func WithCounterInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.interval = interval
	})
}

// WithKeyFunc sets how requests are grouped into circuits. The default
// keys by the authority of the request URL.
func WithKeyFunc(keyFunc KeyFunc) Option {
	return optionFunc(func(opts *options) {
		opts.keyFunc = keyFunc
	})
}

// WithFailureFunc sets which outcomes count as failures. By default
// errors and 5xx responses do.
func WithFailureFunc(failureFunc FailureFunc) Option {
	return optionFunc(func(opts *options) {
		opts.failureFunc = failureFunc
	})
}

// WithLogger sets the logger that reports state changes.
func WithLogger(logger pslog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// NewDecorator returns a decorator that keeps one circuit per key.
func NewDecorator(opts ...Option) dispatch.Decorator {
	options := options{
		name:          "dispatch",
		minRequests:   defaultMinRequests,
		failureRatio:  defaultFailureRatio,
		openTimeout:   defaultOpenTimeout,
		halfOpenLimit: defaultHalfOpenLimit,
		keyFunc:       AuthorityKey,
		failureFunc:   ServerFailure,
	}
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.logger == nil {
		options.logger = pslog.NoopLogger()
	}
	return func(delegate dispatch.Client) dispatch.Client {
		return &Client{
			delegate: delegate,
			opts:     options,
			breakers: map[string]*gobreaker.TwoStepCircuitBreaker{},
		}
	}
}

// AuthorityKey keys requests by the host and port of their URL, or by
// their Host header when the URL has none.
func AuthorityKey(_ *dispatch.Context, req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

// ServerFailure counts errors and 5xx responses as failures.
func ServerFailure(_ *dispatch.Context, resp *http.Response, err error) bool {
	return err != nil || (resp != nil && resp.StatusCode >= http.StatusInternalServerError)
}

// Client is the circuit breaking client installed by NewDecorator.
type Client struct {
	delegate dispatch.Client
	opts     options

	mu sync.Mutex
	// +checklocks:mu
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// Unwrap implements dispatch.Unwrapper.
func (c *Client) Unwrap() dispatch.Client {
	return c.delegate
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx *dispatch.Context, req *http.Request) (*http.Response, error) {
	key := c.opts.keyFunc(ctx, req)
	breaker := c.breaker(key)
	done, err := breaker.Allow()
	if err != nil {
		return nil, dispatch.Unprocessed(&OpenError{Name: breaker.Name(), Key: key, Cause: err})
	}
	resp, err := c.delegate.Execute(ctx, req)
	done(!c.opts.failureFunc(ctx, resp, err))
	return resp, err
}

// State returns the state of the circuit for key. Keys no request was
// sent for are closed.
func (c *Client) State(key string) gobreaker.State {
	c.mu.Lock()
	breaker, ok := c.breakers[key]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return breaker.State()
}

// Counts returns the counts of the circuit for key.
func (c *Client) Counts(key string) gobreaker.Counts {
	c.mu.Lock()
	breaker, ok := c.breakers[key]
	c.mu.Unlock()
	if !ok {
		return gobreaker.Counts{}
	}
	return breaker.Counts()
}

func (c *Client) breaker(key string) *gobreaker.TwoStepCircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if breaker, ok := c.breakers[key]; ok {
		return breaker
	}
	opts := c.opts
	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        opts.name + "/" + key,
		MaxRequests: opts.halfOpenLimit,
		Interval:    opts.interval,
		Timeout:     opts.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.logger.Info("dispatch.circuitbreaker.state_changed",
				"circuit", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.breakers[key] = breaker
	return breaker
}

// OpenError is the cause of requests rejected by a circuit that is open
// or has no trial requests left. It unwraps to gobreaker.ErrOpenState or
// gobreaker.ErrTooManyRequests.
type OpenError struct {
	Name  string
	Key   string
	Cause error
}

func (e *OpenError) Error() string {
	return "circuit " + e.Name + ": " + e.Cause.Error()
}

func (e *OpenError) Unwrap() error {
	return e.Cause
}
