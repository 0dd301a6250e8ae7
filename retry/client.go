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

package retry

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bufbuild/dispatch"
	"github.com/bufbuild/dispatch/internal"
	"github.com/cenkalti/backoff/v5"
	"pkt.systems/pslog"
)

const (
	defaultMaxTotalAttempts = 10
	maxDrainBytes           = 2 << 10
)

// RetryCountHeader is sent with every retry, carrying the number of
// attempts made before it, when WithRetryCountHeader is set.
const RetryCountHeader = "Dispatch-Retry-Count"

var errBodyNotRewindable = errors.New("request body cannot be sent again")

// Option configures the retrying client.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	maxTotalAttempts  int
	perAttemptTimeout time.Duration
	useRetryAfter     bool
	sendRetryCount    bool
	logger            pslog.Logger
	clock             internal.Clock
}

// WithMaxTotalAttempts bounds the number of attempts, the first one
// included. The default is 10.
func WithMaxTotalAttempts(attempts int) Option {
	return optionFunc(func(opts *options) {
		opts.maxTotalAttempts = attempts
	})
}

// WithResponseTimeoutForEachAttempt sets the response timeout of every
// attempt. It never extends past the response timeout of the whole
// request. Zero, the default, gives each attempt what remains of the
// whole request's timeout.
func WithResponseTimeoutForEachAttempt(timeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.perAttemptTimeout = max(timeout, 0)
	})
}

// WithRetryAfter makes the client wait at least as long as the
// Retry-After header of a response asks before retrying it.
func WithRetryAfter() Option {
	return optionFunc(func(opts *options) {
		opts.useRetryAfter = true
	})
}

// WithRetryCountHeader sends RetryCountHeader with every retry.
func WithRetryCountHeader() Option {
	return optionFunc(func(opts *options) {
		opts.sendRetryCount = true
	})
}

// WithLogger sets the logger used to report retries.
func WithLogger(logger pslog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithClock sets the clock used to wait between attempts.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

// NewDecorator returns a decorator that retries requests as rule decides.
// Each attempt runs with its own context derived from the request
// context, and the request log ends with the last attempt.
func NewDecorator(rule Rule, opts ...Option) dispatch.Decorator {
	options := options{maxTotalAttempts: defaultMaxTotalAttempts}
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.maxTotalAttempts <= 0 {
		options.maxTotalAttempts = defaultMaxTotalAttempts
	}
	if options.logger == nil {
		options.logger = pslog.NoopLogger()
	}
	if options.clock == nil {
		options.clock = internal.NewRealClock()
	}
	if rule == nil {
		rule = Failsafe(DefaultBackoff)
	}
	return func(delegate dispatch.Client) dispatch.Client {
		return &Client{delegate: delegate, rule: rule, opts: options}
	}
}

// Client is the retrying client installed by NewDecorator.
type Client struct {
	delegate dispatch.Client
	rule     Rule
	opts     options
}

// Unwrap implements dispatch.Unwrapper.
func (c *Client) Unwrap() dispatch.Client {
	return c.delegate
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx *dispatch.Context, req *http.Request) (*http.Response, error) {
	state := &retryState{}
	for attemptNo := 1; ; attemptNo++ {
		attemptReq, err := c.attemptRequest(req, attemptNo)
		if err != nil {
			return c.fail(ctx, err)
		}
		timeout, ok := c.attemptTimeout(ctx)
		if !ok {
			ctx.TimeoutNow()
			return c.fail(ctx, ctx.Cause())
		}
		attempt := ctx.Derive(attemptReq)
		if timeout > 0 {
			attempt.SetResponseTimeout(dispatch.TimeoutFromNow, timeout)
		} else {
			attempt.ClearResponseTimeout()
		}
		if c.opts.sendRetryCount && attemptNo > 1 {
			attempt.SetAdditionalHeader(RetryCountHeader, strconv.Itoa(attemptNo-1))
		}

		resp, err := c.delegate.Execute(attempt, attemptReq)
		if err != nil && !attempt.Log().IsComplete() {
			// Decorators below may fail without reaching the transport.
			attempt.Log().Fail(err)
		}
		delay, retry := c.nextDelay(ctx, attempt, state, attemptNo, resp, err)
		if retry && !rewindable(req) {
			retry = false
		}
		if !retry {
			ctx.Log().EndResponseWithLastChild()
			return resp, err
		}
		c.opts.logger.Debug("dispatch.retry.scheduled",
			"request_id", ctx.ID(),
			"attempt", attemptNo,
			"delay", delay,
			"error", err,
			"status", attempt.Log().Status(),
		)
		if resp != nil {
			drain(resp)
		}
		if !c.wait(ctx, delay) {
			return c.fail(ctx, ctx.Cause())
		}
	}
}

func (c *Client) fail(ctx *dispatch.Context, cause error) (*http.Response, error) {
	ctx.Log().Fail(cause)
	return nil, cause
}

// attemptRequest returns the request to send for an attempt. Retries get
// a fresh body.
func (c *Client) attemptRequest(req *http.Request, attemptNo int) (*http.Request, error) {
	if attemptNo == 1 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errBodyNotRewindable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

// attemptTimeout returns the response timeout of the next attempt. Zero
// means none. It returns false if the whole request has run out of time.
func (c *Client) attemptTimeout(ctx *dispatch.Context) (time.Duration, bool) {
	remaining, hasDeadline := ctx.RemainingTimeout()
	each := c.opts.perAttemptTimeout
	switch {
	case !hasDeadline:
		return each, true
	case remaining <= 0:
		return 0, false
	case each > 0:
		return min(each, remaining), true
	default:
		return remaining, true
	}
}

// nextDelay asks the rule about an attempt and returns how long to wait
// before the next one.
func (c *Client) nextDelay(
	ctx, attempt *dispatch.Context,
	state *retryState,
	attemptNo int,
	resp *http.Response,
	cause error,
) (time.Duration, bool) {
	if attemptNo >= c.opts.maxTotalAttempts || ctx.Cause() != nil {
		return 0, false
	}
	b, retry := c.rule.ShouldRetry(attempt, cause).Backoff()
	if !retry {
		return 0, false
	}
	delay := state.sequenceFor(b).NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	if c.opts.useRetryAfter && resp != nil {
		if after, ok := retryAfter(resp.Header.Get("Retry-After"), c.opts.clock.Now()); ok {
			delay = max(delay, after)
		}
	}
	if remaining, ok := ctx.RemainingTimeout(); ok && delay > remaining {
		// The whole request would time out while waiting.
		return 0, false
	}
	return delay, true
}

func (c *Client) wait(ctx *dispatch.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Context().Err() == nil
	}
	timer := c.opts.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Context().Done():
		return false
	}
}

// retryState is the backoff sequence a request is walking. A decision
// with another Backoff starts over.
type retryState struct {
	backoff  *Backoff
	sequence backoff.BackOff
}

func (s *retryState) sequenceFor(b *Backoff) backoff.BackOff {
	if s.backoff != b {
		s.backoff, s.sequence = b, b.newSequence()
	}
	return s.sequence
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// retryAfter parses a Retry-After value, in seconds or as an HTTP date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second, true
	}
	if date, err := http.ParseTime(value); err == nil {
		return max(date.Sub(now), 0), true
	}
	return 0, false
}

func drain(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	_ = resp.Body.Close()
}
