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

package health

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
)

const (
	defaultPollingInterval = 15 * time.Second
	defaultProbeTimeout    = 10 * time.Second
)

// PollingCheckerConfig configures a polling checker.
type PollingCheckerConfig struct {
	// PollingInterval is the time between probes. Defaults to 15 seconds.
	PollingInterval time.Duration
	// Timeout bounds each probe. Defaults to the polling interval, but
	// at most 10 seconds.
	Timeout time.Duration
	// HealthyThreshold is the number of consecutive healthy results needed
	// for an unhealthy endpoint to become healthy. Defaults to 1.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive unhealthy results
	// needed for a healthy endpoint to become unhealthy. Defaults to 1.
	UnhealthyThreshold int
}

// A Prober performs single-shot health checks against an endpoint.
type Prober interface {
	Probe(ctx context.Context, ep endpoint.Endpoint) State
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, ep endpoint.Endpoint) State

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, ep endpoint.Endpoint) State {
	return f(ctx, ep)
}

// NewPollingChecker creates a new checker that calls a single-shot prober
// on a fixed interval. The first result is reported right away; after
// that, the state only changes once a threshold of consecutive results
// agree.
func NewPollingChecker(config PollingCheckerConfig, prober Prober) Checker {
	if config.PollingInterval <= 0 {
		config.PollingInterval = defaultPollingInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = min(config.PollingInterval, defaultProbeTimeout)
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 1
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 1
	}
	return &pollingChecker{
		config: config,
		prober: prober,
		clock:  internal.NewRealClock(),
	}
}

type pollingChecker struct {
	config PollingCheckerConfig
	prober Prober
	clock  internal.Clock
}

type pollingCheckerTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (r *pollingChecker) New(
	ctx context.Context,
	ep endpoint.Endpoint,
	tracker Tracker,
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingCheckerTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}

	go func() {
		defer close(task.doneSignal)
		defer cancel()

		current := StateUnknown
		var streak int
		for {
			probeCtx, probeCancel := context.WithTimeout(ctx, r.config.Timeout)
			result := r.prober.Probe(probeCtx, ep)
			probeCancel()
			if ctx.Err() != nil {
				return
			}

			if next, changed := r.transition(current, result, &streak); changed {
				current = next
				tracker.UpdateHealthState(ep, current)
			}

			timer := r.clock.NewTimer(r.config.PollingInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
	}()
	return task
}

// transition applies one probe result. streak counts consecutive results
// that disagree with the current state.
func (r *pollingChecker) transition(current, result State, streak *int) (State, bool) {
	if current == StateUnknown {
		*streak = 0
		return result, result != StateUnknown
	}
	if result == current || result == StateUnknown {
		*streak = 0
		return current, false
	}
	*streak++
	threshold := r.config.UnhealthyThreshold
	if result < current {
		threshold = r.config.HealthyThreshold
	}
	if *streak < threshold {
		return current, false
	}
	*streak = 0
	return result, true
}

func (t *pollingCheckerTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}

// ProberOption configures the prober created by NewSimpleProber.
type ProberOption interface {
	applyToProber(*httpProber)
}

type proberOptionFunc func(*httpProber)

func (f proberOptionFunc) applyToProber(p *httpProber) { f(p) }

// WithScheme sets the URL scheme of health check requests. The default
// is "http".
func WithScheme(scheme string) ProberOption {
	return proberOptionFunc(func(p *httpProber) {
		p.scheme = scheme
	})
}

// WithTransport sets the transport used to send health check requests.
// The default dials each endpoint's resolved address directly.
func WithTransport(transport http.RoundTripper) ProberOption {
	return proberOptionFunc(func(p *httpProber) {
		p.transport = transport
	})
}

// WithMethod sets the method of health check requests. The default is
// GET.
func WithMethod(method string) ProberOption {
	return proberOptionFunc(func(p *httpProber) {
		p.method = method
	})
}

// NewSimpleProber creates a new prober that sends an HTTP request for
// path to each endpoint. If it returns a successful status (status
// codes from 200-299), the endpoint is considered healthy. Any other
// status or a transport error is unhealthy.
func NewSimpleProber(path string, opts ...ProberOption) Prober {
	prober := &httpProber{
		path:   "/" + strings.TrimPrefix(path, "/"),
		scheme: "http",
		method: http.MethodGet,
	}
	for _, opt := range opts {
		opt.applyToProber(prober)
	}
	if prober.transport == nil {
		prober.transport = newEndpointTransport(prober.scheme)
	}
	return prober
}

type httpProber struct {
	path      string
	scheme    string
	method    string
	transport http.RoundTripper
}

func (p *httpProber) Probe(ctx context.Context, ep endpoint.Endpoint) State {
	ctx = context.WithValue(ctx, endpointContextKey{}, ep)
	target := p.scheme + "://" + ep.Authority() + p.path
	if ep.IsDomainSocket() {
		target = p.scheme + "://localhost" + p.path
	}
	req, err := http.NewRequestWithContext(ctx, p.method, target, http.NoBody)
	if err != nil {
		return StateUnknown
	}
	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		return StateUnhealthy
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StateUnhealthy
	}
	return StateHealthy
}

type endpointContextKey struct{}

// newEndpointTransport returns a transport that dials the endpoint a
// probe is for, so that resolved IPs and domain sockets are honored while
// the request still carries the endpoint's host name.
func newEndpointTransport(scheme string) http.RoundTripper {
	defaultPort := 80
	if scheme == "https" {
		defaultPort = 443
	}
	var dialer net.Dialer
	return &http.Transport{
		DisableKeepAlives: true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if ep, ok := ctx.Value(endpointContextKey{}).(endpoint.Endpoint); ok {
				network, addr = ep.DialAddress(defaultPort)
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
}
