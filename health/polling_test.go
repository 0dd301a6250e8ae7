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

package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/health"
	"github.com/bufbuild/dispatch/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEndpoint = endpoint.Of("backend.internal", 8080).WithIPAddr(netip.MustParseAddr("::1"))

func TestPollingChecker(t *testing.T) {
	t.Parallel()

	testClock := clocktest.NewFakeClock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	check := func(transport fakeTransport) health.State {
		t.Helper()
		checker := health.NewPollingChecker(health.PollingCheckerConfig{}, health.NewSimpleProber("/", health.WithTransport(transport)))
		health.SetPollingClock(checker, testClock)
		tracker := make(fakeHealthTracker, 1)
		process := checker.New(ctx, testEndpoint, tracker)
		var state health.State
		select {
		case state = <-tracker:
		case <-ctx.Done():
			t.Fatal("health state not reported")
		}
		require.NoError(t, process.Close())
		return state
	}

	// StateUnhealthy (HTTP error)
	transport := make(fakeTransport)
	close(transport)
	assert.Equal(t, health.StateUnhealthy, check(transport))

	// StateUnhealthy (HTTP 5xx)
	transport = make(fakeTransport, 1)
	transport <- &http.Response{StatusCode: http.StatusBadGateway, Body: http.NoBody}
	assert.Equal(t, health.StateUnhealthy, check(transport))

	// StateHealthy (HTTP 2xx)
	transport = make(fakeTransport, 1)
	transport <- &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}
	assert.Equal(t, health.StateHealthy, check(transport))
}

func TestPollingCheckerThresholds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	interval := 5 * time.Second
	testClock := clocktest.NewFakeClock()

	transport := make(fakeTransport)
	checker := health.NewPollingChecker(health.PollingCheckerConfig{
		PollingInterval:    interval,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}, health.NewSimpleProber("/healthz", health.WithTransport(transport)))
	health.SetPollingClock(checker, testClock)

	tracker := make(fakeHealthTracker)
	process := checker.New(ctx, testEndpoint, tracker)
	advance := func(response *http.Response) {
		t.Helper()
		select {
		case transport <- response:
			clocktest.AwaitTimers(t, testClock, 1)
			testClock.Advance(interval)
		case <-tracker:
			t.Fatal("unexpected health state update")
		}
	}
	expectState := func(expected health.State) {
		t.Helper()
		select {
		case state := <-tracker:
			assert.Equal(t, expected, state)
		case <-ctx.Done():
			t.Fatal("health state not updated as expected within timeout")
		}
	}
	ok := func() *http.Response { return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody} }
	bad := func() *http.Response { return &http.Response{StatusCode: http.StatusBadGateway, Body: http.NoBody} }

	// Require only one passing check to become healthy initially
	transport <- ok()
	expectState(health.StateHealthy)
	clocktest.AwaitTimers(t, testClock, 1)
	testClock.Advance(interval)

	// Require three failing checks to become unhealthy
	advance(bad())
	advance(bad())
	transport <- bad()
	expectState(health.StateUnhealthy)
	clocktest.AwaitTimers(t, testClock, 1)
	testClock.Advance(interval)

	// A single passing check in between resets the streak
	advance(ok())
	advance(bad())
	advance(ok())

	// Require two checks to become healthy again
	transport <- ok()
	expectState(health.StateHealthy)

	require.NoError(t, process.Close())
}

func TestSimpleProberDialsEndpoint(t *testing.T) {
	t.Parallel()

	var gotHost, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost, gotPath = r.Host, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)

	// The host name does not resolve; the probe must use the IP.
	ep := endpoint.Of("backend.invalid", port).WithIPAddr(netip.MustParseAddr("127.0.0.1"))
	prober := health.NewSimpleProber("status")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	assert.Equal(t, health.StateHealthy, prober.Probe(ctx, ep))
	assert.Equal(t, "backend.invalid:"+serverURL.Port(), gotHost)
	assert.Equal(t, "/status", gotPath)
}

type fakeTransport chan *http.Response

func (f fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host != testEndpoint.Authority() {
		return nil, errors.New("unexpected host " + req.URL.Host)
	}
	response := <-f
	if response == nil {
		return nil, errors.New("fake error")
	}
	return response, nil
}

type fakeHealthTracker chan health.State

func (f fakeHealthTracker) UpdateHealthState(_ endpoint.Endpoint, state health.State) {
	f <- state
}
