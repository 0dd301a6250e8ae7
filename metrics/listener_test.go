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

package metrics_test

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/bufbuild/dispatch/internal/clocktest"
	"github.com/bufbuild/dispatch/metrics"
	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionPoolListener(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	clock := clocktest.NewFakeClock()
	listener, err := metrics.NewConnectionPoolListener(registry,
		metrics.WithPrefix("test"),
		metrics.WithRetention(time.Minute),
		metrics.WithClock(clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, listener.Close()) })

	first := pool.Key{
		Protocol: protocol.H2C,
		Remote:   netip.MustParseAddrPort("10.0.0.1:80"),
		Local:    netip.MustParseAddrPort("10.0.0.2:50001"),
	}
	// A different local port collapses into the same series.
	second := first
	second.Local = netip.MustParseAddrPort("10.0.0.2:50002")

	listener.ConnectionOpen(first)
	listener.ConnectionOpen(second)
	listener.ConnectionClosed(first)

	expected := `
# HELP test_active_connections Client connections currently open.
# TYPE test_active_connections gauge
test_active_connections{local_ip="10.0.0.2",protocol="h2c",remote_ip="10.0.0.1"} 1
# HELP test_connections_total Client connections opened and closed.
# TYPE test_connections_total counter
test_connections_total{local_ip="10.0.0.2",protocol="h2c",remote_ip="10.0.0.1",state="closed"} 1
test_connections_total{local_ip="10.0.0.2",protocol="h2c",remote_ip="10.0.0.1",state="opened"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"test_active_connections", "test_connections_total"))

	listener.ConnectionClosed(second)
	// The gauge is removed at zero, the counters stay.
	count, err := testutil.GatherAndCount(registry, "test_active_connections")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = testutil.GatherAndCount(registry, "test_connections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Another label set stays open and survives pruning.
	busy := pool.Key{
		Protocol: protocol.H1C,
		Remote:   netip.MustParseAddrPort("10.0.0.3:80"),
		Local:    netip.MustParseAddrPort("10.0.0.2:50003"),
	}
	listener.ConnectionOpen(busy)

	clocktest.AwaitTimers(t, clock, 1)
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		count, err := testutil.GatherAndCount(registry, "test_connections_total")
		return err == nil && count == 2
	}, 5*time.Second, 10*time.Millisecond)

	expected = `
# HELP test_active_connections Client connections currently open.
# TYPE test_active_connections gauge
test_active_connections{local_ip="10.0.0.2",protocol="h1c",remote_ip="10.0.0.3"} 1
# HELP test_connections_total Client connections opened and closed.
# TYPE test_connections_total counter
test_connections_total{local_ip="10.0.0.2",protocol="h1c",remote_ip="10.0.0.3",state="closed"} 0
test_connections_total{local_ip="10.0.0.2",protocol="h1c",remote_ip="10.0.0.3",state="opened"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"test_active_connections", "test_connections_total"))
}

func TestConnectionPoolListenerUnbalancedClose(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	listener, err := metrics.NewConnectionPoolListener(registry)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, listener.Close()) })

	// A close with no matching open never drives the gauge negative.
	listener.ConnectionClosed(pool.Key{Protocol: protocol.H1C, SocketPath: "/tmp/dispatch.sock"})
	count, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Registering a second listener with the same prefix fails.
	_, err = metrics.NewConnectionPoolListener(registry)
	require.Error(t, err)
}
