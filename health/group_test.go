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
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

// manualChecker hands out trackers so tests can report states directly.
type manualChecker struct {
	mu       sync.Mutex
	trackers map[string]health.Tracker
	closed   map[string]int
}

func newManualChecker() *manualChecker {
	return &manualChecker{trackers: map[string]health.Tracker{}, closed: map[string]int{}}
}

func (m *manualChecker) New(_ context.Context, ep endpoint.Endpoint, tracker health.Tracker) io.Closer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[ep.Host()] = tracker
	return closerFunc(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed[ep.Host()]++
		return nil
	})
}

func (m *manualChecker) report(ep endpoint.Endpoint, state health.State) {
	m.mu.Lock()
	tracker := m.trackers[ep.Host()]
	m.mu.Unlock()
	tracker.UpdateHealthState(ep, state)
}

func (m *manualChecker) closedCount(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[host]
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func hosts(eps []endpoint.Endpoint) []string {
	names := make([]string, len(eps))
	for i, ep := range eps {
		names[i] = ep.Host()
	}
	return names
}

func TestCheckedGroup(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &logs, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})

	a, b, c := endpoint.Of("a", 80), endpoint.Of("b", 80), endpoint.Of("c", 80)
	delegate := endpoint.NewDynamic(a, b)
	checker := newManualChecker()
	group := health.NewCheckedGroup(context.Background(), delegate, checker, health.WithLogger(logger))

	// Nothing is routable until checks report.
	assert.Empty(t, group.Endpoints())
	select {
	case <-group.WhenReady():
		t.Fatal("group should not be ready before any check passes")
	default:
	}

	checker.report(b, health.StateHealthy)
	<-group.WhenReady()
	assert.Equal(t, []string{"b"}, hosts(group.Endpoints()))

	checker.report(a, health.StateDegraded)
	// Delegate order is kept.
	assert.Equal(t, []string{"a", "b"}, hosts(group.Endpoints()))
	assert.Equal(t, health.StateDegraded, group.State(a))

	checker.report(b, health.StateUnhealthy)
	assert.Equal(t, []string{"a"}, hosts(group.Endpoints()))
	assert.Contains(t, logs.String(), "dispatch.health.state_changed")

	// Membership changes start and stop checks.
	delegate.Set(a, c)
	assert.Equal(t, 1, checker.closedCount("b"))
	assert.Equal(t, health.StateUnknown, group.State(b))
	checker.report(c, health.StateHealthy)
	assert.Equal(t, []string{"a", "c"}, hosts(group.Endpoints()))

	// Late reports for removed endpoints are ignored.
	checker.report(b, health.StateHealthy)
	assert.Equal(t, []string{"a", "c"}, hosts(group.Endpoints()))

	require.NoError(t, group.Close())
	assert.Equal(t, 1, checker.closedCount("a"))
	assert.Equal(t, 1, checker.closedCount("c"))
	// The delegate was closed too.
	delegate.Add(b)
	assert.Equal(t, []string{"a", "c"}, hosts(delegate.Endpoints()))
}

func TestCheckedGroupWithNopChecker(t *testing.T) {
	t.Parallel()
	group := health.NewCheckedGroup(context.Background(), endpoint.NewStatic(endpoint.Of("a", 1)), health.NopChecker)
	t.Cleanup(func() { require.NoError(t, group.Close()) })
	select {
	case <-group.WhenReady():
	case <-time.After(5 * time.Second):
		t.Fatal("nop checker should mark endpoints healthy")
	}
	assert.Len(t, group.Endpoints(), 1)
}
