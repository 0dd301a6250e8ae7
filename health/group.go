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
	"errors"
	"io"
	"sync"

	"github.com/bufbuild/dispatch/endpoint"
	"pkt.systems/pslog"
)

// CheckedGroup is an endpoint group whose members are the routable
// members of another group. Each member of the delegate gets its own
// health-checking process; endpoints join once their first check passes
// and leave when the checker reports them unhealthy.
type CheckedGroup struct {
	*endpoint.Dynamic

	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	delegate endpoint.Group
	checker  Checker
	logger   pslog.Logger
	remove   func()

	mu sync.Mutex
	// +checklocks:mu
	tracked map[string]*trackedEndpoint
	// +checklocks:mu
	order []string
	// +checklocks:mu
	closed bool
}

type trackedEndpoint struct {
	endpoint endpoint.Endpoint
	state    State
	process  io.Closer
}

// CheckedGroupOption configures a CheckedGroup.
type CheckedGroupOption interface {
	apply(*CheckedGroup)
}

type checkedGroupOptionFunc func(*CheckedGroup)

func (f checkedGroupOptionFunc) apply(g *CheckedGroup) { f(g) }

// WithLogger sets the logger used to report health changes.
func WithLogger(logger pslog.Logger) CheckedGroupOption {
	return checkedGroupOptionFunc(func(g *CheckedGroup) {
		if logger != nil {
			g.logger = logger
		}
	})
}

// NewCheckedGroup returns a group tracking the healthy members of
// delegate. Closing it stops all checks and closes delegate.
func NewCheckedGroup(ctx context.Context, delegate endpoint.Group, checker Checker, opts ...CheckedGroupOption) *CheckedGroup {
	ctx, cancel := context.WithCancel(ctx)
	group := &CheckedGroup{
		Dynamic:  endpoint.NewDynamic(),
		ctx:      ctx,
		cancel:   cancel,
		delegate: delegate,
		checker:  checker,
		logger:   pslog.NoopLogger(),
		tracked:  map[string]*trackedEndpoint{},
	}
	for _, opt := range opts {
		opt.apply(group)
	}
	group.remove = delegate.AddListener(group.reconcile)
	group.reconcile(delegate.Endpoints())
	return group
}

// State returns the last known health of ep, or StateUnknown if ep is
// not a member of the delegate group.
func (g *CheckedGroup) State(ep endpoint.Endpoint) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.tracked[ep.Key()]; ok {
		return entry.state
	}
	return StateUnknown
}

func (g *CheckedGroup) reconcile(members []endpoint.Endpoint) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	next := make(map[string]*trackedEndpoint, len(members))
	order := make([]string, 0, len(members))
	var started []*trackedEndpoint
	for _, ep := range members {
		key := ep.Key()
		if _, dup := next[key]; dup {
			continue
		}
		order = append(order, key)
		if entry, ok := g.tracked[key]; ok {
			entry.endpoint = ep
			next[key] = entry
			continue
		}
		entry := &trackedEndpoint{endpoint: ep, state: StateUnknown}
		next[key] = entry
		started = append(started, entry)
	}
	var stopped []io.Closer
	for key, entry := range g.tracked {
		if _, ok := next[key]; !ok && entry.process != nil {
			stopped = append(stopped, entry.process)
		}
	}
	g.tracked = next
	g.order = order
	for _, entry := range started {
		entry.process = g.checker.New(g.ctx, entry.endpoint, g)
	}
	g.publishLocked()
	g.mu.Unlock()

	// Processes may be blocked reporting to us, so they are stopped
	// without holding the lock.
	for _, process := range stopped {
		_ = process.Close()
	}
}

// UpdateHealthState implements Tracker.
func (g *CheckedGroup) UpdateHealthState(ep endpoint.Endpoint, state State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.tracked[ep.Key()]
	if !ok || g.closed || entry.state == state {
		return
	}
	g.logger.Info("dispatch.health.state_changed",
		"endpoint", ep.String(), "from", entry.state.String(), "to", state.String())
	entry.state = state
	g.publishLocked()
}

// +checklocks:g.mu
func (g *CheckedGroup) publishLocked() {
	healthy := make([]endpoint.Endpoint, 0, len(g.order))
	for _, key := range g.order {
		if entry := g.tracked[key]; entry.state.Routable() {
			healthy = append(healthy, entry.endpoint)
		}
	}
	g.Set(healthy...)
}

// Close implements endpoint.Group.
func (g *CheckedGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	tracked := g.tracked
	g.tracked = nil
	g.mu.Unlock()

	g.remove()
	g.cancel()
	var errs []error
	for _, entry := range tracked {
		if entry.process != nil {
			errs = append(errs, entry.process.Close())
		}
	}
	errs = append(errs, g.delegate.Close(), g.Dynamic.Close())
	return errors.Join(errs...)
}
