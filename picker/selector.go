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

package picker

import (
	"context"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
)

// NoTimeout, passed to Selector.Select, waits for an endpoint for as
// long as the context allows.
const NoTimeout = time.Duration(math.MaxInt64)

// Selection is the result of a successful Select.
type Selection struct {
	Endpoint endpoint.Endpoint
	// Done, if non-nil, must be called when the request sent to
	// Endpoint completes.
	Done func()
}

// Release calls Done, if set. It is safe to call on a nil Selection.
func (s *Selection) Release() {
	if s != nil && s.Done != nil {
		s.Done()
	}
}

// SelectorOption configures a Selector.
type SelectorOption interface {
	apply(*Selector)
}

type selectorOptionFunc func(*Selector)

func (f selectorOptionFunc) apply(s *Selector) {
	f(s)
}

// WithClock sets the clock used for selection timeouts.
func WithClock(clock internal.Clock) SelectorOption {
	return selectorOptionFunc(func(s *Selector) {
		s.clock = clock
	})
}

// Selector chooses one endpoint of a group per request. It keeps a
// picker built from the group's current members, rebuilt each time the
// group changes.
type Selector struct {
	group   endpoint.Group
	factory Factory
	clock   internal.Clock

	rebuildMu    sync.Mutex
	picker       atomic.Pointer[pickerHolder]
	removeUpdate func()
}

type pickerHolder struct {
	picker Picker
}

// NewSelector returns a selector over group that creates pickers with
// factory. A nil factory means NewRoundRobin.
func NewSelector(group endpoint.Group, factory Factory, opts ...SelectorOption) *Selector {
	if factory == nil {
		factory = NewRoundRobin
	}
	sel := &Selector{group: group, factory: factory}
	for _, opt := range opts {
		opt.apply(sel)
	}
	if sel.clock == nil {
		sel.clock = internal.NewRealClock()
	}
	// Registered before any Select call so that the picker is rebuilt
	// before waiting selections are told about a change.
	sel.removeUpdate = group.AddListener(sel.rebuild)
	sel.rebuild(nil)
	return sel
}

// rebuild replaces the picker with one over the group's current members.
// Notifications may arrive out of order, so the members passed to the
// listener are ignored in favor of a fresh read; rebuilds are serialized
// so the last one to run sees the latest members.
func (s *Selector) rebuild([]endpoint.Endpoint) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	endpoints := s.group.Endpoints()
	var holder *pickerHolder
	if len(endpoints) > 0 {
		var prev Picker
		if current := s.picker.Load(); current != nil {
			prev = current.picker
		}
		holder = &pickerHolder{picker: s.factory(prev, endpoints)}
	}
	s.picker.Store(holder)
}

// Group returns the group endpoints are selected from.
func (s *Selector) Group() endpoint.Group {
	return s.group
}

// SelectNow returns an endpoint if one can be chosen right away, or nil
// if the group is empty.
func (s *Selector) SelectNow(req *http.Request) (*Selection, error) {
	holder := s.picker.Load()
	if holder == nil {
		return nil, nil //nolint:nilnil
	}
	ep, done, err := holder.picker.Pick(req)
	if err != nil {
		return nil, err
	}
	return &Selection{Endpoint: ep, Done: done}, nil
}

// Select returns an endpoint for req. If none is available yet, it waits
// until the group has members, timeout elapses or ctx is done. A timeout
// is not an error: it returns a nil Selection. NoTimeout disables the
// bound. Errors from the picker are returned whether they occur
// immediately or while waiting.
func (s *Selector) Select(ctx context.Context, req *http.Request, timeout time.Duration) (*Selection, error) {
	if sel, err := s.SelectNow(req); sel != nil || err != nil {
		return sel, err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	pending := newPendingSelection()
	removeListener := s.group.AddListener(func([]endpoint.Endpoint) {
		sel, err := s.SelectNow(req)
		if sel == nil && err == nil {
			return
		}
		if !pending.complete(sel, err) {
			sel.Release()
		}
	})
	defer removeListener()

	// The group may have changed before the listener was registered.
	if sel, err := s.SelectNow(req); sel != nil || err != nil {
		if !pending.complete(sel, err) {
			sel.Release()
		}
	}

	if timeout != NoTimeout {
		timer := s.clock.AfterFunc(max(timeout, 0), func() {
			pending.complete(nil, nil)
		})
		defer timer.Stop()
	}

	select {
	case <-pending.done:
		return pending.sel, pending.err
	case <-ctx.Done():
		if pending.complete(nil, context.Cause(ctx)) {
			return nil, pending.err
		}
		// Lost the race to a result that arrived at the same time.
		<-pending.done
		return pending.sel, pending.err
	}
}

// Close stops tracking changes to the group. It does not close the
// group.
func (s *Selector) Close() error {
	s.removeUpdate()
	return nil
}

// pendingSelection is a one-shot completion shared by the group listener,
// the timeout timer and the context watcher.
type pendingSelection struct {
	once sync.Once
	done chan struct{}
	sel  *Selection
	err  error
}

func newPendingSelection() *pendingSelection {
	return &pendingSelection{done: make(chan struct{})}
}

func (p *pendingSelection) complete(sel *Selection, err error) bool {
	completed := false
	p.once.Do(func() {
		p.sel, p.err = sel, err
		completed = true
		close(p.done)
	})
	return completed
}
