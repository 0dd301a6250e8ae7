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

package endpoint

import (
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group is a collection of endpoints that requests may be sent to.
//
// Dynamic groups change their members over time. Listeners registered
// with AddListener are called, in registration order, with the new
// member set after each change. WhenReady returns a channel that is
// closed the first time the group is non-empty.
type Group interface {
	// Endpoints returns the current members. The returned slice must not
	// be modified.
	Endpoints() []Endpoint
	// WhenReady returns a channel that is closed once the group has had
	// at least one member.
	WhenReady() <-chan struct{}
	// AddListener registers fn to be called after each change to the
	// member set. The returned function unregisters it.
	AddListener(fn func([]Endpoint)) (remove func())
	// Close releases background resources, such as name resolution.
	Close() error
}

// Dynamic is a Group whose members are set by the application. It is
// also the building block of the DNS-backed and health-checked groups.
type Dynamic struct {
	mu        sync.Mutex
	endpoints []Endpoint
	listeners []listenerEntry
	nextID    int
	ready     chan struct{}
	isReady   bool
	closed    bool
}

type listenerEntry struct {
	id int
	fn func([]Endpoint)
}

var _ Group = (*Dynamic)(nil)

// NewDynamic returns a dynamic group with the given initial members.
func NewDynamic(initial ...Endpoint) *Dynamic {
	group := &Dynamic{ready: make(chan struct{})}
	if len(initial) > 0 {
		group.endpoints = slices.Clone(initial)
		group.isReady = true
		close(group.ready)
	}
	return group
}

// NewStatic returns a group with a fixed set of members.
func NewStatic(endpoints ...Endpoint) Group {
	return &static{members: NewDynamic(endpoints...)}
}

// Endpoints implements Group.
func (d *Dynamic) Endpoints() []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints
}

// WhenReady implements Group.
func (d *Dynamic) WhenReady() <-chan struct{} {
	return d.ready
}

// AddListener implements Group.
func (d *Dynamic) AddListener(fn func([]Endpoint)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.listeners = append(d.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners = slices.DeleteFunc(d.listeners, func(entry listenerEntry) bool {
			return entry.id == id
		})
	}
}

// Set replaces the members of the group. Listeners are only notified if
// the member set actually changed.
func (d *Dynamic) Set(endpoints ...Endpoint) {
	d.update(func([]Endpoint) []Endpoint {
		return slices.Clone(endpoints)
	})
}

// Add appends ep to the group unless an equal endpoint is present.
func (d *Dynamic) Add(ep Endpoint) {
	d.update(func(current []Endpoint) []Endpoint {
		if slices.ContainsFunc(current, ep.Equal) {
			return current
		}
		return append(slices.Clone(current), ep)
	})
}

// Remove removes all endpoints equal to ep from the group.
func (d *Dynamic) Remove(ep Endpoint) {
	d.update(func(current []Endpoint) []Endpoint {
		if !slices.ContainsFunc(current, ep.Equal) {
			return current
		}
		return slices.DeleteFunc(slices.Clone(current), ep.Equal)
	})
}

// Close implements Group. Listeners are dropped and no further updates
// are delivered.
func (d *Dynamic) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.listeners = nil
	return nil
}

func (d *Dynamic) update(apply func([]Endpoint) []Endpoint) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	updated := apply(d.endpoints)
	if equalMembers(d.endpoints, updated) {
		d.mu.Unlock()
		return
	}
	d.endpoints = updated
	if !d.isReady && len(updated) > 0 {
		d.isReady = true
		close(d.ready)
	}
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	for _, entry := range listeners {
		entry.fn(updated)
	}
}

func equalMembers(a, b []Endpoint) bool {
	return slices.EqualFunc(a, b, func(x, y Endpoint) bool {
		return x.Equal(y) && x.Weight() == y.Weight()
	})
}

type static struct {
	members *Dynamic
}

func (s *static) Endpoints() []Endpoint {
	return s.members.Endpoints()
}

func (s *static) WhenReady() <-chan struct{} {
	return s.members.WhenReady()
}

func (s *static) AddListener(func([]Endpoint)) (remove func()) {
	return func() {}
}

func (s *static) Close() error {
	return nil
}

// Composite is a group whose members are the concatenation of the
// members of other groups.
type Composite struct {
	*Dynamic
	groups    []Group
	removes   []func()
	refreshMu sync.Mutex
}

// NewComposite returns a group that merges groups. Closing it closes
// all of them.
func NewComposite(groups ...Group) *Composite {
	composite := &Composite{Dynamic: NewDynamic(), groups: groups}
	for _, group := range groups {
		composite.removes = append(composite.removes, group.AddListener(func([]Endpoint) {
			composite.refresh()
		}))
	}
	composite.refresh()
	return composite
}

func (c *Composite) refresh() {
	// Children notify concurrently. Reading them under one lock makes the
	// last refresh publish the latest members.
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	var merged []Endpoint
	for _, group := range c.groups {
		merged = append(merged, group.Endpoints()...)
	}
	c.Set(merged...)
}

// Close implements Group.
func (c *Composite) Close() error {
	for _, remove := range c.removes {
		remove()
	}
	var grp errgroup.Group
	for _, group := range c.groups {
		grp.Go(group.Close)
	}
	err := grp.Wait()
	_ = c.Dynamic.Close()
	return err
}
