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

// Package scheduler implements the response timeout of a request: a
// small state machine that latches exactly one terminal cause, either an
// explicit cancellation or a timeout, and runs a task with it.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bufbuild/dispatch/internal"
)

// State is the lifecycle state of a Scheduler.
type State int

const (
	// StateInit means Init has not been called.
	StateInit State = iota
	// StateInactive means no timeout is armed.
	StateInactive
	// StateScheduled means a timer is armed.
	StateScheduled
	// StateFinished is terminal.
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateInactive:
		return "inactive"
	case StateScheduled:
		return "scheduled"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Mode says how SetTimeout interprets its duration.
type Mode int

const (
	// FromStart sets the timeout measured from Start. Zero or less clears
	// it.
	FromStart Mode = iota
	// FromNow sets the timeout to expire the given duration from now.
	// Zero or less times out immediately.
	FromNow
	// Extend adds to the current timeout, which may be negative to
	// shorten it. It has no effect when no timeout is set.
	Extend
)

var errInitTwice = errors.New("scheduler: Init called more than once")

// Scheduler holds the response timeout of one request. It is safe for
// concurrent use.
//
// Until Start, timeouts are plain values: FromNow and FromStart are the
// same and nothing is armed. Cancellations and timeouts requested before
// Init are latched right away and the task runs when Init is called.
type Scheduler struct {
	clock        internal.Clock
	timeoutCause func(timeout time.Duration) error
	done         chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	timeout time.Duration
	// +checklocks:mu
	started bool
	// +checklocks:mu
	start time.Time
	// +checklocks:mu
	timer internal.Timer
	// +checklocks:mu
	generation uint64
	// +checklocks:mu
	cause error
	// +checklocks:mu
	task func(cause error)
	// +checklocks:mu
	taskPending bool
}

// New returns a scheduler in StateInit with the given initial timeout.
// Zero means no timeout. timeoutCause creates the error latched when the
// timeout elapses or TimeoutNow is called.
func New(clock internal.Clock, timeout time.Duration, timeoutCause func(timeout time.Duration) error) *Scheduler {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	if timeoutCause == nil {
		timeoutCause = func(time.Duration) error { return context.DeadlineExceeded }
	}
	return &Scheduler{
		clock:        clock,
		timeoutCause: timeoutCause,
		done:         make(chan struct{}),
		timeout:      max(timeout, 0),
	}
}

// Init attaches the task run when the scheduler finishes with a cause.
// If a cause was latched before Init, task runs immediately.
func (s *Scheduler) Init(task func(cause error)) error {
	s.mu.Lock()
	if s.task != nil || (s.state != StateInit && s.state != StateFinished) {
		s.mu.Unlock()
		return errInitTwice
	}
	if task == nil {
		task = func(error) {}
	}
	s.task = task
	if s.state == StateFinished {
		run, cause := s.taskPending, s.cause
		s.taskPending = false
		s.mu.Unlock()
		if run {
			task(cause)
		}
		return nil
	}
	s.state = StateInactive
	expired := s.started && !s.armLocked()
	s.mu.Unlock()
	if expired {
		s.TimeoutNow()
	}
	return nil
}

// Start marks the start of the request. Timeouts are measured from here.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.state == StateFinished {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.start = s.clock.Now()
	expired := s.state == StateInactive && !s.armLocked()
	s.mu.Unlock()
	if expired {
		s.TimeoutNow()
	}
}

// SetTimeout changes the timeout according to mode.
func (s *Scheduler) SetTimeout(mode Mode, d time.Duration) {
	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return
	}
	var elapsed time.Duration
	if s.started {
		elapsed = s.clock.Since(s.start)
	}
	switch mode {
	case FromStart:
		s.timeout = max(d, 0)
	case FromNow:
		if d <= 0 {
			s.mu.Unlock()
			s.TimeoutNow()
			return
		}
		s.timeout = elapsed + d
	case Extend:
		if s.timeout == 0 {
			s.mu.Unlock()
			return
		}
		s.timeout += d
		if s.timeout <= 0 {
			// Shortened past the start; the deadline is already gone.
			s.timeout = time.Nanosecond
		}
	}
	if s.state == StateInit || !s.started {
		s.mu.Unlock()
		return
	}
	expired := !s.armLocked()
	s.mu.Unlock()
	if expired {
		s.TimeoutNow()
	}
}

// ClearTimeout disarms the timeout. The scheduler stays active and a
// later SetTimeout can arm it again.
func (s *Scheduler) ClearTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinished {
		return
	}
	s.timeout = 0
	s.disarmLocked()
	if s.state == StateScheduled {
		s.state = StateInactive
	}
}

// Timeout returns the current timeout measured from the start, or zero
// when there is none.
func (s *Scheduler) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Remaining returns how long until the timeout elapses. The second
// result is false when there is no timeout.
func (s *Scheduler) Remaining() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout == 0 {
		return 0, false
	}
	if !s.started {
		return s.timeout, true
	}
	return max(s.timeout-s.clock.Since(s.start), 0), true
}

// Cancel finishes the scheduler with cause. Only the first cause latched
// by Cancel or TimeoutNow counts. A nil cause becomes context.Canceled.
func (s *Scheduler) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	s.finish(cause, 0, false)
}

// TimeoutNow finishes the scheduler with a timeout cause.
func (s *Scheduler) TimeoutNow() {
	s.finish(nil, 0, false)
}

// Finish moves the scheduler to its terminal state without a cause, as
// when the request completes normally. The task does not run.
func (s *Scheduler) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinished {
		return
	}
	s.disarmLocked()
	s.state = StateFinished
	close(s.done)
}

func (s *Scheduler) finish(cause error, generation uint64, fromTimer bool) {
	s.mu.Lock()
	if s.state == StateFinished || (fromTimer && generation != s.generation) {
		s.mu.Unlock()
		return
	}
	if cause == nil {
		cause = s.timeoutCause(s.timeout)
	}
	s.disarmLocked()
	s.state = StateFinished
	s.cause = cause
	close(s.done)
	task := s.task
	if task == nil {
		s.taskPending = true
	}
	s.mu.Unlock()
	if task != nil {
		task(cause)
	}
}

// armLocked schedules the timer for the current timeout. It returns
// false if the deadline has already passed, in which case the caller
// must time out once the lock is released.
//
// +checklocks:s.mu
func (s *Scheduler) armLocked() bool {
	s.disarmLocked()
	if s.timeout == 0 {
		s.state = StateInactive
		return true
	}
	remaining := s.timeout - s.clock.Since(s.start)
	if remaining <= 0 {
		return false
	}
	generation := s.generation
	s.timer = s.clock.AfterFunc(remaining, func() {
		s.finish(nil, generation, true)
	})
	s.state = StateScheduled
	return true
}

// +checklocks:s.mu
func (s *Scheduler) disarmLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Done returns a channel closed when the scheduler finishes.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// IsFinished reports whether the scheduler reached its terminal state.
func (s *Scheduler) IsFinished() bool {
	return s.State() == StateFinished
}

// Cause returns the latched cause, or nil.
func (s *Scheduler) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
