// Copyright 2023-2025 Buf Technologies, Inc.
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

// Package clocktest adapts clockwork's fake clock to internal.Clock so
// that schedulers, selectors, resolvers and pruners can be driven by
// tests. Function signatures containing other interfaces are compared by
// their exact (nominal) type, so the three Clock functions returning
// Timer or Ticker are re-boxed here.
package clocktest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/dispatch/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock provides an interface for a clock which can be manually advanced
// through time. This adapts the *[clockwork.FakeClock] type to our internal.Clock
// interface.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using Clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

// AwaitTimers blocks until at least waiters timers or sleepers are
// registered on clock, failing the test if that takes longer than five
// seconds of real time.
func AwaitTimers(tb testing.TB, clock FakeClock, waiters int) {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, waiters); err != nil {
		tb.Fatalf("timed out waiting for %d timers: %v", waiters, err)
	}
}

// fakeClock wraps the clockwork.FakeClock interface and adapts it to the
// clock.Clock/FakeClock interface. It has two purposes:
//   - To expose BlockUntilContext, which is not exposed in clockwork.FakeClock
//   - To adapt the return types of clockwork.Clock methods that return other
//     interfaces. These function signatures are not compatible by Go rules,
//     even though structurally the underlying interfaces are identical.
type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTicker implements clock.Clock by re-boxing the clockwork.Ticker returned
// by clockwork.Clock.NewTicker as a clock.Ticker. See package comment for more
// information on why this is necessary.
func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

// NewTimer implements clock.Clock by re-boxing the clockwork.Timer returned by
// clockwork.Clock.NewTimer as a clock.Timer. See package comment for more
// information on why this is necessary.
func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	timer := f.FakeClock.NewTimer(d)
	if d == 0 {
		// Here we reproduce the pre-1.23 timers behavior since jonboulle/clockwork still have not fixed this yet,
		// see the issue: https://github.com/jonboulle/clockwork/issues/98
		if !timer.Stop() {
			<-timer.Chan()
		}
	}
	return timer
}

// AfterFunc implements clock.Clock by re-boxing the clockwork.Timer returned by
// clockwork.Clock.AfterFunc as a clock.Timer. See package comment for more
// information on why this is necessary.
func (f fakeClock) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}

// ArmedClock is a FakeClock that counts the AfterFunc timers which are
// still armed, meaning neither stopped nor fired.
type ArmedClock struct {
	FakeClock
	armed atomic.Int64
}

// NewArmedClock creates an ArmedClock backed by a new FakeClock.
func NewArmedClock() *ArmedClock {
	return &ArmedClock{FakeClock: NewFakeClock()}
}

// Armed reports how many AfterFunc timers are armed.
func (c *ArmedClock) Armed() int {
	return int(c.armed.Load())
}

// AfterFunc implements clock.Clock.
func (c *ArmedClock) AfterFunc(d time.Duration, fn func()) internal.Timer {
	timer := &armedTimer{clock: c}
	timer.arm()
	timer.Timer = c.FakeClock.AfterFunc(d, func() {
		timer.disarm()
		fn()
	})
	return timer
}

type armedTimer struct {
	internal.Timer
	clock *ArmedClock
	armed atomic.Bool
}

func (t *armedTimer) Stop() bool {
	stopped := t.Timer.Stop()
	t.disarm()
	return stopped
}

func (t *armedTimer) Reset(d time.Duration) bool {
	active := t.Timer.Reset(d)
	t.arm()
	return active
}

func (t *armedTimer) arm() {
	if t.armed.CompareAndSwap(false, true) {
		t.clock.armed.Add(1)
	}
}

func (t *armedTimer) disarm() {
	if t.armed.CompareAndSwap(true, false) {
		t.clock.armed.Add(-1)
	}
}
