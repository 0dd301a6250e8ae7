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
	"fmt"
	"math/rand"
	"time"

	"github.com/bufbuild/dispatch/internal"
	"github.com/cenkalti/backoff/v5"
)

// Backoff describes the delays between attempts. Every request that
// retries with a Backoff walks its own sequence of delays, so a Backoff
// may be shared by any number of rules and requests.
//
// Two decisions use the same sequence only if they carry the same
// *Backoff. Switching to a different Backoff starts a new sequence.
type Backoff struct {
	name        string
	newSequence func() backoff.BackOff
}

// DefaultBackoff waits 200ms before the first retry, doubling up to 10s,
// with 20% jitter.
//
//nolint:gochecknoglobals
var DefaultBackoff = WithJitter(Exponential(200*time.Millisecond, 10*time.Second, 2), 0.2)

// NewBackoff returns a Backoff that asks delay for the wait before each
// retry. The attempt number starts at 1. A negative delay stops
// retrying.
func NewBackoff(delay func(attempt int) time.Duration) *Backoff {
	return &Backoff{
		name: "func",
		newSequence: func() backoff.BackOff {
			return &funcSequence{delay: delay}
		},
	}
}

// NoDelay retries right away.
func NoDelay() *Backoff {
	return &Backoff{
		name: "noDelay",
		newSequence: func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		},
	}
}

// Fixed waits the same delay before every retry.
func Fixed(delay time.Duration) *Backoff {
	return &Backoff{
		name: fmt.Sprintf("fixed(%v)", delay),
		newSequence: func() backoff.BackOff {
			return backoff.NewConstantBackOff(max(delay, 0))
		},
	}
}

// Exponential waits initial before the first retry and multiplies the
// delay by multiplier for each one after that, up to maxDelay.
func Exponential(initial, maxDelay time.Duration, multiplier float64) *Backoff {
	if multiplier <= 1 {
		multiplier = 2
	}
	maxDelay = max(maxDelay, initial)
	return &Backoff{
		name: fmt.Sprintf("exponential(%v..%v, x%g)", initial, maxDelay, multiplier),
		newSequence: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval: initial,
				Multiplier:      multiplier,
				MaxInterval:     maxDelay,
			}
		},
	}
}

// Random waits a uniformly random delay in [minDelay, maxDelay] before
// every retry.
func Random(minDelay, maxDelay time.Duration) *Backoff {
	if maxDelay < minDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	return &Backoff{
		name: fmt.Sprintf("random(%v..%v)", minDelay, maxDelay),
		newSequence: func() backoff.BackOff {
			return &randomSequence{minDelay: minDelay, maxDelay: maxDelay, rng: internal.NewRand()}
		},
	}
}

// WithJitter randomizes each delay of b by up to ratio of its value in
// either direction. A ratio of 0.2 turns 1s into a delay between 800ms
// and 1.2s.
func WithJitter(b *Backoff, ratio float64) *Backoff {
	ratio = min(max(ratio, 0), 1)
	return &Backoff{
		name: fmt.Sprintf("%s+jitter(%g)", b.name, ratio),
		newSequence: func() backoff.BackOff {
			return &jitterSequence{delegate: b.newSequence(), ratio: ratio, rng: internal.NewRand()}
		},
	}
}

// WithMaxAttempts stops b after attempts retries.
func WithMaxAttempts(b *Backoff, attempts int) *Backoff {
	return &Backoff{
		name: fmt.Sprintf("%s+maxAttempts(%d)", b.name, attempts),
		newSequence: func() backoff.BackOff {
			return &limitSequence{delegate: b.newSequence(), limit: attempts, remaining: attempts}
		},
	}
}

// Delays returns the first n delays of a new sequence of b. A sequence
// that stops early yields fewer.
func (b *Backoff) Delays(n int) []time.Duration {
	sequence := b.newSequence()
	delays := make([]time.Duration, 0, n)
	for range n {
		delay := sequence.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		delays = append(delays, delay)
	}
	return delays
}

// String implements fmt.Stringer.
func (b *Backoff) String() string {
	return b.name
}

type funcSequence struct {
	delay   func(attempt int) time.Duration
	attempt int
}

func (s *funcSequence) NextBackOff() time.Duration {
	s.attempt++
	if delay := s.delay(s.attempt); delay >= 0 {
		return delay
	}
	return backoff.Stop
}

func (s *funcSequence) Reset() {
	s.attempt = 0
}

type randomSequence struct {
	minDelay, maxDelay time.Duration
	rng                *rand.Rand
}

func (s *randomSequence) NextBackOff() time.Duration {
	if s.maxDelay == s.minDelay {
		return s.minDelay
	}
	return s.minDelay + time.Duration(s.rng.Int63n(int64(s.maxDelay-s.minDelay)+1))
}

func (s *randomSequence) Reset() {}

type jitterSequence struct {
	delegate backoff.BackOff
	ratio    float64
	rng      *rand.Rand
}

func (s *jitterSequence) NextBackOff() time.Duration {
	delay := s.delegate.NextBackOff()
	if delay == backoff.Stop || s.ratio == 0 {
		return delay
	}
	spread := s.ratio * float64(delay)
	return max(time.Duration(float64(delay)-spread+s.rng.Float64()*2*spread), 0)
}

func (s *jitterSequence) Reset() {
	s.delegate.Reset()
}

type limitSequence struct {
	delegate  backoff.BackOff
	limit     int
	remaining int
}

func (s *limitSequence) NextBackOff() time.Duration {
	if s.remaining <= 0 {
		return backoff.Stop
	}
	s.remaining--
	return s.delegate.NextBackOff()
}

func (s *limitSequence) Reset() {
	s.remaining = s.limit
	s.delegate.Reset()
}
