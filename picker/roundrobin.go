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
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
)

type roundRobin struct {
	endpoints []endpoint.Endpoint
	// +checkatomic
	counter atomic.Int64
}

// NewRoundRobin creates pickers that pick endpoints in sequential order.
// To avoid every client hitting the same endpoint first, the order is
// shuffled each time the member set changes.
func NewRoundRobin(_ Picker, endpoints []endpoint.Endpoint) Picker {
	shuffled := slices.Clone(endpoints)
	rnd := internal.NewRand()
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	picker := &roundRobin{endpoints: shuffled}
	picker.counter.Store(-1)
	return picker
}

func (r *roundRobin) Pick(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
	return r.endpoints[uint64(r.counter.Add(1))%uint64(len(r.endpoints))], nil, nil
}

type weightedRoundRobin struct {
	mu        sync.Mutex
	endpoints []endpoint.Endpoint
	// +checklocks:mu
	current []int
	total   int
}

// NewWeightedRoundRobin creates pickers that spread requests in
// proportion to endpoint weights, interleaving them smoothly rather than
// sending bursts to the heaviest endpoint.
func NewWeightedRoundRobin(_ Picker, endpoints []endpoint.Endpoint) Picker {
	total := 0
	for _, ep := range endpoints {
		total += max(ep.Weight(), 0)
	}
	if total == 0 {
		return NewRoundRobin(nil, endpoints)
	}
	return &weightedRoundRobin{
		endpoints: slices.Clone(endpoints),
		current:   make([]int, len(endpoints)),
		total:     total,
	}
}

func (w *weightedRoundRobin) Pick(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := -1
	for i, candidate := range w.endpoints {
		w.current[i] += max(candidate.Weight(), 0)
		if best < 0 || w.current[i] > w.current[best] {
			best = i
		}
	}
	w.current[best] -= w.total
	return w.endpoints[best], nil, nil
}
