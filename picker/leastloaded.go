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
	"container/heap"
	"maps"
	"math/bits"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"

	"github.com/bufbuild/dispatch/endpoint"
)

// NewLeastLoadedRoundRobin creates pickers that pick the endpoint
// with the fewest in-flight requests. When a tie occurs, tied hosts will
// be picked in an arbitrary but sequential order.
func NewLeastLoadedRoundRobin(prev Picker, endpoints []endpoint.Endpoint) Picker {
	if prev, ok := prev.(*leastLoadedRoundRobin); ok {
		prev.mu.Lock()
		defer prev.mu.Unlock()

		prev.items.update(endpoints)
		return prev
	}

	return &leastLoadedRoundRobin{
		leastLoadedBase: leastLoadedBase{
			items: newEndpointHeap(endpoints),
		},
	}
}

// NewLeastLoadedRandom creates pickers that pick the endpoint with
// the fewest in-flight requests. When a tie occurs, tied hosts will be
// picked at random.
func NewLeastLoadedRandom(prev Picker, endpoints []endpoint.Endpoint) Picker {
	if prev, ok := prev.(*leastLoadedRandom); ok {
		prev.mu.Lock()
		defer prev.mu.Unlock()

		prev.items.update(endpoints)
		return prev
	}

	return &leastLoadedRandom{
		leastLoadedBase: leastLoadedBase{
			items: newEndpointHeap(endpoints),
		},
	}
}

type leastLoadedBase struct {
	mu sync.Mutex
	// +checklocks:mu
	items *leastLoadedHeap
}

type leastLoadedRoundRobin struct {
	leastLoadedBase
	// +checklocks:mu
	counter uint64
}

type leastLoadedRandom struct {
	leastLoadedBase
}

//nolint:recvcheck // mix of pointer and non-pointer receiver methods is intentional
type leastLoadedHeap []*leastLoadedItem

type leastLoadedItem struct {
	endpoint endpoint.Endpoint
	load     uint64
	tieBreak uint64
	index    int
}

// +checklocks:p.mu
func (p *leastLoadedBase) pickLocked(nextTieBreak uint64) (ep endpoint.Endpoint, whenDone func(), _ error) { //nolint:unparam
	entry := p.items.acquire(nextTieBreak)
	return entry.endpoint,
		func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.items.release(entry)
		},
		nil
}

func (p *leastLoadedRoundRobin) Pick(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	return p.leastLoadedBase.pickLocked(p.counter)
}

func (p *leastLoadedRandom) Pick(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.leastLoadedBase.pickLocked(rand.Uint64()) //nolint:gosec // don't need crypto/rand here
}

func newEndpointHeap(endpoints []endpoint.Endpoint) *leastLoadedHeap {
	items := make([]*leastLoadedItem, len(endpoints))
	newHeap := leastLoadedHeap(items)
	for i, ep := range endpoints {
		items[i] = &leastLoadedItem{
			endpoint: ep,
			index:    i,
		}
	}
	heap.Init(&newHeap)
	return &newHeap
}

func (h *leastLoadedHeap) update(endpoints []endpoint.Endpoint) {
	newMap := make(map[string]endpoint.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		newMap[ep.Key()] = ep
	}
	j := 0 //nolint:varnamelen
	slice := *h
	// Remove items from slice that aren't in the new set of endpoints,
	// compacting the slice as we go.
	for i, item := range slice {
		key := item.endpoint.Key()
		if ep, ok := newMap[key]; ok {
			delete(newMap, key)
			// Weight and attributes may have changed.
			item.endpoint = ep
			if i != j {
				item.index = j
				(*h)[j] = item
			}
			j++
		} else {
			// If there are pending ops with this one, make sure it
			// knows it's been evicted.
			item.index = -1
		}
	}
	newLen := j + len(newMap)
	if j == len(slice) {
		// No items removed, so we haven't broken any heap invariants.
		// If we don't have too many items to add, just heap.Push them
		// and return.
		threshold := newLen / bits.Len(uint(newLen))
		// Push is O(log n). Init (aka heapify) is O(n). So threshold
		// is (n / log n). If there are more items than that, it's
		// better to fall through below and re-init.
		if len(newMap) <= threshold {
			for _, ep := range sortedEndpoints(newMap) {
				heap.Push(h, &leastLoadedItem{endpoint: ep})
			}
			return
		}
	} else if len(slice) > newLen {
		// Make sure we don't leak memory with dangling pointers
		// in unused regions of the slice.
		for i := range slice[newLen:] {
			slice[newLen+i] = nil
		}
	}
	// Now add remaining new endpoints.
	slice = slice[:j]
	for _, ep := range sortedEndpoints(newMap) {
		slice = append(slice, &leastLoadedItem{endpoint: ep, index: len(slice)})
	}
	*h = slice
	// Re-heapify
	heap.Init(h)
}

func sortedEndpoints(m map[string]endpoint.Endpoint) []endpoint.Endpoint {
	keys := slices.Sorted(maps.Keys(m))
	endpoints := make([]endpoint.Endpoint, len(keys))
	for i, key := range keys {
		endpoints[i] = m[key]
	}
	return endpoints
}

func (h *leastLoadedHeap) acquire(nextTieBreak uint64) *leastLoadedItem {
	entry := (*h)[0]
	entry.load++
	entry.tieBreak = nextTieBreak
	heap.Fix(h, entry.index)
	return entry
}

func (h *leastLoadedHeap) release(entry *leastLoadedItem) {
	entry.load--
	if entry.index != -1 {
		heap.Fix(h, entry.index)
	}
}

func (h leastLoadedHeap) Len() int { return len(h) }

func (h leastLoadedHeap) Less(i, j int) bool {
	if h[i].load == h[j].load {
		return h[i].tieBreak < h[j].tieBreak
	}
	return h[i].load < h[j].load
}

func (h leastLoadedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *leastLoadedHeap) Push(x any) {
	n := len(*h)
	item := x.(*leastLoadedItem) //nolint:forcetypeassert,errcheck
	item.index = n
	*h = append(*h, item)
}

func (h *leastLoadedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
