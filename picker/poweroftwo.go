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
	"math/rand"
	"net/http"
	"sync/atomic"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal"
)

// NewPowerOfTwo creates pickers that select two endpoints at random
// and pick the one with fewer in-flight requests. This takes advantage
// of the [power of two random choices], which provides substantial
// benefits over a simple random picker and, unlike the least-loaded
// policy, doesn't need to maintain a heap.
//
// In-flight counts survive member set changes for endpoints that remain.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
func NewPowerOfTwo(prev Picker, endpoints []endpoint.Endpoint) Picker {
	itemMap := map[string]*powerOfTwoItem{}
	if prev, ok := prev.(*powerOfTwo); ok {
		for _, entry := range prev.items {
			itemMap[entry.endpoint.Key()] = entry
		}
	}

	items := make([]*powerOfTwoItem, len(endpoints))
	for i, ep := range endpoints {
		if item, ok := itemMap[ep.Key()]; ok {
			items[i] = item
		} else {
			items[i] = &powerOfTwoItem{endpoint: ep}
		}
	}

	return &powerOfTwo{
		items: items,
		rng:   internal.NewLockedRand(),
	}
}

type powerOfTwo struct {
	items []*powerOfTwoItem
	rng   *rand.Rand
}

type powerOfTwoItem struct {
	endpoint endpoint.Endpoint
	// +checkatomic
	load atomic.Int64
}

func (p *powerOfTwo) Pick(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
	entry1 := p.items[p.rng.Intn(len(p.items))]
	entry2 := p.items[p.rng.Intn(len(p.items))]

	entry := entry2
	if entry1.load.Load() < entry2.load.Load() {
		entry = entry1
	}

	entry.load.Add(1)
	whenDone = func() {
		entry.load.Add(-1)
	}
	return entry.endpoint, whenDone, nil
}
