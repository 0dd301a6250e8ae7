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
	"math/rand/v2"
	"net/http"
	"slices"
	"sort"

	"github.com/bufbuild/dispatch/endpoint"
)

// NewRandom creates pickers that pick an endpoint at random.
func NewRandom(_ Picker, endpoints []endpoint.Endpoint) Picker {
	endpoints = slices.Clone(endpoints)
	return pickerFunc(func(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
		return endpoints[rand.IntN(len(endpoints))], //nolint:gosec // does not need to be cryptographically secure
			nil, nil
	})
}

// NewWeightedRandom creates pickers that pick an endpoint at random with
// a probability proportional to its weight. Endpoints with a weight of
// zero are never picked unless all weights are zero.
func NewWeightedRandom(_ Picker, endpoints []endpoint.Endpoint) Picker {
	endpoints = slices.Clone(endpoints)
	cumulative := make([]int, len(endpoints))
	total := 0
	for i, ep := range endpoints {
		total += max(ep.Weight(), 0)
		cumulative[i] = total
	}
	if total == 0 {
		return NewRandom(nil, endpoints)
	}
	return pickerFunc(func(*http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
		n := rand.IntN(total) //nolint:gosec // does not need to be cryptographically secure
		i := sort.SearchInts(cumulative, n+1)
		return endpoints[i], nil, nil
	})
}
