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

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/cespare/xxhash/v2"
)

// NewSticky returns a factory for pickers that send all requests with
// the same key to the same endpoint, as long as that endpoint remains in
// the group. Keys are mapped with rendezvous (highest random weight)
// hashing, so a member set change only moves the keys of the endpoints
// that were added or removed.
//
// Requests for which keyFunc returns "" are spread round-robin.
func NewSticky(keyFunc func(*http.Request) string) Factory {
	return func(prev Picker, endpoints []endpoint.Endpoint) Picker {
		var fallbackPrev Picker
		if prev, ok := prev.(*sticky); ok {
			fallbackPrev = prev.fallback
		}
		seeds := make([]uint64, len(endpoints))
		for i, ep := range endpoints {
			seeds[i] = xxhash.Sum64String(ep.Key())
		}
		return &sticky{
			keyFunc:   keyFunc,
			endpoints: endpoints,
			seeds:     seeds,
			fallback:  NewRoundRobin(fallbackPrev, endpoints),
		}
	}
}

type sticky struct {
	keyFunc   func(*http.Request) string
	endpoints []endpoint.Endpoint
	seeds     []uint64
	fallback  Picker
}

func (s *sticky) Pick(req *http.Request) (ep endpoint.Endpoint, whenDone func(), err error) {
	key := s.keyFunc(req)
	if key == "" {
		return s.fallback.Pick(req)
	}
	keyHash := xxhash.Sum64String(key)
	best, bestScore := 0, uint64(0)
	for i, seed := range s.seeds {
		score := mix(keyHash ^ seed)
		if i == 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return s.endpoints[best], nil, nil
}

// mix is the splitmix64 finalizer. Combining two hashes with xor alone
// leaves too much structure for a fair ranking.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
