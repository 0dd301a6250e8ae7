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

package picker_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/picker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpoints(n int) []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, n)
	for i := range eps {
		eps[i] = endpoint.Of(fmt.Sprintf("host-%d", i), 8080)
	}
	return eps
}

func pickN(t *testing.T, pick picker.Picker, n int) map[string]int {
	t.Helper()
	counts := map[string]int{}
	for range n {
		ep, whenDone, err := pick.Pick(&http.Request{})
		require.NoError(t, err)
		counts[ep.Host()]++
		if whenDone != nil {
			whenDone()
		}
	}
	return counts
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()
	pick := picker.NewRoundRobin(nil, endpoints(3))
	counts := pickN(t, pick, 30)
	assert.Len(t, counts, 3)
	for host, count := range counts {
		assert.Equal(t, 10, count, host)
	}
}

func TestWeightedRoundRobin(t *testing.T) {
	t.Parallel()
	eps := []endpoint.Endpoint{
		endpoint.Of("heavy", 80).WithWeight(3),
		endpoint.Of("light", 80).WithWeight(1),
		endpoint.Of("off", 80).WithWeight(0),
	}
	pick := picker.NewWeightedRoundRobin(nil, eps)

	var order []string
	for range 8 {
		ep, _, err := pick.Pick(&http.Request{})
		require.NoError(t, err)
		order = append(order, ep.Host())
	}
	// Smooth interleaving rather than three heavy picks in a row.
	assert.Equal(t, []string{"heavy", "heavy", "light", "heavy", "heavy", "heavy", "light", "heavy"}, order)
}

func TestWeightedRandom(t *testing.T) {
	t.Parallel()
	eps := []endpoint.Endpoint{
		endpoint.Of("a", 80).WithWeight(1),
		endpoint.Of("b", 80).WithWeight(0),
	}
	counts := pickN(t, picker.NewWeightedRandom(nil, eps), 100)
	assert.Equal(t, map[string]int{"a": 100}, counts)

	// All zero weights degrade to uniform random.
	counts = pickN(t, picker.NewWeightedRandom(nil, []endpoint.Endpoint{eps[1]}), 5)
	assert.Equal(t, map[string]int{"b": 5}, counts)
}

func TestRandom(t *testing.T) {
	t.Parallel()
	counts := pickN(t, picker.NewRandom(nil, endpoints(4)), 400)
	for host := range counts {
		assert.Contains(t, []string{"host-0", "host-1", "host-2", "host-3"}, host)
	}
}

func TestPowerOfTwoPicker(t *testing.T) {
	t.Parallel()

	eps := endpoints(2)
	pick := picker.NewPowerOfTwo(nil, eps)

	// Hold one request on the first pick. With only two endpoints, the
	// next pick can only land on the busy one if both samples chose it.
	first, whenDone, err := pick.Pick(&http.Request{})
	require.NoError(t, err)
	require.NotNil(t, whenDone)

	// Load is carried over into a new picker for the same endpoints.
	pick = picker.NewPowerOfTwo(pick, eps)
	busy := 0
	for range 200 {
		ep, done, err := pick.Pick(&http.Request{})
		require.NoError(t, err)
		if ep.Equal(first) {
			busy++
		}
		done()
	}
	assert.Less(t, busy, 100)
	whenDone()
}

func TestLeastLoaded(t *testing.T) {
	t.Parallel()

	for name, factory := range map[string]picker.Factory{
		"round-robin": picker.NewLeastLoadedRoundRobin,
		"random":      picker.NewLeastLoadedRandom,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			eps := endpoints(3)
			pick := factory(nil, eps)

			var (
				hosts []string
				dones []func()
			)
			for range 3 {
				ep, done, err := pick.Pick(&http.Request{})
				require.NoError(t, err)
				hosts = append(hosts, ep.Host())
				dones = append(dones, done)
			}
			// Each endpoint got one in-flight request.
			assert.ElementsMatch(t, []string{"host-0", "host-1", "host-2"}, hosts)

			// Releasing one makes it the only least-loaded endpoint.
			dones[0]()
			ep, _, err := pick.Pick(&http.Request{})
			require.NoError(t, err)
			assert.Equal(t, hosts[0], ep.Host())

			// Updating the members keeps the same picker and its state.
			updated := factory(pick, append(eps[1:], endpoint.Of("host-new", 8080)))
			assert.Same(t, pick, updated)
			ep, _, err = updated.Pick(&http.Request{})
			require.NoError(t, err)
			assert.Equal(t, "host-new", ep.Host())
		})
	}
}

func TestSticky(t *testing.T) {
	t.Parallel()

	keyFunc := func(req *http.Request) string {
		return req.Header.Get("Session")
	}
	eps := endpoints(5)
	factory := picker.NewSticky(keyFunc)
	pick := factory(nil, eps)

	request := func(session string) *http.Request {
		req := &http.Request{Header: http.Header{}}
		if session != "" {
			req.Header.Set("Session", session)
		}
		return req
	}

	assignments := map[string]string{}
	for i := range 50 {
		session := fmt.Sprintf("session-%d", i)
		ep, _, err := pick.Pick(request(session))
		require.NoError(t, err)
		again, _, err := pick.Pick(request(session))
		require.NoError(t, err)
		assert.Equal(t, ep.Host(), again.Host())
		assignments[session] = ep.Host()
	}

	// Removing one endpoint only moves the sessions that were on it.
	pick = factory(pick, eps[1:])
	for session, host := range assignments {
		ep, _, err := pick.Pick(request(session))
		require.NoError(t, err)
		if host != eps[0].Host() {
			assert.Equal(t, host, ep.Host(), session)
		} else {
			assert.NotEqual(t, host, ep.Host(), session)
		}
	}

	// No key falls back to round robin.
	counts := map[string]int{}
	for range 8 {
		ep, _, err := pick.Pick(request(""))
		require.NoError(t, err)
		counts[ep.Host()]++
	}
	assert.Len(t, counts, 4)
}

func TestErrorPicker(t *testing.T) {
	t.Parallel()
	pick := picker.ErrorPicker(picker.ErrNoEndpoints)
	_, _, err := pick.Pick(&http.Request{})
	require.ErrorIs(t, err, picker.ErrNoEndpoints)
}
