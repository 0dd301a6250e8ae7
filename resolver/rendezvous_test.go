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

package resolver_test

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"testing"

	. "github.com/bufbuild/dispatch/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendezvous(t *testing.T) {
	t.Parallel()

	refreshCh := make(chan struct{})
	defer close(refreshCh)

	addresses := make([]Address, 20)
	for i := range addresses {
		addresses[i] = Address{IP: netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", i+1)), Port: 443}
	}

	var resolver fakeResolver
	_, err := RendezvousHashSubsetter(&resolver, RendezvousConfig{})
	require.ErrorContains(t, err, "NumBackends must be set")

	subsetterResolver, err := RendezvousHashSubsetter(&resolver, RendezvousConfig{
		NumBackends:  3,
		SelectionKey: "foo",
	})
	require.NoError(t, err)
	var receiver fakeReceiver
	_ = subsetterResolver.New(context.Background(), "svc", 443, &receiver, refreshCh)

	resolver.receiver.OnResolve(addresses[:1])
	assert.Equal(t, addresses[:1], receiver.addrs)

	resolver.receiver.OnResolve(addresses[:3])
	assert.Equal(t, addresses[:3], receiver.addrs)

	resolver.receiver.OnResolve(slices.Clone(addresses))
	set1 := receiver.addrs
	require.Len(t, set1, 3)
	for _, addr := range set1 {
		assert.Contains(t, addresses, addr)
	}
	// The input is not reordered.
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), addresses[0].IP)

	// Same key, same answer, regardless of order.
	reversed := slices.Clone(addresses)
	slices.Reverse(reversed)
	resolver.receiver.OnResolve(reversed)
	assert.ElementsMatch(t, set1, receiver.addrs)

	// Removing an address outside the subset changes nothing.
	var remaining []Address
	removed := false
	for _, addr := range addresses {
		if !removed && !slices.ContainsFunc(set1, func(a Address) bool { return a.IP == addr.IP }) {
			removed = true
			continue
		}
		remaining = append(remaining, addr)
	}
	resolver.receiver.OnResolve(remaining)
	assert.ElementsMatch(t, set1, receiver.addrs)

	subsetterResolver, err = RendezvousHashSubsetter(&resolver, RendezvousConfig{
		NumBackends:  3,
		SelectionKey: "bar",
	})
	require.NoError(t, err)
	_ = subsetterResolver.New(context.Background(), "svc", 443, &receiver, refreshCh)

	resolver.receiver.OnResolve(slices.Clone(addresses))
	set2 := receiver.addrs
	assert.NotElementsMatch(t, set1, set2)
}

type fakeResolver struct {
	receiver Receiver
}

func (f *fakeResolver) New(
	_ context.Context,
	_ string,
	_ int,
	receiver Receiver,
	_ <-chan struct{},
) io.Closer {
	f.receiver = receiver
	return nil
}

type fakeReceiver struct {
	addrs []Address
	err   error
}

func (r *fakeReceiver) OnResolve(addrs []Address) {
	r.addrs = addrs
}

func (r *fakeReceiver) OnResolveError(err error) {
	r.err = err
}
