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

package protocol_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func TestParseScheme(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		scheme string
		want   protocol.SessionProtocol
		unix   bool
	}{
		{"http", protocol.HTTP, false},
		{"HTTPS", protocol.HTTPS, false},
		{"h2c", protocol.H2C, false},
		{"h1c+unix", protocol.H1C, true},
		{"none+h2", protocol.H2, false},
	}
	for _, testCase := range testCases {
		got, unix, err := protocol.ParseScheme(testCase.scheme)
		require.NoError(t, err, testCase.scheme)
		assert.Equal(t, testCase.want, got, testCase.scheme)
		assert.Equal(t, testCase.unix, unix, testCase.scheme)
	}
	_, _, err := protocol.ParseScheme("ftp")
	require.Error(t, err)

	assert.Equal(t, 443, protocol.H2.DefaultPort())
	assert.Equal(t, 80, protocol.H2C.DefaultPort())
	assert.Equal(t, protocol.H2C, protocol.HTTP.HTTP2())
	assert.Equal(t, protocol.H1, protocol.HTTPS.HTTP1())
	assert.Equal(t, "https", protocol.H1.URLScheme())
	assert.True(t, protocol.HTTP.IsNegotiated())
	assert.False(t, protocol.H2C.IsNegotiated())
}

func TestNegotiationCache(t *testing.T) {
	t.Parallel()

	cache := protocol.NewNegotiationCache()
	byName := endpoint.Of("Example.COM.", 8080)
	byIP := endpoint.Of("example.com", 8080).WithIPAddr(netip.MustParseAddr("10.0.0.1"))
	bareIP := endpoint.Of("10.0.0.1", 8080)
	tcpAddr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8080}

	for _, ep := range []endpoint.Endpoint{byName, byIP, bareIP} {
		for _, p := range protocol.All() {
			assert.False(t, cache.IsUnsupported(ep, p))
		}
	}

	cache.SetUnsupported(byIP, protocol.H2C)
	assert.True(t, cache.IsUnsupported(byIP, protocol.H2C))
	assert.True(t, cache.IsUnsupported(bareIP, protocol.H2C))
	assert.True(t, cache.IsUnsupportedAddr(tcpAddr, protocol.H2C))
	// Only that exact protocol.
	assert.False(t, cache.IsUnsupported(byIP, protocol.H2))
	assert.False(t, cache.IsUnsupported(byIP, protocol.HTTP))
	// An unresolved host name is a different identity.
	assert.False(t, cache.IsUnsupported(byName, protocol.H2C))

	// Host names are normalized.
	cache.SetUnsupported(byName, protocol.H2)
	assert.True(t, cache.IsUnsupported(endpoint.Of("example.com", 8080), protocol.H2))
	// The default port applies when none is given.
	cache.SetUnsupported(endpoint.Of("api.example.com", 0), protocol.H2)
	assert.True(t, cache.IsUnsupported(endpoint.Of("api.example.com", 443), protocol.H2))
	assert.False(t, cache.IsUnsupported(endpoint.Of("api.example.com", 80), protocol.H2))

	// IPv4-mapped IPv6 addresses collapse too.
	mapped := &net.TCPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 8080}
	assert.True(t, cache.IsUnsupportedAddr(mapped, protocol.H2C))

	cache.SetUnsupportedAddr(&net.UnixAddr{Name: "/tmp/s.sock", Net: "unix"}, protocol.H2C)
	assert.True(t, cache.IsUnsupported(endpoint.OfDomainSocket("/tmp/s.sock"), protocol.H2C))

	cache.Clear()
	assert.False(t, cache.IsUnsupported(byIP, protocol.H2C))
}

func TestNegotiationCacheConcurrent(t *testing.T) {
	t.Parallel()
	cache := protocol.NewNegotiationCache()
	ep := endpoint.Of("10.1.1.1", 80)
	var wg sync.WaitGroup
	for _, p := range protocol.All() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				cache.SetUnsupported(ep, p)
			}
		}()
	}
	wg.Wait()
	for _, p := range protocol.All() {
		assert.True(t, cache.IsUnsupported(ep, p), p)
	}
}

func TestProbeH2C(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h2cServer := httptest.NewServer(h2c.NewHandler(handler, &http2.Server{}))
	t.Cleanup(h2cServer.Close)
	h1Server := httptest.NewServer(handler)
	t.Cleanup(h1Server.Close)

	probe := func(addr string) error {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		return protocol.ProbeH2C(ctx, conn)
	}

	require.NoError(t, probe(h2cServer.Listener.Addr().String()))
	err := probe(h1Server.Listener.Addr().String())
	require.ErrorIs(t, err, protocol.ErrUnsupported)
}

func TestProbeH2CHonorsContext(t *testing.T) {
	t.Parallel()

	// A peer that accepts and never answers.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cause := errors.New("deadline for probe")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(cause) })
	err = protocol.ProbeH2C(ctx, conn)
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, protocol.ErrUnsupported)
}
