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

package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/dispatch"
	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal/clocktest"
	"github.com/bufbuild/dispatch/internal/dispatchtest"
	"github.com/bufbuild/dispatch/picker"
	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/bufbuild/dispatch/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, opts ...dispatch.ClientOption) *dispatch.HTTPClient {
	t.Helper()
	client, err := dispatch.NewClient(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	})
}

func get(t *testing.T, ctx context.Context, client *dispatch.HTTPClient, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	return client.Do(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// captureRoot records the root context of each request.
type captureRoot struct {
	mu       sync.Mutex
	contexts []*dispatch.Context
}

func (c *captureRoot) customize(ctx *dispatch.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = append(c.contexts, ctx)
	return nil
}

func (c *captureRoot) last(t *testing.T) *dispatch.Context {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.contexts)
	return c.contexts[len(c.contexts)-1]
}

func TestClientSendsRequest(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("got it"))
	var roots captureRoot
	client := newClient(t,
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
		dispatch.WithContextCustomizer(roots.customize),
	)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URLFor("http", "127.0.0.1", "/foo"), http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	assert.Same(t, req, resp.Request)
	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, "got it", readBody(t, resp))

	ctx := roots.last(t)
	<-ctx.Log().WhenComplete()
	assert.NoError(t, ctx.Log().ResponseCause())
	assert.Equal(t, http.StatusOK, ctx.Log().Status())
	assert.Equal(t, int64(len("got it")), ctx.Log().ResponseLength())
	session := ctx.Log().Session()
	assert.Equal(t, protocol.H1C, session.Protocol)
	assert.Equal(t, server.Endpoint().Key(), session.Endpoint.Key())
	ep, ok := ctx.Endpoint()
	require.True(t, ok)
	assert.Equal(t, server.Port(), ep.PortOr(0))
	// The standard context ends once the response has been consumed.
	<-ctx.Context().Done()
	assert.NoError(t, ctx.Cause())

	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/foo", requests[0].Path)
}

func TestClientAuthorityOverride(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("ok"))
	res := dispatchtest.NewResolver("bar", netip.MustParseAddr("127.0.0.1"))
	client := newClient(t,
		dispatch.WithAuthority("foo"),
		dispatch.WithAddressResolver(res),
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
	)

	resp, err := get(t, context.Background(), client, server.URLFor("http", "bar", "/"))
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	requests := server.Requests()
	require.NotEmpty(t, requests)
	assert.Equal(t, "foo", requests[len(requests)-1].Host)
	assert.Positive(t, res.Lookups("bar"))

	// An additional authority header wins over the client authority.
	ctx := dispatch.WithCustomizer(context.Background(), func(ctx *dispatch.Context) error {
		ctx.SetAdditionalHeader(":authority", "baz")
		ctx.SetAdditionalHeader("X-Extra", "1")
		return nil
	})
	resp, err = get(t, ctx, client, server.URLFor("http", "bar", "/"))
	require.NoError(t, err)
	readBody(t, resp)
	requests = server.Requests()
	last := requests[len(requests)-1]
	assert.Equal(t, "baz", last.Host)
	assert.Equal(t, "1", last.Header.Get("X-Extra"))
}

func TestClientEndpointSubset(t *testing.T) {
	t.Parallel()
	_, err := dispatch.NewClient(dispatch.WithEndpointSubset(resolver.RendezvousConfig{}))
	require.Error(t, err)

	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("ok"))
	res := dispatchtest.NewResolver("bar", netip.MustParseAddr("127.0.0.1"))
	client := newClient(t,
		dispatch.WithAddressResolver(res),
		dispatch.WithEndpointSubset(resolver.RendezvousConfig{NumBackends: 1, SelectionKey: "client-a"}),
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
	)
	resp, err := get(t, context.Background(), client, server.URLFor("http", "bar", "/"))
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
}

func TestClientMissingAuthority(t *testing.T) {
	t.Parallel()
	var roots captureRoot
	client := newClient(t, dispatch.WithContextCustomizer(roots.customize))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "/foo", http.NoBody)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.True(t, dispatch.IsUnprocessed(err))
	require.ErrorIs(t, err, dispatch.ErrMissingAuthority)

	log := roots.last(t).Log()
	assert.True(t, log.IsComplete())
	assert.Same(t, log.RequestCause(), log.ResponseCause())
	assert.Equal(t, err, log.ResponseCause())
}

func TestClientBaseURI(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("ok"))
	client := newClient(t,
		dispatch.WithBaseURI(server.URLFor("h1c", "127.0.0.1", "/api/")),
	)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "/v1/items?limit=2", http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/api/v1/items", requests[0].Path)

	_, err = dispatch.NewClient(dispatch.WithBaseURI("/relative"))
	require.ErrorIs(t, err, dispatch.ErrMissingAuthority)
}

func TestClientSelectionTimeout(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	client := newClient(t,
		dispatch.WithEndpointGroup(endpoint.NewDynamic()),
		dispatch.WithSelectionTimeout(time.Second),
		dispatch.WithClock(clock),
	)

	errs := make(chan error, 1)
	go func() {
		_, err := get(t, context.Background(), client, "http://service/")
		errs <- err
	}()
	// The leaf sweeper and the selection timer.
	clocktest.AwaitTimers(t, clock, 2)
	clock.Advance(time.Second)

	err := <-errs
	require.Error(t, err)
	assert.True(t, dispatch.IsUnprocessed(err))
	var timeoutErr *dispatch.SelectionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, time.Second, timeoutErr.Timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientWaitsForEndpoints(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("late"))
	group := endpoint.NewDynamic()
	client := newClient(t,
		dispatch.WithEndpointGroup(group),
		dispatch.WithSessionProtocol(protocol.H1C),
	)
	go func() {
		time.Sleep(20 * time.Millisecond)
		group.Add(server.Endpoint())
	}()
	resp, err := get(t, context.Background(), client, "http://service/")
	require.NoError(t, err)
	assert.Equal(t, "late", readBody(t, resp))
	assert.Equal(t, "service", server.Requests()[0].Host)
}

func TestClientCancelledBeforeConnect(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("ok"))
	var opened atomic.Int32
	client := newClient(t, dispatch.WithConnectionPoolListener(pool.ListenerFuncs{
		OnOpen: func(pool.Key) { opened.Add(1) },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := get(t, ctx, client, server.URLFor("http", "127.0.0.1", "/"))
	require.Error(t, err)
	assert.True(t, dispatch.IsUnprocessed(err))
	var cancelled *dispatch.CancelledError
	require.ErrorAs(t, err, &cancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, opened.Load())
	assert.Empty(t, server.Requests())
}

func TestClientCustomizerError(t *testing.T) {
	t.Parallel()
	errRejected := errors.New("rejected")
	client := newClient(t, dispatch.WithContextCustomizer(func(*dispatch.Context) error {
		return errRejected
	}))
	_, err := get(t, context.Background(), client, "http://127.0.0.1:1/")
	require.ErrorIs(t, err, errRejected)
	assert.True(t, dispatch.IsUnprocessed(err))
}

func TestClientClosed(t *testing.T) {
	t.Parallel()
	client, err := dispatch.NewClient()
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	_, err = get(t, context.Background(), client, "http://127.0.0.1:1/")
	require.ErrorIs(t, err, dispatch.ErrClientClosed)
	assert.True(t, dispatch.IsUnprocessed(err))
}

func TestClientH2CNegotiation(t *testing.T) {
	t.Parallel()
	h2cServer := dispatchtest.NewServer(t, dispatchtest.H2C, okHandler("h2c"))
	h1Server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("h1"))
	cache := protocol.NewNegotiationCache()
	client := newClient(t, dispatch.WithNegotiationCache(cache))

	resp, err := get(t, context.Background(), client, h2cServer.URLFor("http", "127.0.0.1", "/"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "h2c", readBody(t, resp))
	assert.False(t, cache.IsUnsupported(h2cServer.Endpoint(), protocol.H2C))

	// Negotiated HTTP falls back to HTTP/1.1.
	resp, err = get(t, context.Background(), client, h1Server.URLFor("http", "127.0.0.1", "/"))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, "h1", readBody(t, resp))
	assert.True(t, cache.IsUnsupported(h1Server.Endpoint(), protocol.H2C))

	// Explicit H2C never does.
	_, err = get(t, context.Background(), client, h1Server.URLFor("h2c", "127.0.0.1", "/"))
	require.Error(t, err)
	assert.True(t, dispatch.IsUnprocessed(err))
	var negotiationErr *dispatch.SessionProtocolNegotiationError
	require.ErrorAs(t, err, &negotiationErr)
	assert.Equal(t, protocol.H2C, negotiationErr.Protocol)
	require.ErrorIs(t, err, protocol.ErrUnsupported)
}

func TestClientExplicitH2CProbe(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("h1"))
	cache := protocol.NewNegotiationCache()
	client := newClient(t, dispatch.WithNegotiationCache(cache))

	_, err := get(t, context.Background(), client, server.URLFor("h2c", "127.0.0.1", "/"))
	require.ErrorIs(t, err, protocol.ErrUnsupported)
	assert.True(t, cache.IsUnsupported(server.Endpoint(), protocol.H2C))
	assert.Empty(t, server.Requests())
}

func TestClientTLS(t *testing.T) {
	t.Parallel()
	h2Server := dispatchtest.NewServer(t, dispatchtest.TLS, okHandler("h2"))
	h1Server := dispatchtest.NewServer(t, dispatchtest.TLSHTTP1, okHandler("h1"))
	cache := protocol.NewNegotiationCache()
	var roots captureRoot
	client := newClient(t,
		dispatch.WithTLSConfig(dispatchtest.ClientTLSConfig(), 0),
		dispatch.WithNegotiationCache(cache),
		dispatch.WithContextCustomizer(roots.customize),
	)

	resp, err := get(t, context.Background(), client, h2Server.URLFor("https", "127.0.0.1", "/"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "h2", readBody(t, resp))
	assert.Equal(t, protocol.H2, roots.last(t).Log().Session().Protocol)

	resp, err = get(t, context.Background(), client, h1Server.URLFor("https", "127.0.0.1", "/"))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, "h1", readBody(t, resp))
	assert.Equal(t, protocol.H1, roots.last(t).Log().Session().Protocol)
	assert.True(t, cache.IsUnsupported(h1Server.Endpoint(), protocol.H2))
	assert.False(t, cache.IsUnsupported(h2Server.Endpoint(), protocol.H2))
}

func TestClientResponseTimeout(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	client := newClient(t, dispatch.WithResponseTimeout(50*time.Millisecond))

	_, err := get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/"))
	require.Error(t, err)
	assert.False(t, dispatch.IsUnprocessed(err))
	var timeoutErr *dispatch.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dispatch.PhaseResponse, timeoutErr.Phase)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientResponseTimeoutPerRequest(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = io.WriteString(w, "slow")
	}))
	client := newClient(t, dispatch.WithResponseTimeout(10*time.Millisecond))
	ctx := dispatch.WithCustomizer(context.Background(), func(ctx *dispatch.Context) error {
		ctx.ClearResponseTimeout()
		return nil
	})
	resp, err := get(t, ctx, client, server.URLFor("h1c", "127.0.0.1", "/"))
	require.NoError(t, err)
	assert.Equal(t, "slow", readBody(t, resp))
}

func TestClientMaxResponseLength(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/declared" {
			w.Header().Set("Content-Length", "100")
			_, _ = w.Write(make([]byte, 100))
			return
		}
		flusher, _ := w.(http.Flusher)
		for range 5 {
			_, _ = w.Write(make([]byte, 10))
			flusher.Flush()
		}
	}))
	var roots captureRoot
	client := newClient(t,
		dispatch.WithMaxResponseLength(25),
		dispatch.WithContextCustomizer(roots.customize),
	)

	_, err := get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/declared"))
	var tooLarge *dispatch.ContentTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(100), tooLarge.Length)
	var protocolErr *dispatch.ProtocolError
	require.ErrorAs(t, err, &protocolErr)

	resp, err := get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/streamed"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(-1), tooLarge.Length)
	assert.LessOrEqual(t, len(body), 25)
	require.NoError(t, resp.Body.Close())

	log := roots.last(t).Log()
	<-log.WhenComplete()
	require.ErrorAs(t, log.ResponseCause(), &tooLarge)
}

func TestClientRedirects(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "done")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/hop/{n}", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.PathValue("n"))
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusSeeOther)
	})
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, mux)
	var roots captureRoot
	client := newClient(t,
		dispatch.WithRedirects(dispatch.FollowRedirects(3)),
		dispatch.WithContextCustomizer(roots.customize),
	)

	resp, err := get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/a"))
	require.NoError(t, err)
	assert.Equal(t, "done", readBody(t, resp))
	assert.Equal(t, "/b", resp.Request.URL.Path)
	root := roots.last(t)
	<-root.Log().WhenComplete()
	assert.Len(t, root.Log().Children(), 2)
	assert.Len(t, root.Children(), 2)
	assert.Equal(t, http.StatusOK, root.Log().Status())

	_, err = get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/loop"))
	var loopErr *dispatch.RedirectLoopError
	require.ErrorAs(t, err, &loopErr)

	_, err = get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/hop/0"))
	require.ErrorContains(t, err, "too many redirects")

	// The standard client leaves redirects to the dispatch client.
	stdResp, err := client.StdClient().Get(server.URLFor("http", "127.0.0.1", "/a"))
	require.NoError(t, err)
	assert.Equal(t, "done", readBody(t, stdResp))
}

// handled returns the requests a server answered, leaving out HTTP/2
// connection prefaces sent to find out whether it speaks h2c.
func handled(server *dispatchtest.Server) []dispatchtest.Request {
	var requests []dispatchtest.Request
	for _, req := range server.Requests() {
		if req.Method != "PRI" {
			requests = append(requests, req)
		}
	}
	return requests
}

func redirectTo(location string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, location, http.StatusFound)
	})
}

func TestClientRedirectAcrossSchemes(t *testing.T) {
	t.Parallel()
	secure := dispatchtest.NewServer(t, dispatchtest.TLS, okHandler("secure"))
	plain := dispatchtest.NewServer(t, dispatchtest.HTTP1, redirectTo(secure.URLFor("https", "127.0.0.1", "/landing")))
	prior := dispatchtest.NewServer(t, dispatchtest.H2C, redirectTo(secure.URLFor("https", "127.0.0.1", "/landing")))
	var roots captureRoot
	client := newClient(t,
		dispatch.WithRedirects(dispatch.FollowRedirects(3)),
		dispatch.WithTLSConfig(dispatchtest.ClientTLSConfig(), 0),
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
		dispatch.WithContextCustomizer(roots.customize),
	)

	for _, start := range []string{
		plain.URLFor("http", "127.0.0.1", "/start"),
		prior.URLFor("h2c", "127.0.0.1", "/start"),
	} {
		resp, err := get(t, context.Background(), client, start)
		require.NoError(t, err, start)
		assert.Equal(t, "secure", readBody(t, resp), start)

		root := roots.last(t)
		awaitComplete(t, root)
		children := root.Children()
		require.Len(t, children, 2, start)
		assert.Equal(t, protocol.HTTPS, children[1].SessionProtocol(), start)
		assert.Equal(t, protocol.H2, children[1].Log().Session().Protocol, start)
	}
	requests := secure.Requests()
	require.Len(t, requests, 2)
	for _, req := range requests {
		assert.Equal(t, "/landing", req.Path)
		assert.Equal(t, secure.Listener.Addr().String(), req.Host)
	}
	assert.Len(t, handled(plain), 1)
	assert.Len(t, handled(prior), 1)
}

func TestClientRedirectWithBaseURI(t *testing.T) {
	t.Parallel()
	other := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("other"))
	mux := http.NewServeMux()
	mux.Handle("/api/away", redirectTo(other.URLFor("http", "127.0.0.1", "/landing")))
	mux.Handle("/api/moved", redirectTo("/api/landing"))
	mux.Handle("/api/landing", okHandler("home"))
	home := dispatchtest.NewServer(t, dispatchtest.HTTP1, mux)
	client := newClient(t,
		dispatch.WithBaseURI(home.URLFor("h1c", "127.0.0.1", "/api/")),
		dispatch.WithAuthority("svc.internal"),
		dispatch.WithRedirects(dispatch.FollowRedirects(3)),
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
	)
	do := func(path string) string {
		t.Helper()
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, path, http.NoBody)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		return readBody(t, resp)
	}

	// A redirect to another host leaves the base URI and the client
	// authority behind.
	assert.Equal(t, "other", do("/away"))
	otherRequests := handled(other)
	require.Len(t, otherRequests, 1)
	assert.Equal(t, "/landing", otherRequests[0].Path)
	assert.Equal(t, other.Listener.Addr().String(), otherRequests[0].Host)

	// A relative redirect resolves against the URL actually requested.
	assert.Equal(t, "home", do("/moved"))
	paths := make([]string, 0, 3)
	for _, req := range handled(home) {
		paths = append(paths, req.Path)
		assert.Equal(t, "svc.internal", req.Host)
	}
	assert.Equal(t, []string{"/api/away", "/api/moved", "/api/landing"}, paths)
}

func TestClientConnectionPoolListener(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, okHandler("ok"))
	var opened, closed atomic.Int32
	client, err := dispatch.NewClient(dispatch.WithConnectionPoolListener(pool.ListenerFuncs{
		OnOpen: func(key pool.Key) {
			if key.Protocol == protocol.H1C {
				opened.Add(1)
			}
		},
		OnClosed: func(key pool.Key) {
			if key.Protocol == protocol.H1C {
				closed.Add(1)
			}
		},
	}))
	require.NoError(t, err)

	for range 3 {
		resp, err := get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/"))
		require.NoError(t, err)
		readBody(t, resp)
	}
	// Requests in sequence share one connection.
	assert.Equal(t, int32(1), opened.Load())
	stats := client.ConnectionStats()
	require.Len(t, stats, 1)
	for key, stat := range stats {
		assert.Equal(t, protocol.H1C, key.Protocol)
		assert.Equal(t, 1, stat.Open)
	}

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestClientRootContextCancellation(t *testing.T) {
	t.Parallel()
	rootCtx, cancel := context.WithCancel(context.Background())
	client := newClient(t, dispatch.WithRootContext(rootCtx))
	cancel()
	assert.Eventually(t, func() bool {
		_, err := get(t, context.Background(), client, "http://127.0.0.1:1/")
		return errors.Is(err, dispatch.ErrClientClosed)
	}, 5*time.Second, 10*time.Millisecond)
}

// streamingHandler sends the headers and a first chunk, then holds the
// response open until the client goes away.
func streamingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush() //nolint:forcetypeassert,errcheck
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	})
}

func awaitComplete(t *testing.T, ctx *dispatch.Context) {
	t.Helper()
	select {
	case <-ctx.Log().WhenComplete():
	case <-time.After(5 * time.Second):
		t.Fatal("request log did not complete")
	}
}

func TestClientCancelAfterHeaders(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, streamingHandler())
	var roots captureRoot
	client := newClient(t,
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
		dispatch.WithContextCustomizer(roots.customize),
	)
	idle := func() bool {
		for _, stat := range client.ConnectionStats() {
			if stat.Busy > 0 {
				return false
			}
		}
		return true
	}

	resp, err := get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/"))
	require.NoError(t, err)
	root := roots.last(t)
	// The body is left untouched.
	root.Cancel(nil)
	awaitComplete(t, root)
	require.ErrorIs(t, root.Log().ResponseCause(), dispatch.ErrCancelled)
	assert.Eventually(t, idle, 5*time.Second, 10*time.Millisecond)
	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, dispatch.ErrCancelled)
	require.NoError(t, resp.Body.Close())

	resp, err = get(t, context.Background(), client, server.URLFor("h1c", "127.0.0.1", "/"))
	require.NoError(t, err)
	root = roots.last(t)
	root.TimeoutNow()
	awaitComplete(t, root)
	var timeoutErr *dispatch.TimeoutError
	require.ErrorAs(t, root.Log().ResponseCause(), &timeoutErr)
	assert.Equal(t, dispatch.PhaseResponse, timeoutErr.Phase)
	assert.Eventually(t, idle, 5*time.Second, 10*time.Millisecond)
	_ = resp.Body.Close()
}

// cancellingPicker cancels the request it picks an endpoint for, so the
// request is already cancelled when the protocol is negotiated.
type cancellingPicker struct {
	endpoint endpoint.Endpoint
	root     *atomic.Pointer[dispatch.Context]
}

func (p cancellingPicker) Pick(*http.Request) (endpoint.Endpoint, func(), error) {
	p.root.Load().Cancel(nil)
	return p.endpoint, nil, nil
}

func TestClientCancelledBeforeNegotiation(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.H2C, okHandler("ok"))
	var root atomic.Pointer[dispatch.Context]
	var opened atomic.Int32
	client := newClient(t,
		dispatch.WithNegotiationCache(protocol.NewNegotiationCache()),
		dispatch.WithContextCustomizer(func(ctx *dispatch.Context) error {
			root.Store(ctx)
			return nil
		}),
		dispatch.WithPicker(func(_ picker.Picker, endpoints []endpoint.Endpoint) picker.Picker {
			return cancellingPicker{endpoint: endpoints[0], root: &root}
		}),
		dispatch.WithConnectionPoolListener(pool.ListenerFuncs{
			OnOpen: func(pool.Key) { opened.Add(1) },
		}),
	)

	_, err := get(t, context.Background(), client, server.URLFor("http", "127.0.0.1", "/"))
	var cancelled *dispatch.CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.True(t, dispatch.IsUnprocessed(err))
	assert.Zero(t, opened.Load())
	assert.Empty(t, server.Requests())
}
