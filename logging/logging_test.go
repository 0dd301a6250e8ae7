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

package logging_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/dispatch"
	"github.com/bufbuild/dispatch/internal/dispatchtest"
	"github.com/bufbuild/dispatch/logging"
	"github.com/bufbuild/dispatch/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLogger(out io.Writer, level pslog.Level) pslog.Logger {
	return pslog.NewWithOptions(context.Background(), out, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	})
}

func send(t *testing.T, client *dispatch.HTTPClient, url string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-Trace", "abc")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
}

func TestLoggingDecorator(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "hello")
	}))
	var logs syncBuffer
	client, err := dispatch.NewClient(dispatch.WithDecorators(logging.NewDecorator(
		newLogger(&logs, pslog.DebugLevel),
		logging.WithRequestHeaders("x-trace"),
	)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })

	send(t, client, server.URLFor("h1c", "127.0.0.1", "/ok"))
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("dispatch.request"))
	}, 5*time.Second, 10*time.Millisecond)
	out := logs.String()
	assert.Contains(t, out, "request_id")
	assert.Contains(t, out, "/ok")
	assert.Contains(t, out, "h1c")
	assert.Contains(t, out, "abc")
	assert.NotContains(t, out, "dispatch.request.failed")

	send(t, client, server.URLFor("h1c", "127.0.0.1", "/fail"))
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("dispatch.request.failed"))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "502")
}

func TestLoggingDecoratorLevels(t *testing.T) {
	t.Parallel()
	server := dispatchtest.NewServer(t, dispatchtest.HTTP1, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	var logs syncBuffer
	var attempts sync.WaitGroup
	attempts.Add(2)
	counter := dispatch.DecoratorFunc(func(delegate dispatch.Client, ctx *dispatch.Context, req *http.Request) (*http.Response, error) {
		defer attempts.Done()
		return delegate.Execute(ctx, req)
	})
	client, err := dispatch.NewClient(dispatch.WithDecorators(
		counter,
		retry.NewDecorator(
			retry.NewRuleBuilder().OnServerErrorStatus().ThenBackoff(retry.NoDelay()),
			retry.WithMaxTotalAttempts(2),
		),
		logging.NewDecorator(newLogger(&logs, pslog.InfoLevel)),
	))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })

	send(t, client, server.URLFor("h1c", "127.0.0.1", "/"))
	attempts.Wait()
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("dispatch.request.failed"))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "attempts")
	assert.Contains(t, logs.String(), "503")

	// Successful requests log at debug, below the logger's level.
	var quiet syncBuffer
	okServer := dispatchtest.NewServer(t, dispatchtest.HTTP1, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	done := make(chan struct{})
	quietClient, err := dispatch.NewClient(
		dispatch.WithContextCustomizer(func(ctx *dispatch.Context) error {
			go func() {
				<-ctx.Log().WhenComplete()
				close(done)
			}()
			return nil
		}),
		dispatch.WithDecorators(logging.NewDecorator(newLogger(&quiet, pslog.InfoLevel))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, quietClient.Close()) })
	send(t, quietClient, okServer.URLFor("h1c", "127.0.0.1", "/"))
	<-done
	assert.Empty(t, quiet.String())
}
