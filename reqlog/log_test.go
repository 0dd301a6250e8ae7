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

package reqlog_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/internal/clocktest"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/bufbuild/dispatch/reqlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLifecycle(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	log := reqlog.New(clock)

	var calls []string
	log.OnComplete(func(*reqlog.Log) { calls = append(calls, "first") })
	log.OnComplete(func(*reqlog.Log) { calls = append(calls, "second") })

	req := httptest.NewRequest(http.MethodGet, "http://foo.example.com/path?q=1", nil)
	req.Header.Set("X-Test", "yes")
	log.SetRequestHeaders(req)
	log.SetSession(reqlog.SessionInfo{Endpoint: endpoint.Of("bar", 8080), Protocol: protocol.H2C})
	// Fields are write-once.
	log.SetSession(reqlog.SessionInfo{Endpoint: endpoint.Of("baz", 8080)})
	log.EndRequest(nil)
	assert.True(t, log.IsAvailable(reqlog.RequestStart|reqlog.RequestHeaders|reqlog.Session|reqlog.RequestEnd))
	assert.False(t, log.IsComplete())

	clock.Advance(time.Second)
	log.SetResponseHeaders(&http.Response{StatusCode: http.StatusTeapot, Header: http.Header{"A": {"b"}}})
	log.IncreaseResponseLength(10)
	log.IncreaseResponseLength(5)
	log.EndResponse(nil)
	// Ignored once ended.
	log.IncreaseResponseLength(100)
	log.EndResponse(errors.New("too late"))

	<-log.WhenComplete()
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, http.MethodGet, log.Method())
	assert.Equal(t, "foo.example.com", log.Authority())
	assert.Equal(t, "/path?q=1", log.Path())
	assert.Equal(t, "yes", log.RequestHeaders().Get("X-Test"))
	assert.Equal(t, "bar", log.Session().Endpoint.Host())
	assert.Equal(t, http.StatusTeapot, log.Status())
	assert.Equal(t, "b", log.ResponseHeaders().Get("A"))
	assert.Equal(t, int64(15), log.ResponseLength())
	require.NoError(t, log.ResponseCause())
	assert.Equal(t, time.Second, log.Duration())

	// Late registrations run immediately.
	var late bool
	log.OnComplete(func(*reqlog.Log) { late = true })
	assert.True(t, late)
}

func TestLogFail(t *testing.T) {
	t.Parallel()
	log := reqlog.New(nil)
	var completions atomic.Int32
	log.OnComplete(func(*reqlog.Log) { completions.Add(1) })

	cause := errors.New("no endpoints")
	log.Fail(cause)
	log.Fail(errors.New("second"))
	log.EndResponse(nil)

	assert.True(t, log.IsComplete())
	assert.Equal(t, int32(1), completions.Load())
	assert.Same(t, cause, log.RequestCause())
	assert.Same(t, cause, log.ResponseCause())
	assert.Zero(t, log.Status())
}

func TestLogEndResponseEndsRequest(t *testing.T) {
	t.Parallel()
	log := reqlog.New(nil)
	cause := errors.New("reset")
	log.StartRequest()
	log.EndResponse(cause)
	assert.True(t, log.IsComplete())
	assert.Same(t, cause, log.RequestCause())
}

func TestLogCompletesOnceConcurrently(t *testing.T) {
	t.Parallel()
	log := reqlog.New(nil)
	var completions atomic.Int32
	log.OnComplete(func(*reqlog.Log) { completions.Add(1) })
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				log.EndRequest(nil)
			} else {
				log.EndResponse(nil)
			}
		}()
	}
	wg.Wait()
	<-log.WhenComplete()
	assert.Equal(t, int32(1), completions.Load())
}

func TestLogChildren(t *testing.T) {
	t.Parallel()
	root := reqlog.New(nil)
	root.StartRequest()
	root.EndRequest(nil)

	first := reqlog.New(nil)
	root.AddChild(first)
	assert.Same(t, root, first.Parent())
	first.SetResponseHeaders(&http.Response{StatusCode: http.StatusServiceUnavailable})
	first.EndRequest(nil)
	first.EndResponse(nil)
	// Children alone do not end the parent.
	assert.False(t, root.IsComplete())

	second := reqlog.New(nil)
	root.AddChild(second)
	root.EndResponseWithLastChild()
	second.SetResponseHeaders(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}})
	second.IncreaseResponseLength(42)
	second.EndRequest(nil)
	assert.False(t, root.IsComplete())
	second.EndResponse(nil)

	<-root.WhenComplete()
	assert.Equal(t, []*reqlog.Log{first, second}, root.Children())
	assert.Equal(t, http.StatusOK, root.Status())
	assert.Equal(t, int64(42), root.ResponseLength())
}

func TestLogEndResponseWithCompletedLastChild(t *testing.T) {
	t.Parallel()
	root := reqlog.New(nil)
	child := reqlog.New(nil)
	root.AddChild(child)
	cause := errors.New("attempt failed")
	child.Fail(cause)
	assert.False(t, root.IsComplete())

	root.EndResponseWithLastChild()
	assert.True(t, root.IsComplete())
	assert.Same(t, cause, root.ResponseCause())
	assert.Same(t, cause, root.RequestCause())
	assert.Equal(t, "RequestEnd|ResponseEnd", (reqlog.RequestEnd | reqlog.ResponseEnd).String())
}
