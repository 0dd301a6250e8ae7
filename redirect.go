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

package dispatch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/bufbuild/dispatch/protocol"
)

// RedirectFunc is a function that advises an HTTP client on whether to
// follow a redirect. The given req is the redirected request, based on
// the server's previous status code and "Location" header, and the given
// via is the set of requests already issued, each resulting in a redirect.
// The via slice is sorted oldest first, so the first element is always
// the original request and the last element is the latest redirect.
//
// Returning http.ErrUseLastResponse stops following and returns the
// redirect response itself.
//
// See FollowRedirects.
type RedirectFunc func(req *http.Request, via []*http.Request) error

// FollowRedirects is a helper to create a RedirectFunc that will follow
// up to the given number of redirects. If a request sequence results in more
// redirects than the given limit, the request will fail.
func FollowRedirects(limit int) RedirectFunc {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return fmt.Errorf("too many redirects (> %d)", limit)
		}
		return nil
	}
}

// RedirectLoopError means a redirect led back to a request already made.
type RedirectLoopError struct {
	URL string
}

func (e *RedirectLoopError) Error() string {
	return "redirect loop at " + e.URL
}

// maxDrainBytes bounds how much of a redirect body is read so that its
// connection can be reused.
const maxDrainBytes = 2 << 10

type redirectingClient struct {
	delegate Client
	check    RedirectFunc
	base     *url.URL
}

// redirectHop marks a context derived to follow a redirect. Its request
// URL is absolute, so a base URI no longer applies. crossHost means the
// target is not the host of the original request, so neither the client
// authority nor an endpoint group given for the original host applies.
type redirectHop struct {
	crossHost bool
}

func redirectDecorator(check RedirectFunc, base *url.URL) Decorator {
	return func(delegate Client) Client {
		return &redirectingClient{delegate: delegate, check: check, base: base}
	}
}

func (r *redirectingClient) Unwrap() Client {
	return r.delegate
}

// Execute sends each hop with its own context derived from ctx. The log
// of ctx ends with the last hop.
func (r *redirectingClient) Execute(ctx *Context, req *http.Request) (*http.Response, error) {
	var via []*http.Request
	var visited []string
	current, attempt := req, ctx.Derive(req)
	// target is where current actually goes, with any base URI applied.
	target := r.firstTarget(req)
	origin := target.Host
	for {
		resp, err := r.delegate.Execute(attempt, current)
		if err != nil {
			return nil, ctx.fail(err)
		}
		next := redirectRequest(resp, current, target)
		if next == nil {
			ctx.log.EndResponseWithLastChild()
			return resp, nil
		}
		via = append(via, current)
		visited = append(visited, current.Method+" "+target.String())
		err = r.check(next, via)
		if err == nil {
			err = checkLoop(next, visited)
		}
		if errors.Is(err, http.ErrUseLastResponse) {
			ctx.log.EndResponseWithLastChild()
			return resp, nil
		}
		drain(resp)
		if err != nil {
			return nil, ctx.fail(err)
		}
		proto := attempt.SessionProtocol()
		if !strings.EqualFold(next.URL.Scheme, target.Scheme) {
			if proto, err = redirectProtocol(next.URL.Scheme); err != nil {
				return nil, ctx.fail(err)
			}
		}
		hop := &redirectHop{crossHost: !strings.EqualFold(next.URL.Host, origin)}
		attempt = ctx.derive(next, func(child *Context) {
			child.protocol = proto
			child.hop = hop
		})
		if hop.crossHost {
			attempt.setEndpointGroup(nil)
			attempt.RemoveAdditionalHeader(pseudoAuthority)
			attempt.RemoveAdditionalHeader("Host")
		}
		current, target = next, next.URL
	}
}

// firstTarget returns the URL the original request is sent to.
func (r *redirectingClient) firstTarget(req *http.Request) *url.URL {
	if r.base == nil {
		return req.URL
	}
	target := joinBase(r.base, req.URL)
	target.Scheme, target.Host = r.base.Scheme, r.base.Host
	return target
}

// redirectProtocol returns the session protocol for a redirect target
// whose scheme differs from the previous hop.
func redirectProtocol(scheme string) (protocol.SessionProtocol, error) {
	proto, domainSocket, err := protocol.ParseScheme(scheme)
	if err != nil {
		return "", fmt.Errorf("redirect: %w", err)
	}
	if domainSocket {
		return "", fmt.Errorf("redirect: scheme %q: domain sockets are reached through WithEndpointGroup", scheme)
	}
	return proto, nil
}

// redirectRequest returns the request a redirect response asks for, or
// nil when resp is not a redirect that can be followed. from is the URL
// req was sent to; relative locations resolve against it.
func redirectRequest(resp *http.Response, req *http.Request, from *url.URL) *http.Request {
	var method string
	var keepBody bool
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		method = http.MethodGet
		if req.Method == http.MethodHead {
			method = http.MethodHead
		}
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		method, keepBody = req.Method, true
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			// The body was consumed and cannot be sent again.
			return nil
		}
	default:
		return nil
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return nil
	}
	target, err := from.Parse(location)
	if err != nil {
		return nil
	}
	next := &http.Request{
		Method: method,
		URL:    target,
		Header: req.Header.Clone(),
	}
	if target.Host == "" || target.Host == from.Host {
		next.Host = req.Host
	}
	if !sameHost(target, from) {
		for _, name := range []string{"Authorization", "Www-Authenticate", "Cookie", "Cookie2"} {
			next.Header.Del(name)
		}
	}
	if keepBody && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil
		}
		next.Body, next.GetBody, next.ContentLength = body, req.GetBody, req.ContentLength
	}
	return next.WithContext(req.Context())
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

// checkLoop fails when next repeats a request in visited, each recorded
// as its method and target URL.
func checkLoop(next *http.Request, visited []string) error {
	if slices.Contains(visited, next.Method+" "+next.URL.String()) {
		return &RedirectLoopError{URL: next.URL.String()}
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	_ = resp.Body.Close()
}
