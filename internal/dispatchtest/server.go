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

// Package dispatchtest holds test servers and resolvers shared by the
// tests of the dispatch packages.
package dispatchtest

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync"
	"testing"

	"github.com/bufbuild/dispatch/endpoint"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Kind is the protocol a test server speaks.
type Kind int

const (
	// HTTP1 is HTTP/1.1 over cleartext.
	HTTP1 Kind = iota
	// H2C is HTTP/2 over cleartext with prior knowledge, and HTTP/1.1.
	H2C
	// TLS is HTTPS offering h2 and http/1.1 with the localhost
	// certificate.
	TLS
	// TLSHTTP1 is HTTPS offering only http/1.1.
	TLSHTTP1
)

// Request is what a test server saw of one request.
type Request struct {
	Method string
	Host   string
	Path   string
	Proto  string
	Header http.Header
}

// Server is a started test server that records the requests it gets.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
}

// NewServer starts a server of the given kind that records each request
// and then calls handler. It is closed when the test ends.
func NewServer(tb testing.TB, kind Kind, handler http.Handler) *Server {
	tb.Helper()
	server := &Server{}
	recording := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.mu.Lock()
		server.requests = append(server.requests, Request{
			Method: r.Method,
			Host:   r.Host,
			Path:   r.URL.Path,
			Proto:  r.Proto,
			Header: r.Header.Clone(),
		})
		server.mu.Unlock()
		handler.ServeHTTP(w, r)
	})
	switch kind {
	case H2C:
		server.Server = httptest.NewServer(h2c.NewHandler(recording, &http2.Server{}))
	case TLS, TLSHTTP1:
		server.Server = httptest.NewUnstartedServer(recording)
		server.TLS = &tls.Config{Certificates: []tls.Certificate{ServerCertificate()}, MinVersion: tls.VersionTLS12}
		server.EnableHTTP2 = kind == TLS
		server.StartTLS()
	default:
		server.Server = httptest.NewServer(recording)
	}
	tb.Cleanup(server.Close)
	return server
}

// Requests returns the requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.Listener.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert,errcheck
}

// Endpoint returns the server's address as an endpoint.
func (s *Server) Endpoint() endpoint.Endpoint {
	return endpoint.Of("127.0.0.1", s.Port())
}

// URL returns a URL for path on the server, with the given scheme and
// host name.
func (s *Server) URLFor(scheme, host, path string) string {
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(s.Port())), path)
}

// Resolver is an address resolver with a fixed table of answers.
type Resolver struct {
	mu      sync.Mutex
	answers map[string][]netip.Addr
	lookups map[string]int
}

// NewResolver returns a resolver that answers host with addrs.
func NewResolver(host string, addrs ...netip.Addr) *Resolver {
	res := &Resolver{answers: map[string][]netip.Addr{}, lookups: map[string]int{}}
	res.Set(host, addrs...)
	return res
}

// Set replaces the answer for host.
func (r *Resolver) Set(host string, addrs ...netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[host] = addrs
}

// Lookups returns how many times host was looked up.
func (r *Resolver) Lookups(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups[host]
}

// LookupNetIP implements resolver.AddressResolver.
func (r *Resolver) LookupNetIP(_ context.Context, host string) ([]netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[host]++
	addrs, ok := r.answers[host]
	if !ok || len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return append([]netip.Addr(nil), addrs...), nil
}
