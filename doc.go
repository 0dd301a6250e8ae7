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

// Package dispatch provides an HTTP client for server-to-server
// communication, like RPC. On top of net/http it adds endpoint
// resolution and selection, health checking, session protocol
// negotiation, connection accounting, and per-request contexts with
// timeouts and cancellation that decorators such as retries can build
// on.
//
// To create a new client use the [NewClient] function. The returned
// [HTTPClient] sends requests with [HTTPClient.Do] and also implements
// http.RoundTripper, so [HTTPClient.StdClient] can hand it to code that
// expects an *http.Client. The client must be closed with
// [HTTPClient.Close] to stop name resolution and health checks and to
// close idle connections.
//
// # Request Contexts
//
// Every request gets a [Context]. It holds the session protocol, the
// endpoint group and the endpoint chosen for the request, its timeouts,
// additional headers, typed attributes and a request log. A request is
// cancelled at most once: the first cause wins, whether it comes from
// [Context.Cancel], a timeout, or the caller's context, and that same
// error value is what the request fails with.
//
// Decorators that send a request more than once, like the retry and
// redirect decorators, derive a child context per attempt with
// [Context.Derive]. Children see the attributes of their parent as of
// derivation, have their own log and timeout, and are cancelled with
// their parent.
//
// # Authorities
//
// The endpoints of a request come from the client's endpoint group when
// one is configured with [WithEndpointGroup]. Otherwise they are resolved
// from an authority: the base URI's when [WithBaseURI] is used, else the
// ":authority" additional header, else the host of the request URL.
//
// The authority sent on the wire is, in order of precedence, the
// additional header, the client's [WithAuthority], the request's Host,
// the host of the request URL, and finally the endpoint itself. So
// WithAuthority changes the Host header without changing where requests
// go.
//
// # Session Protocols
//
// The URL scheme picks the session protocol. "http" tries HTTP/2 with
// prior knowledge and falls back to HTTP/1.1, remembering endpoints that
// do not speak HTTP/2 in a [protocol.NegotiationCache]. "https" uses ALPN.
// The "h1", "h1c", "h2" and "h2c" schemes name one protocol and never fall
// back.
//
// # Transport Architecture
//
// The client's innermost Client resolves the authority into an endpoint
// group, kept per authority until it has been idle for a while, and
// selects one endpoint per request with a [picker.Selector]. Each
// endpoint and session protocol has its own leaf *http.Transport whose
// connections are all dialed through a [pool.Pool], which bounds and
// counts them and reports them to [pool.Listener] implementations such
// as the Prometheus listener in the metrics package.
package dispatch
