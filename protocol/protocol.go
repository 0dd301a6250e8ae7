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

// Package protocol defines session protocols, the wire-level variants of
// HTTP a connection can speak, and remembers which of them a remote
// peer is known not to support.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// SessionProtocol is a wire-level HTTP variant.
type SessionProtocol string

// Session protocols. HTTP and HTTPS negotiate: HTTP tries HTTP/2 with
// prior knowledge and falls back to HTTP/1.1, HTTPS uses ALPN. The
// others are explicit and never fall back.
const (
	HTTP  SessionProtocol = "http"
	HTTPS SessionProtocol = "https"
	H1    SessionProtocol = "h1"
	H1C   SessionProtocol = "h1c"
	H2    SessionProtocol = "h2"
	H2C   SessionProtocol = "h2c"
)

const domainSocketSuffix = "+unix"

// ErrUnsupported is wrapped by errors about protocols a peer does not
// speak.
var ErrUnsupported = errors.New("session protocol not supported")

// All returns every session protocol.
func All() []SessionProtocol {
	return []SessionProtocol{HTTP, HTTPS, H1, H1C, H2, H2C}
}

// ParseScheme parses a URI scheme. Scheme names are case-insensitive.
// A "+unix" suffix, as in "h2c+unix", selects a Unix domain socket
// transport; domainSocket reports whether it was present.
func ParseScheme(scheme string) (protocol SessionProtocol, domainSocket bool, err error) {
	name := strings.ToLower(scheme)
	if trimmed, ok := strings.CutSuffix(name, domainSocketSuffix); ok {
		name, domainSocket = trimmed, true
	}
	// "none+h2c" style serialization prefixes carry no transport meaning.
	name = strings.TrimPrefix(name, "none+")
	protocol = SessionProtocol(name)
	if !protocol.Valid() {
		return "", false, fmt.Errorf("unknown session protocol %q", scheme)
	}
	return protocol, domainSocket, nil
}

// Valid reports whether p is one of the defined protocols.
func (p SessionProtocol) Valid() bool {
	switch p {
	case HTTP, HTTPS, H1, H1C, H2, H2C:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (p SessionProtocol) String() string {
	return string(p)
}

// IsTLS reports whether p runs over TLS.
func (p SessionProtocol) IsTLS() bool {
	return p == HTTPS || p == H1 || p == H2
}

// IsExplicitHTTP1 reports whether p always uses HTTP/1.1.
func (p SessionProtocol) IsExplicitHTTP1() bool {
	return p == H1 || p == H1C
}

// IsExplicitHTTP2 reports whether p always uses HTTP/2.
func (p SessionProtocol) IsExplicitHTTP2() bool {
	return p == H2 || p == H2C
}

// IsNegotiated reports whether the HTTP version is decided per
// connection.
func (p SessionProtocol) IsNegotiated() bool {
	return p == HTTP || p == HTTPS
}

// DefaultPort returns 443 for TLS protocols and 80 for the others.
func (p SessionProtocol) DefaultPort() int {
	if p.IsTLS() {
		return 443
	}
	return 80
}

// URLScheme returns the scheme used for requests on the wire, "http" or
// "https".
func (p SessionProtocol) URLScheme() string {
	if p.IsTLS() {
		return "https"
	}
	return "http"
}

// HTTP1 returns the HTTP/1.1 variant with the same security as p.
func (p SessionProtocol) HTTP1() SessionProtocol {
	if p.IsTLS() {
		return H1
	}
	return H1C
}

// HTTP2 returns the HTTP/2 variant with the same security as p.
func (p SessionProtocol) HTTP2() SessionProtocol {
	if p.IsTLS() {
		return H2
	}
	return H2C
}
