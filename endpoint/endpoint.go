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

package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/bufbuild/dispatch/attribute"
)

// DefaultWeight is the weight of an endpoint unless WithWeight says
// otherwise.
const DefaultWeight = 1000

const domainSocketPrefix = "unix:"

// Endpoint identifies a remote target: a host name, an optional resolved
// IP address and an optional port. An endpoint with no port is distinct
// from one with the scheme's default port; the port is filled in at
// dial time.
//
// Endpoint is an immutable value. The With methods return modified
// copies.
type Endpoint struct {
	host       string
	ip         netip.Addr
	port       int
	socketPath string
	weight     int
	attrs      attribute.Values
}

// Of returns an endpoint for host and port. A port of zero means no
// port. If host is an IP literal, the endpoint's IP address is set too.
func Of(host string, port int) Endpoint {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	ep := Endpoint{host: host, port: port, weight: DefaultWeight}
	if addr, err := netip.ParseAddr(host); err == nil {
		ep.ip = addr
	}
	return ep
}

// OfDomainSocket returns an endpoint that is reached through the Unix
// domain socket at path.
func OfDomainSocket(path string) Endpoint {
	return Endpoint{host: domainSocketPrefix + path, socketPath: path, weight: DefaultWeight}
}

// Parse parses an authority of the form host, host:, host:port,
// [ipv6]:port or unix:/path. A trailing colon with no digits yields an
// endpoint with no port.
func Parse(authority string) (Endpoint, error) {
	if authority == "" {
		return Endpoint{}, errors.New("empty authority")
	}
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}
	if path, ok := strings.CutPrefix(authority, domainSocketPrefix); ok {
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid domain socket authority %q", authority)
		}
		return OfDomainSocket(path), nil
	}
	if addr, err := netip.ParseAddr(authority); err == nil {
		// Bare IPv6 literal without brackets or plain IPv4.
		return Of(addr.String(), 0), nil
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			if inner, ok := strings.CutPrefix(authority, "["); ok {
				inner, ok = strings.CutSuffix(inner, "]")
				if _, err := netip.ParseAddr(inner); !ok || err != nil {
					return Endpoint{}, fmt.Errorf("invalid authority %q", authority)
				}
				return Of(inner, 0), nil
			}
			if strings.ContainsAny(authority, "[]") {
				return Endpoint{}, fmt.Errorf("invalid authority %q", authority)
			}
			return Of(authority, 0), nil
		}
		return Endpoint{}, fmt.Errorf("invalid authority %q: %w", authority, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid authority %q: missing host", authority)
	}
	if portStr == "" {
		return Of(host, 0), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid authority %q: bad port %q", authority, portStr)
	}
	return Of(host, port), nil
}

// MustParse is like Parse but panics on error.
func MustParse(authority string) Endpoint {
	ep, err := Parse(authority)
	if err != nil {
		panic(err)
	}
	return ep
}

// Host returns the host name or IP literal of the endpoint. For domain
// socket endpoints it is "unix:" followed by the socket path.
func (e Endpoint) Host() string {
	return e.host
}

// IPAddr returns the resolved IP address, if any.
func (e Endpoint) IPAddr() (netip.Addr, bool) {
	return e.ip, e.ip.IsValid()
}

// HasIPAddr reports whether the endpoint carries a resolved address.
func (e Endpoint) HasIPAddr() bool {
	return e.ip.IsValid()
}

// Port returns the port, if any.
func (e Endpoint) Port() (int, bool) {
	return e.port, e.port != 0
}

// HasPort reports whether a port was specified.
func (e Endpoint) HasPort() bool {
	return e.port != 0
}

// PortOr returns the port, or defaultPort if the endpoint has none.
func (e Endpoint) PortOr(defaultPort int) int {
	if e.port == 0 {
		return defaultPort
	}
	return e.port
}

// IsDomainSocket reports whether the endpoint is a Unix domain socket.
func (e Endpoint) IsDomainSocket() bool {
	return e.socketPath != ""
}

// SocketPath returns the domain socket path, or "".
func (e Endpoint) SocketPath() string {
	return e.socketPath
}

// Weight returns the selection weight of the endpoint.
func (e Endpoint) Weight() int {
	return e.weight
}

// Attributes returns the custom attributes of the endpoint.
func (e Endpoint) Attributes() attribute.Values {
	return e.attrs
}

// IsZero reports whether e is the zero Endpoint.
func (e Endpoint) IsZero() bool {
	return e.host == ""
}

// WithIPAddr returns a copy of e with the given resolved address. An
// invalid address clears it.
func (e Endpoint) WithIPAddr(addr netip.Addr) Endpoint {
	e.ip = addr.Unmap()
	if !addr.IsValid() {
		e.ip = netip.Addr{}
	}
	return e
}

// WithPort returns a copy of e with the given port. Zero clears it.
func (e Endpoint) WithPort(port int) Endpoint {
	e.port = port
	return e
}

// WithoutPort returns a copy of e with no port.
func (e Endpoint) WithoutPort() Endpoint {
	e.port = 0
	return e
}

// WithDefaultPort returns e if it has a port, or a copy with
// defaultPort otherwise.
func (e Endpoint) WithDefaultPort(defaultPort int) Endpoint {
	if e.port != 0 || e.IsDomainSocket() {
		return e
	}
	e.port = defaultPort
	return e
}

// WithWeight returns a copy of e with the given weight.
func (e Endpoint) WithWeight(weight int) Endpoint {
	e.weight = weight
	return e
}

// WithAttributes returns a copy of e with the given attributes.
func (e Endpoint) WithAttributes(attrs attribute.Values) Endpoint {
	e.attrs = attrs
	return e
}

// Equal reports whether e and other denote the same target. Weight and
// attributes are not considered.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.host == other.host && e.ip == other.ip &&
		e.port == other.port && e.socketPath == other.socketPath
}

// Key returns a string that is equal for two endpoints exactly when
// Equal reports true. It is suitable as a map key.
func (e Endpoint) Key() string {
	var ip string
	if e.ip.IsValid() {
		ip = e.ip.String()
	}
	return e.host + "/" + ip + "/" + strconv.Itoa(e.port)
}

// Authority returns host[:port], bracketing IPv6 literals.
func (e Endpoint) Authority() string {
	if e.IsDomainSocket() {
		return e.host
	}
	host := e.host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if e.port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(e.port)
}

// DialAddress returns the network and address to dial for e, using
// the resolved IP if present and defaultPort if e has no port.
func (e Endpoint) DialAddress(defaultPort int) (network, address string) {
	if e.IsDomainSocket() {
		return "unix", e.socketPath
	}
	host := e.host
	if e.ip.IsValid() {
		host = e.ip.String()
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(e.PortOr(defaultPort)))
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	if e.ip.IsValid() && e.ip.String() != e.host {
		return e.Authority() + " (" + e.ip.String() + ")"
	}
	return e.Authority()
}
