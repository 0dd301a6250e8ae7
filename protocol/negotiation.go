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

package protocol

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/dispatch/endpoint"
	"golang.org/x/net/idna"
)

// DefaultNegotiationCache is the process-wide cache used by clients that
// are not given one explicitly.
//
//nolint:gochecknoglobals
var DefaultNegotiationCache = NewNegotiationCache()

// NegotiationCache remembers which session protocols remote peers failed
// to negotiate. Until a failure is recorded for a peer and protocol, the
// protocol is assumed to be supported. Entries never expire; Clear
// forgets everything.
//
// Peers are identified by IP (or host name when unresolved) and port, or
// by socket path. Equivalent spellings of the same peer, such as an
// endpoint with a resolved IP and the bare IP address, share an entry.
//
// It is safe for concurrent use. Updates to one peer never block
// lookups or updates of another.
type NegotiationCache struct {
	entries sync.Map // string -> *atomic.Uint32
}

// NewNegotiationCache returns an empty cache.
func NewNegotiationCache() *NegotiationCache {
	return &NegotiationCache{}
}

// IsUnsupported reports whether ep is known not to support p. An
// endpoint without a port is looked up with p's default port.
func (c *NegotiationCache) IsUnsupported(ep endpoint.Endpoint, p SessionProtocol) bool {
	return c.isUnsupported(endpointKey(ep, p), p)
}

// SetUnsupported records that ep does not support p.
func (c *NegotiationCache) SetUnsupported(ep endpoint.Endpoint, p SessionProtocol) {
	c.setUnsupported(endpointKey(ep, p), p)
}

// IsUnsupportedAddr is like IsUnsupported for the remote address of a
// connection, a *net.TCPAddr or *net.UnixAddr.
func (c *NegotiationCache) IsUnsupportedAddr(addr net.Addr, p SessionProtocol) bool {
	key, ok := addrKey(addr)
	return ok && c.isUnsupported(key, p)
}

// SetUnsupportedAddr is like SetUnsupported for the remote address of a
// connection. Addresses of other kinds are ignored.
func (c *NegotiationCache) SetUnsupportedAddr(addr net.Addr, p SessionProtocol) {
	if key, ok := addrKey(addr); ok {
		c.setUnsupported(key, p)
	}
}

// Clear forgets all recorded failures.
func (c *NegotiationCache) Clear() {
	c.entries.Clear()
}

func (c *NegotiationCache) isUnsupported(key string, p SessionProtocol) bool {
	bits, ok := c.entries.Load(key)
	if !ok {
		return false
	}
	return bits.(*atomic.Uint32).Load()&protocolBit(p) != 0 //nolint:forcetypeassert,errcheck
}

func (c *NegotiationCache) setUnsupported(key string, p SessionProtocol) {
	bits, _ := c.entries.LoadOrStore(key, new(atomic.Uint32))
	flags := bits.(*atomic.Uint32) //nolint:forcetypeassert,errcheck
	bit := protocolBit(p)
	for {
		old := flags.Load()
		if old&bit != 0 || flags.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func protocolBit(p SessionProtocol) uint32 {
	switch p {
	case HTTP:
		return 1 << 0
	case HTTPS:
		return 1 << 1
	case H1:
		return 1 << 2
	case H1C:
		return 1 << 3
	case H2:
		return 1 << 4
	case H2C:
		return 1 << 5
	default:
		return 0
	}
}

func endpointKey(ep endpoint.Endpoint, p SessionProtocol) string {
	if ep.IsDomainSocket() {
		return "unix:" + ep.SocketPath()
	}
	port := ep.PortOr(p.DefaultPort())
	if ip, ok := ep.IPAddr(); ok {
		return ipKey(ip, port)
	}
	return hostKey(ep.Host(), port)
}

func addrKey(addr net.Addr) (string, bool) {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return "", false
		}
		return ipKey(ip.WithZone(addr.Zone), addr.Port), true
	case *net.UnixAddr:
		return "unix:" + addr.Name, true
	default:
		return "", false
	}
}

func ipKey(ip netip.Addr, port int) string {
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)).String() //nolint:gosec
}

func hostKey(host string, port int) string {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ipKey(ip, port)
	}
	host = strings.TrimSuffix(host, ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.ToLower(host) + ":" + strconv.Itoa(port)
}
