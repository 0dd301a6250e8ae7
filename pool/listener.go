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

package pool

import (
	"net/netip"

	"github.com/bufbuild/dispatch/protocol"
	"pkt.systems/pslog"
)

// Key identifies a group of pooled connections: the session protocol
// they were dialed for and the addresses at each end. Connections over
// Unix domain sockets carry the socket path instead of addresses.
type Key struct {
	Protocol   protocol.SessionProtocol
	Remote     netip.AddrPort
	Local      netip.AddrPort
	SocketPath string
}

// RemoteIP returns the remote IP as text, or the socket path.
func (k Key) RemoteIP() string {
	if k.SocketPath != "" {
		return k.SocketPath
	}
	return k.Remote.Addr().String()
}

// LocalIP returns the local IP as text, or the empty string for
// domain sockets.
func (k Key) LocalIP() string {
	if k.SocketPath != "" {
		return ""
	}
	return k.Local.Addr().String()
}

// String implements fmt.Stringer.
func (k Key) String() string {
	if k.SocketPath != "" {
		return k.Protocol.String() + "://unix:" + k.SocketPath
	}
	return k.Protocol.String() + "://" + k.Local.String() + "->" + k.Remote.String()
}

// Listener is notified when pooled connections open and close. For
// every connection, ConnectionOpen is called once and, later,
// ConnectionClosed is called once with the same key. Implementations
// must be safe for concurrent use and should return quickly.
type Listener interface {
	ConnectionOpen(key Key)
	ConnectionClosed(key Key)
}

// NopListener ignores all events.
//
//nolint:gochecknoglobals
var NopListener Listener = ListenerFuncs{}

// ListenerFuncs adapts a pair of functions to a Listener. Nil fields
// are skipped.
type ListenerFuncs struct {
	OnOpen   func(key Key)
	OnClosed func(key Key)
}

// ConnectionOpen implements Listener.
func (f ListenerFuncs) ConnectionOpen(key Key) {
	if f.OnOpen != nil {
		f.OnOpen(key)
	}
}

// ConnectionClosed implements Listener.
func (f ListenerFuncs) ConnectionClosed(key Key) {
	if f.OnClosed != nil {
		f.OnClosed(key)
	}
}

// AndThen returns a listener that notifies each of the given listeners
// in order, for both open and close events. Nil listeners are dropped.
func AndThen(listeners ...Listener) Listener {
	flat := make(compositeListener, 0, len(listeners))
	for _, listener := range listeners {
		switch listener := listener.(type) {
		case nil:
		case compositeListener:
			flat = append(flat, listener...)
		default:
			flat = append(flat, listener)
		}
	}
	switch len(flat) {
	case 0:
		return NopListener
	case 1:
		return flat[0]
	default:
		return flat
	}
}

type compositeListener []Listener

func (c compositeListener) ConnectionOpen(key Key) {
	for _, listener := range c {
		listener.ConnectionOpen(key)
	}
}

func (c compositeListener) ConnectionClosed(key Key) {
	for _, listener := range c {
		listener.ConnectionClosed(key)
	}
}

// NewLoggingListener returns a listener that logs each event at debug
// level.
func NewLoggingListener(logger pslog.Logger) Listener {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return loggingListener{logger: logger}
}

type loggingListener struct {
	logger pslog.Logger
}

func (l loggingListener) ConnectionOpen(key Key) {
	l.logger.Debug("dispatch.pool.connection_open",
		"protocol", key.Protocol.String(),
		"remote", key.RemoteIP(),
		"local", key.LocalIP(),
	)
}

func (l loggingListener) ConnectionClosed(key Key) {
	l.logger.Debug("dispatch.pool.connection_closed",
		"protocol", key.Protocol.String(),
		"remote", key.RemoteIP(),
		"local", key.LocalIP(),
	)
}
