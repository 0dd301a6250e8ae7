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
	"context"
	"io"
	"sync"

	"github.com/bufbuild/dispatch/resolver"
	"pkt.systems/pslog"
)

// DNSOption configures a DNS group.
type DNSOption interface {
	applyToDNS(*DNS)
}

type dnsOptionFunc func(*DNS)

func (f dnsOptionFunc) applyToDNS(d *DNS) { f(d) }

// WithLogger sets the logger used to report resolution errors.
func WithLogger(logger pslog.Logger) DNSOption {
	return dnsOptionFunc(func(d *DNS) {
		if logger != nil {
			d.logger = logger
		}
	})
}

// DNS is a group whose members are the addresses a resolver returns for
// one host name. Members keep the host name and carry the resolved IP,
// so requests use the name for TLS and the Host header. A resolution
// error keeps the previous members.
type DNS struct {
	*Dynamic
	host    string
	port    int
	logger  pslog.Logger
	refresh chan struct{}

	closeOnce sync.Once
	task      io.Closer
	lastErr   error
	errMu     sync.Mutex
}

// NewDNSGroup starts resolving host with res and returns a group that
// tracks the results. A port of zero leaves endpoints without a port so
// that the scheme's default applies.
func NewDNSGroup(ctx context.Context, host string, port int, res resolver.Resolver, opts ...DNSOption) *DNS {
	group := &DNS{
		Dynamic: NewDynamic(),
		host:    host,
		port:    port,
		logger:  pslog.NoopLogger(),
		refresh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt.applyToDNS(group)
	}
	group.task = res.New(ctx, host, port, dnsReceiver{group}, group.refresh)
	return group
}

// Refresh asks the resolver to query again soon, subject to its minimum
// refresh interval.
func (d *DNS) Refresh() {
	select {
	case d.refresh <- struct{}{}:
	default:
	}
}

// Err returns the error of the most recent resolution, or nil if it
// succeeded.
func (d *DNS) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

// Close implements Group. It stops resolution.
func (d *DNS) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.task != nil {
			err = d.task.Close()
		}
		_ = d.Dynamic.Close()
	})
	return err
}

type dnsReceiver struct {
	group *DNS
}

func (r dnsReceiver) OnResolve(addresses []resolver.Address) {
	members := make([]Endpoint, len(addresses))
	for i, addr := range addresses {
		members[i] = Of(r.group.host, addr.Port).
			WithIPAddr(addr.IP).
			WithAttributes(addr.Attributes)
	}
	r.group.errMu.Lock()
	r.group.lastErr = nil
	r.group.errMu.Unlock()
	r.group.Set(members...)
}

func (r dnsReceiver) OnResolveError(err error) {
	r.group.errMu.Lock()
	r.group.lastErr = err
	r.group.errMu.Unlock()
	r.group.logger.Warn("dispatch.endpoint.resolve_failed", "host", r.group.host, "error", err)
}
