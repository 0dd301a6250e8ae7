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

// Package metrics exports connection pool activity as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/bufbuild/dispatch/internal"
	"github.com/bufbuild/dispatch/pool"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultPrefix    = "dispatch_client"
	defaultRetention = 10 * time.Minute

	stateOpened = "opened"
	stateClosed = "closed"
)

// Option configures a ConnectionPoolListener.
type Option interface {
	apply(*ConnectionPoolListener)
}

// WithPrefix sets the prefix of the metric names. The default is
// "dispatch_client".
func WithPrefix(prefix string) Option {
	return optionFunc(func(l *ConnectionPoolListener) {
		if prefix != "" {
			l.prefix = prefix
		}
	})
}

// WithRetention sets how long the counters of a label set with no open
// connections are kept before they are pruned. The default is ten
// minutes.
func WithRetention(retention time.Duration) Option {
	return optionFunc(func(l *ConnectionPoolListener) {
		if retention > 0 {
			l.retention = retention
		}
	})
}

// WithClock sets the clock driving the pruner.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(l *ConnectionPoolListener) {
		if clock != nil {
			l.clock = clock
		}
	})
}

// ConnectionPoolListener is a [pool.Listener] that records two metrics:
//
//	<prefix>_connections_total{protocol,remote_ip,local_ip,state}
//	<prefix>_active_connections{protocol,remote_ip,local_ip}
//
// The counter has one series per state, "opened" and "closed". The
// gauge holds opened minus closed and its series is deleted as soon as
// it drops to zero. Counter series of a label set with no open
// connections are pruned in the background once the retention period
// passes without activity.
type ConnectionPoolListener struct {
	prefix    string
	retention time.Duration
	clock     internal.Clock

	connections *prometheus.CounterVec
	active      *prometheus.GaugeVec

	mu sync.Mutex
	// +checklocks:mu
	series map[labelSet]*seriesState

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ pool.Listener = (*ConnectionPoolListener)(nil)

type labelSet struct {
	protocol, remoteIP, localIP string
}

type seriesState struct {
	active       int
	lastActivity time.Time
}

// NewConnectionPoolListener creates the metrics, registers them with
// registerer and starts the pruner. Call Close to stop the pruner.
func NewConnectionPoolListener(registerer prometheus.Registerer, opts ...Option) (*ConnectionPoolListener, error) {
	listener := &ConnectionPoolListener{
		prefix:    defaultPrefix,
		retention: defaultRetention,
		clock:     internal.NewRealClock(),
		series:    map[labelSet]*seriesState{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(listener)
	}
	listener.connections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: listener.prefix + "_connections_total",
		Help: "Client connections opened and closed.",
	}, []string{"protocol", "remote_ip", "local_ip", "state"})
	listener.active = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: listener.prefix + "_active_connections",
		Help: "Client connections currently open.",
	}, []string{"protocol", "remote_ip", "local_ip"})
	if registerer != nil {
		if err := registerer.Register(listener.connections); err != nil {
			return nil, err
		}
		if err := registerer.Register(listener.active); err != nil {
			registerer.Unregister(listener.connections)
			return nil, err
		}
	}
	go listener.prune()
	return listener, nil
}

// ConnectionOpen implements pool.Listener.
func (l *ConnectionPoolListener) ConnectionOpen(key pool.Key) {
	labels := labelsOf(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.series[labels]
	if state == nil {
		state = &seriesState{}
		l.series[labels] = state
		// Both states are exported from the first open on.
		l.connections.WithLabelValues(labels.values(stateClosed)...)
	}
	state.active++
	state.lastActivity = l.clock.Now()
	l.connections.WithLabelValues(labels.values(stateOpened)...).Inc()
	l.active.WithLabelValues(labels.values()...).Set(float64(state.active))
}

// ConnectionClosed implements pool.Listener.
func (l *ConnectionPoolListener) ConnectionClosed(key pool.Key) {
	labels := labelsOf(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.series[labels]
	if state == nil {
		// Pruned or never opened; nothing to balance.
		return
	}
	state.lastActivity = l.clock.Now()
	l.connections.WithLabelValues(labels.values(stateClosed)...).Inc()
	if state.active > 0 {
		state.active--
	}
	if state.active == 0 {
		l.active.DeleteLabelValues(labels.values()...)
		return
	}
	l.active.WithLabelValues(labels.values()...).Set(float64(state.active))
}

// Close stops the pruner. Metrics stay registered.
func (l *ConnectionPoolListener) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
	return nil
}

func (l *ConnectionPoolListener) prune() {
	defer close(l.done)
	interval := l.retention / 2
	for {
		timer := l.clock.NewTimer(interval)
		select {
		case <-l.stop:
			timer.Stop()
			return
		case <-timer.Chan():
		}
		l.pruneIdle()
	}
}

func (l *ConnectionPoolListener) pruneIdle() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for labels, state := range l.series {
		if state.active > 0 || now.Sub(state.lastActivity) < l.retention {
			continue
		}
		l.connections.DeleteLabelValues(labels.values(stateOpened)...)
		l.connections.DeleteLabelValues(labels.values(stateClosed)...)
		delete(l.series, labels)
	}
}

func labelsOf(key pool.Key) labelSet {
	return labelSet{
		protocol: key.Protocol.String(),
		remoteIP: key.RemoteIP(),
		localIP:  key.LocalIP(),
	}
}

func (s labelSet) values(extra ...string) []string {
	return append([]string{s.protocol, s.remoteIP, s.localIP}, extra...)
}

type optionFunc func(*ConnectionPoolListener)

func (f optionFunc) apply(l *ConnectionPoolListener) {
	f(l)
}
