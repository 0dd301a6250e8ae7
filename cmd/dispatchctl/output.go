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

package main

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func writeResponseHead(w io.Writer, resp *http.Response) {
	fmt.Fprintf(w, "< %s %s\n", resp.Proto, resp.Status)
	for _, name := range slices.Sorted(maps.Keys(resp.Header)) {
		for _, value := range resp.Header[name] {
			fmt.Fprintf(w, "< %s: %s\n", name, value)
		}
	}
	fmt.Fprintln(w, "<")
}

func writeSummary(w io.Writer, inv *invocation, bodyBytes int64) {
	log := inv.root.Log()
	attempts := max(len(log.Children()), 1)
	fmt.Fprintf(w, "* request %s: %d attempt(s), body %s\n", inv.root.ID(), attempts, humanizeBytes(bodyBytes))
	sent := log
	if children := log.Children(); len(children) > 0 {
		sent = children[len(children)-1]
	}
	if session := sent.Session(); session.Protocol != "" {
		reused := ""
		if session.Reused {
			reused = ", reused connection"
		}
		fmt.Fprintf(w, "* sent over %s to %s%s\n", session.Protocol, session.Endpoint, reused)
	}
	if cause := log.ResponseCause(); cause != nil {
		fmt.Fprintf(w, "* failed: %s\n", cause)
	}
	for key, stats := range inv.client.ConnectionStats() {
		fmt.Fprintf(w, "* pool %s: %d open, %d busy\n", key, stats.Open, stats.Busy)
	}
}

// writeMetrics prints gathered metrics in a flat "name{labels} value"
// form.
func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", label.GetName(), label.GetValue()))
			}
			var value float64
			switch {
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			default:
				continue
			}
			fmt.Fprintf(w, "%s{%s} %g\n", family.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}
