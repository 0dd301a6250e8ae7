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
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"pkt.systems/pslog"
)

// logExporter writes finished spans to the log.
type logExporter struct {
	logger pslog.Logger
}

var _ sdktrace.SpanExporter = (*logExporter)(nil)

func newLogExporter(logger pslog.Logger) *logExporter {
	return &logExporter{logger: logger}
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		keyvals := []any{
			"span", span.Name(),
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
			"status", span.Status().Code.String(),
		}
		for _, attr := range span.Attributes() {
			keyvals = append(keyvals, string(attr.Key), attr.Value.Emit())
		}
		e.logger.Info("dispatchctl.span", keyvals...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
