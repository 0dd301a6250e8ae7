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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/bufbuild/dispatch"
	"github.com/bufbuild/dispatch/circuitbreaker"
	"github.com/bufbuild/dispatch/decoding"
	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/health"
	"github.com/bufbuild/dispatch/logging"
	"github.com/bufbuild/dispatch/metrics"
	"github.com/bufbuild/dispatch/picker"
	"github.com/bufbuild/dispatch/pool"
	"github.com/bufbuild/dispatch/protocol"
	"github.com/bufbuild/dispatch/resolver"
	"github.com/bufbuild/dispatch/retry"
	"github.com/bufbuild/dispatch/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"pkt.systems/pslog"
)

func newRequestCommand(name, method string, logger pslog.Logger, load func() (config, error)) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   name + " URL",
		Short: "Send a " + method + " request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var body io.Reader
			if data != "" {
				body, err = requestBody(data)
				if err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg, logger, method, args[0], body, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	if method != http.MethodGet && method != http.MethodHead {
		cmd.Flags().StringVarP(&data, "data", "d", "", "request body, or @file to read it from a file")
	}
	return cmd
}

func requestBody(data string) (io.Reader, error) {
	path, ok := strings.CutPrefix(data, "@")
	if !ok {
		return strings.NewReader(data), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return strings.NewReader(string(content)), nil
}

// invocation holds what a single request run set up, for reporting.
type invocation struct {
	client   *dispatch.HTTPClient
	group    endpoint.Group
	registry *prometheus.Registry
	listener *metrics.ConnectionPoolListener
	tracer   *sdktrace.TracerProvider
	root     *dispatch.Context
}

func (inv *invocation) Close() error {
	var errs []error
	if inv.client != nil {
		errs = append(errs, inv.client.Close())
	}
	if inv.group != nil {
		errs = append(errs, inv.group.Close())
	}
	if inv.listener != nil {
		errs = append(errs, inv.listener.Close())
	}
	if inv.tracer != nil {
		errs = append(errs, inv.tracer.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

func newInvocation(cfg config, logger pslog.Logger) (inv *invocation, err error) {
	if cfg.logLevel != "" {
		level, ok := pslog.ParseLevel(cfg.logLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", cfg.logLevel)
		}
		logger = logger.LogLevel(level)
	}
	inv = &invocation{}
	defer func() {
		if err != nil {
			_ = inv.Close()
			inv = nil
		}
	}()
	opts := []dispatch.ClientOption{
		dispatch.WithLogger(logger),
		dispatch.WithResponseTimeout(cfg.timeout),
		dispatch.WithConnectTimeout(cfg.connectTimeout),
		dispatch.WithContextCustomizer(func(ctx *dispatch.Context) error {
			inv.root = ctx
			return nil
		}),
	}
	if cfg.protocol != "" {
		proto, domainSocket, err := protocol.ParseScheme(cfg.protocol)
		if err != nil {
			return nil, err
		}
		if domainSocket {
			return nil, errors.New("use --endpoint unix:/path to reach a domain socket")
		}
		opts = append(opts, dispatch.WithSessionProtocol(proto))
	}
	var checker health.Checker
	if cfg.healthCheck != "" {
		checker = health.NewPollingChecker(health.PollingCheckerConfig{}, health.NewSimpleProber(cfg.healthCheck))
	}
	if len(cfg.endpoints) > 0 {
		endpoints := make([]endpoint.Endpoint, 0, len(cfg.endpoints))
		for _, value := range cfg.endpoints {
			ep, err := parseEndpoint(value)
			if err != nil {
				return nil, err
			}
			endpoints = append(endpoints, ep)
		}
		inv.group = endpoint.NewStatic(endpoints...)
		if checker != nil {
			inv.group = health.NewCheckedGroup(context.Background(), inv.group, checker, health.WithLogger(logger))
		}
		opts = append(opts, dispatch.WithEndpointGroup(inv.group))
	} else if checker != nil {
		opts = append(opts, dispatch.WithHealthChecker(checker))
	}
	switch {
	case len(cfg.dnsServers) > 0:
		client := resolver.NewDNSClient(resolver.DNSConfig{Servers: cfg.dnsServers}, resolver.WithDNSLogger(logger))
		opts = append(opts, dispatch.WithAddressResolver(client))
	case cfg.resolvConf != "":
		client, err := resolver.NewDNSClientFromResolvConf(cfg.resolvConf, resolver.WithDNSLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithAddressResolver(client))
	}
	if cfg.subset > 0 {
		// The host name keys the subset so repeated runs on one machine
		// reach the same addresses.
		hostname, _ := os.Hostname()
		opts = append(opts, dispatch.WithEndpointSubset(resolver.RendezvousConfig{
			NumBackends:  cfg.subset,
			SelectionKey: hostname,
		}))
	}
	factory, err := pickerFactory(cfg.picker)
	if err != nil {
		return nil, err
	}
	opts = append(opts, dispatch.WithPicker(factory))
	if cfg.authority != "" {
		opts = append(opts, dispatch.WithAuthority(cfg.authority))
	}
	if cfg.followRedirects > 0 {
		opts = append(opts, dispatch.WithRedirects(dispatch.FollowRedirects(cfg.followRedirects)))
	}
	if cfg.maxLength > 0 {
		opts = append(opts, dispatch.WithMaxResponseLength(int64(cfg.maxLength))) //nolint:gosec
	}
	if cfg.verbose {
		opts = append(opts, dispatch.WithConnectionPoolListener(pool.NewLoggingListener(logger)))
	}
	if cfg.metrics {
		inv.registry = prometheus.NewRegistry()
		listener, err := metrics.NewConnectionPoolListener(inv.registry)
		if err != nil {
			return nil, err
		}
		inv.listener = listener
		opts = append(opts, dispatch.WithConnectionPoolListener(listener))
	}

	// Decorators are listed innermost first.
	var decorators []dispatch.Decorator
	if cfg.breaker {
		decorators = append(decorators, circuitbreaker.NewDecorator(circuitbreaker.WithLogger(logger)))
	}
	if cfg.retries > 0 {
		decorators = append(decorators, retry.NewDecorator(
			retry.Failsafe(retry.DefaultBackoff),
			retry.WithMaxTotalAttempts(cfg.retries+1),
			retry.WithRetryAfter(),
			retry.WithLogger(logger),
		))
	}
	if cfg.decode {
		decorators = append(decorators, decoding.NewDecorator())
	}
	decorators = append(decorators, logging.NewDecorator(logger, logging.WithSuccessLevel(pslog.InfoLevel)))
	if cfg.trace {
		inv.tracer = sdktrace.NewTracerProvider(sdktrace.WithSyncer(newLogExporter(logger)))
		decorators = append(decorators, tracing.NewDecorator(tracing.WithTracerProvider(inv.tracer)))
	}
	opts = append(opts, dispatch.WithDecorators(decorators...))

	client, err := dispatch.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	inv.client = client
	return inv, nil
}

func pickerFactory(name string) (picker.Factory, error) {
	switch strings.ToLower(name) {
	case "", "round-robin":
		return picker.NewRoundRobin, nil
	case "weighted-round-robin":
		return picker.NewWeightedRoundRobin, nil
	case "random":
		return picker.NewRandom, nil
	case "weighted-random":
		return picker.NewWeightedRandom, nil
	case "least-loaded":
		return picker.NewLeastLoadedRoundRobin, nil
	case "power-of-two":
		return picker.NewPowerOfTwo, nil
	case "sticky":
		// Requests for the same path stick to one endpoint.
		return picker.NewSticky(func(req *http.Request) string { return req.URL.Path }), nil
	default:
		return nil, fmt.Errorf("unknown picker %q", name)
	}
}

// parseEndpoint accepts host:port, or unix:/path for a domain socket.
func parseEndpoint(value string) (endpoint.Endpoint, error) {
	if path, ok := strings.CutPrefix(value, "unix:"); ok {
		return endpoint.OfDomainSocket(path), nil
	}
	ep, err := endpoint.Parse(value)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("endpoint %q: %w", value, err)
	}
	return ep, nil
}

func run(ctx context.Context, cfg config, logger pslog.Logger, method, url string, body io.Reader, stdout, stderr io.Writer) (err error) {
	inv, err := newInvocation(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, inv.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	for _, header := range cfg.headers {
		name, value, ok := strings.Cut(header, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("malformed header %q, want \"Name: value\"", header)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		if inv.root != nil && cfg.verbose {
			writeSummary(stderr, inv, 0)
		}
		return err
	}
	if cfg.verbose {
		writeResponseHead(stderr, resp)
	}
	n, copyErr := io.Copy(stdout, resp.Body)
	if closeErr := resp.Body.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if cfg.verbose {
		<-inv.root.Log().WhenComplete()
		writeSummary(stderr, inv, n)
	}
	if cfg.metrics {
		if err := writeMetrics(stderr, inv.registry); err != nil {
			return errors.Join(copyErr, err)
		}
	}
	if copyErr != nil {
		return copyErr
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}
