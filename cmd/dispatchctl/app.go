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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

const envPrefix = "DISPATCHCTL"

func submain(ctx context.Context, args []string) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dispatchctl")
	cmd := newRootCommand(logger, os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "dispatchctl: %s\n", err)
		}
		return 1
	}
	return 0
}

// config is the resolved set of flags, environment variables and config
// file values for one invocation.
type config struct {
	endpoints       []string
	dnsServers      []string
	resolvConf      string
	picker          string
	healthCheck     string
	protocol        string
	authority       string
	headers         []string
	timeout         time.Duration
	connectTimeout  time.Duration
	retries         int
	subset          int
	followRedirects int
	maxLength       uint64
	decode          bool
	breaker         bool
	trace           bool
	metrics         bool
	verbose         bool
	logLevel        string
}

func newRootCommand(logger pslog.Logger, stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Send HTTP requests through a dispatch client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := loadConfigFile(v)
			return err
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.StringSlice("endpoint", nil, "send to these host:port endpoints instead of resolving the URL authority")
	flags.StringSlice("dns-server", nil, "resolve names with these DNS servers instead of the system resolver")
	flags.String("resolv-conf", "", "resolve names with the servers and search domains of this resolv.conf file")
	flags.String("picker", "round-robin", "endpoint selection: round-robin, weighted-round-robin, random, weighted-random, least-loaded, power-of-two or sticky")
	flags.String("health-check", "", "only use endpoints answering GET requests for this path")
	flags.String("protocol", "", "session protocol: http, https, h1, h1c, h2 or h2c")
	flags.String("authority", "", "authority sent with the request")
	flags.StringArrayP("header", "H", nil, "request header, \"Name: value\"")
	flags.Duration("timeout", 10*time.Second, "response timeout (0 disables)")
	flags.Duration("connect-timeout", 3200*time.Millisecond, "connect timeout")
	flags.Int("retries", 0, "retry failed idempotent requests up to this many times")
	flags.Int("subset", 0, "use a consistent subset of this many resolved addresses per host")
	flags.Int("follow-redirects", 0, "follow up to this many redirects")
	flags.String("max-length", "", "maximum response body size, such as 10MB")
	flags.Bool("decode", true, "request and decode compressed responses")
	flags.Bool("breaker", false, "fail fast once an authority keeps failing")
	flags.Bool("trace", false, "log a span for the request")
	flags.Bool("metrics", false, "print connection metrics after the request")
	flags.BoolP("verbose", "v", false, "print response headers and dispatch details")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	load := func() (config, error) {
		return loadConfig(v)
	}
	root.AddCommand(
		newRequestCommand("get", "GET", logger, load),
		newRequestCommand("head", "HEAD", logger, load),
		newRequestCommand("post", "POST", logger, load),
		newRequestCommand("put", "PUT", logger, load),
		newRequestCommand("delete", "DELETE", logger, load),
	)
	return root
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		endpoints:       v.GetStringSlice("endpoint"),
		dnsServers:      v.GetStringSlice("dns-server"),
		resolvConf:      strings.TrimSpace(v.GetString("resolv-conf")),
		picker:          strings.TrimSpace(v.GetString("picker")),
		healthCheck:     strings.TrimSpace(v.GetString("health-check")),
		protocol:        strings.TrimSpace(v.GetString("protocol")),
		authority:       strings.TrimSpace(v.GetString("authority")),
		headers:         v.GetStringSlice("header"),
		timeout:         v.GetDuration("timeout"),
		connectTimeout:  v.GetDuration("connect-timeout"),
		retries:         v.GetInt("retries"),
		subset:          v.GetInt("subset"),
		followRedirects: v.GetInt("follow-redirects"),
		decode:          v.GetBool("decode"),
		breaker:         v.GetBool("breaker"),
		trace:           v.GetBool("trace"),
		metrics:         v.GetBool("metrics"),
		verbose:         v.GetBool("verbose"),
		logLevel:        strings.TrimSpace(v.GetString("log-level")),
	}
	if maxLength := strings.TrimSpace(v.GetString("max-length")); maxLength != "" {
		size, err := humanize.ParseBytes(maxLength)
		if err != nil {
			return config{}, fmt.Errorf("parse max-length %q: %w", maxLength, err)
		}
		cfg.maxLength = size
	}
	if len(cfg.dnsServers) > 0 && cfg.resolvConf != "" {
		return config{}, errors.New("dns-server and resolv-conf are mutually exclusive")
	}
	if cfg.retries < 0 || cfg.followRedirects < 0 || cfg.subset < 0 {
		return config{}, errors.New("retries, follow-redirects and subset must not be negative")
	}
	return cfg, nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(max(n, 0))), " ", "") //nolint:gosec
}
