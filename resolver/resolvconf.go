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

package resolver

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadResolvConf reads a resolv.conf file.
func ReadResolvConf(path string) (DNSConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return DNSConfig{}, err
	}
	defer file.Close()
	cfg, err := ParseResolvConf(file)
	if err != nil {
		return DNSConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseResolvConf parses the nameserver, search, domain and options
// (ndots, timeout, attempts) directives of resolv.conf syntax. Unknown
// directives are ignored.
func ParseResolvConf(r io.Reader) (DNSConfig, error) {
	var cfg DNSConfig
	var domain string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "nameserver":
			addr, err := netip.ParseAddr(fields[1])
			if err != nil {
				return DNSConfig{}, fmt.Errorf("bad nameserver %q: %w", fields[1], err)
			}
			cfg.Servers = append(cfg.Servers, withDefaultDNSPort(addr.String()))
		case "domain":
			domain = fields[1]
		case "search":
			cfg.Search = append(cfg.Search[:0], fields[1:]...)
		case "options":
			for _, opt := range fields[1:] {
				name, value, ok := strings.Cut(opt, ":")
				if !ok {
					continue
				}
				n, err := strconv.Atoi(value)
				if err != nil || n < 0 {
					continue
				}
				switch name {
				case "ndots":
					cfg.Ndots = min(n, 15)
				case "timeout":
					cfg.Timeout = time.Duration(n) * time.Second
				case "attempts":
					cfg.Attempts = n
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return DNSConfig{}, err
	}
	if len(cfg.Search) == 0 && domain != "" {
		cfg.Search = []string{domain}
	}
	return cfg, nil
}
