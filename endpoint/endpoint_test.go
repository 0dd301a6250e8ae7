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

package endpoint_test

import (
	"net/netip"
	"testing"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		authority string
		host      string
		port      int
		authOut   string
		ip        string
	}{
		{authority: "example.com", host: "example.com", authOut: "example.com"},
		{authority: "example.com:", host: "example.com", authOut: "example.com"},
		{authority: "example.com:8443", host: "example.com", port: 8443, authOut: "example.com:8443"},
		{authority: "user:pass@example.com:80", host: "example.com", port: 80, authOut: "example.com:80"},
		{authority: "10.0.0.1:80", host: "10.0.0.1", port: 80, authOut: "10.0.0.1:80", ip: "10.0.0.1"},
		{authority: "[::1]:8080", host: "::1", port: 8080, authOut: "[::1]:8080", ip: "::1"},
		{authority: "[::1]", host: "::1", authOut: "[::1]", ip: "::1"},
		{authority: "::1", host: "::1", authOut: "[::1]", ip: "::1"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.authority, func(t *testing.T) {
			t.Parallel()
			ep, err := endpoint.Parse(testCase.authority)
			require.NoError(t, err)
			assert.Equal(t, testCase.host, ep.Host())
			port, hasPort := ep.Port()
			assert.Equal(t, testCase.port, port)
			assert.Equal(t, testCase.port != 0, hasPort)
			assert.Equal(t, testCase.authOut, ep.Authority())
			ip, hasIP := ep.IPAddr()
			assert.Equal(t, testCase.ip != "", hasIP)
			if hasIP {
				assert.Equal(t, testCase.ip, ip.String())
			}
		})
	}

	for _, bad := range []string{"", "host:port", "host:70000", ":80", "[::1", "unix:"} {
		_, err := endpoint.Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestNoPortIsNotDefaultPort(t *testing.T) {
	t.Parallel()
	noPort := endpoint.MustParse("example.com:")
	withPort := endpoint.MustParse("example.com:443")
	assert.False(t, noPort.Equal(withPort))
	assert.NotEqual(t, noPort.Key(), withPort.Key())
	assert.True(t, noPort.WithDefaultPort(443).Equal(withPort))
	assert.True(t, withPort.WithDefaultPort(80).Equal(withPort))
	assert.Equal(t, 443, noPort.PortOr(443))

	network, address := noPort.DialAddress(443)
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "example.com:443", address)
}

func TestEndpointValueSemantics(t *testing.T) {
	t.Parallel()
	base := endpoint.Of("db.internal", 5432)
	resolved := base.WithIPAddr(netip.MustParseAddr("::ffff:10.1.2.3"))

	// The original is untouched.
	assert.False(t, base.HasIPAddr())
	ip, ok := resolved.IPAddr()
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", ip.String())
	assert.False(t, base.Equal(resolved))
	assert.Equal(t, "db.internal:5432", resolved.Authority())
	assert.Equal(t, "db.internal:5432 (10.1.2.3)", resolved.String())

	network, address := resolved.DialAddress(0)
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "10.1.2.3:5432", address)

	// Weight is not part of identity.
	heavy := base.WithWeight(10)
	assert.True(t, heavy.Equal(base))
	assert.Equal(t, base.Key(), heavy.Key())
	assert.Equal(t, endpoint.DefaultWeight, base.Weight())
	assert.Equal(t, 10, heavy.Weight())

	assert.Equal(t, 0, base.WithoutPort().PortOr(0))
}

func TestDomainSocket(t *testing.T) {
	t.Parallel()
	ep, err := endpoint.Parse("unix:/var/run/app.sock")
	require.NoError(t, err)
	assert.True(t, ep.IsDomainSocket())
	assert.Equal(t, "/var/run/app.sock", ep.SocketPath())
	assert.Equal(t, "unix:/var/run/app.sock", ep.Authority())
	assert.Equal(t, ep, ep.WithDefaultPort(80))

	network, address := ep.DialAddress(80)
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/var/run/app.sock", address)
}
