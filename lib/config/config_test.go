/*
 * Authgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/policy"
)

const sampleConfig = `
listen_addr: "127.0.0.1:9000"
proxy:
  target:
    scheme: http
    host: backend
    port: 9001
  timeout:
    connect: 2s
    read: 20s
  propagate_headers: [X-Request-ID]
  add_headers:
    X-Gateway: authgate
auth:
  public_paths: ["/api/public/**", "/health"]
  profiles:
    default:
      issuer: https://keycloak.example.com/realms/acme
      audiences: [authgate]
      algorithms: [RS256]
      jwks_uri: https://keycloak.example.com/realms/acme/protocol/openid-connect/certs
    entra:
      issuer: https://login.microsoftonline.com/tid/v2.0
      audiences: [api://authgate]
authz:
  roles_service:
    url: http://localhost:8082
    cache_ttl: 120s
policy:
  mode: embedded
  directory: /policies
  query: data.authz.allow
  cache_ttl: 10s
rate_limit:
  enabled: true
  requests_per_second: 50
  burst_size: 75
audit:
  sensitive_headers: [Authorization, X-Secret]
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, "backend", cfg.Proxy.Target.Host)
	require.Equal(t, 9001, cfg.Proxy.Target.Port)
	require.Equal(t, 2*time.Second, cfg.Proxy.Timeout.Connect.Get(0))
	require.Equal(t, 20*time.Second, cfg.Proxy.Timeout.Read.Get(0))
	require.Equal(t, []string{"X-Request-ID"}, cfg.Proxy.PropagateHeaders)
	require.Equal(t, "authgate", cfg.Proxy.AddHeaders["X-Gateway"])

	require.True(t, *cfg.Auth.Enabled, "auth defaults to enabled")
	require.Len(t, cfg.Auth.Profiles, 2)
	require.Equal(t, []string{"RS256"}, cfg.Auth.Profiles["default"].Algorithms)
	require.NotEmpty(t, cfg.Auth.Profiles["default"].JWKSURI)

	require.True(t, *cfg.Authz.RolesService.Enabled)
	require.True(t, *cfg.Authz.RolesService.CacheEnabled)
	require.Equal(t, 2*time.Minute, cfg.Authz.RolesService.CacheTTL.Get(0))

	require.Equal(t, policy.ModeEmbedded, cfg.Policy.Mode)
	require.Equal(t, 10*time.Second, cfg.Policy.CacheTTL.Get(0))

	require.True(t, cfg.RateLimit.Enabled)
	require.Equal(t, float64(50), cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, 75, cfg.RateLimit.BurstSize)

	require.True(t, *cfg.Audit.Enabled)
	require.Equal(t, []string{"Authorization", "X-Secret"}, cfg.Audit.SensitiveHeaders)
}

func TestReadConfigDefaults(t *testing.T) {
	t.Parallel()

	// Auth off so no profiles are required; roles service off so no URL
	// is required.
	cfg, err := ReadConfig(strings.NewReader(`
auth:
  enabled: false
authz:
  roles_service:
    enabled: false
`))
	require.NoError(t, err)

	require.Equal(t, defaults.ListenAddr, cfg.ListenAddr)
	require.Equal(t, defaults.TargetScheme, cfg.Proxy.Target.Scheme)
	require.Equal(t, defaults.TargetHost, cfg.Proxy.Target.Host)
	require.Equal(t, defaults.TargetPort, cfg.Proxy.Target.Port)
	require.Equal(t, defaults.PropagateHeaders, cfg.Proxy.PropagateHeaders)
	require.Equal(t, defaults.PolicyQuery, cfg.Policy.Query)
	require.Equal(t, policy.ModeEmbedded, cfg.Policy.Mode)
	require.Equal(t, defaults.ExternalPolicyURL, cfg.Policy.External.URL)
	require.Equal(t, defaults.ExternalDecisionPath, cfg.Policy.External.DecisionPath)
	require.False(t, cfg.RateLimit.Enabled)
	require.Equal(t, float64(defaults.RequestsPerSecond), cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, defaults.BurstSize, cfg.RateLimit.BurstSize)
	require.Equal(t, defaults.SensitiveHeaders, cfg.Audit.SensitiveHeaders)
}

func TestReadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc string
		yaml string
	}{
		{desc: "unknown field", yaml: "listne_addr: oops"},
		{desc: "bad duration", yaml: "proxy:\n  timeout:\n    read: fast"},
		{desc: "bad scheme", yaml: "proxy:\n  target:\n    scheme: ftp"},
		{desc: "auth without profiles", yaml: "auth:\n  enabled: true"},
		{desc: "profile without issuer", yaml: "auth:\n  profiles:\n    default:\n      audiences: [a]"},
		{desc: "bad policy mode", yaml: "policy:\n  mode: sideways"},
		{desc: "roles service without url", yaml: "auth:\n  enabled: false\nauthz:\n  roles_service:\n    enabled: true"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestDurationFromSeconds(t *testing.T) {
	t.Parallel()

	cfg, err := ReadConfig(strings.NewReader(`
auth:
  enabled: false
authz:
  roles_service:
    enabled: false
policy:
  cache_ttl: 45
`))
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Policy.CacheTTL.Get(0))
}
