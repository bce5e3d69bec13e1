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

// Package config defines the authgate YAML configuration file format.
// The file is read once at startup; every field has a default so an
// empty file yields a working gateway. Only policy sources hot-reload.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/policy"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or from plain integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return trace.BadParameter("invalid duration %q: %v", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := unmarshal(&seconds); err != nil {
		return trace.BadParameter("expected a duration string or seconds")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Get returns the duration, or def when unset.
func (d Duration) Get(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// FileConfig is the root of the configuration file.
type FileConfig struct {
	// ListenAddr is the gateway bind address.
	ListenAddr string          `yaml:"listen_addr"`
	Proxy      ProxyConfig     `yaml:"proxy"`
	Auth       AuthConfig      `yaml:"auth"`
	Authz      AuthzConfig     `yaml:"authz"`
	Policy     PolicyConfig    `yaml:"policy"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Audit      AuditConfig     `yaml:"audit"`
}

// ProxyConfig describes the backend and forwarding behavior.
type ProxyConfig struct {
	Target  TargetConfig  `yaml:"target"`
	Timeout TimeoutConfig `yaml:"timeout"`
	// PropagateHeaders is the whitelist of inbound headers forwarded to
	// the backend, in addition to Content-Type and Accept.
	PropagateHeaders []string `yaml:"propagate_headers"`
	// AddHeaders are extra headers set on forwarded requests. Values may
	// reference ${user.id}, ${user.email}, ${user.roles}, ${user.tenant}.
	AddHeaders map[string]string `yaml:"add_headers"`
}

// TargetConfig is the backend address.
type TargetConfig struct {
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

// TimeoutConfig holds the upstream timeouts.
type TimeoutConfig struct {
	Connect Duration `yaml:"connect"`
	Read    Duration `yaml:"read"`
}

// AuthConfig controls authentication.
type AuthConfig struct {
	// Enabled defaults to true. Disabled, every request proceeds as the
	// anonymous principal.
	Enabled *bool `yaml:"enabled"`
	// PublicPaths bypass authentication. Patterns support "/*" (one
	// segment) and "/**" (any suffix).
	PublicPaths []string `yaml:"public_paths"`
	// Profiles are identity provider profiles keyed by name.
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

// ProfileConfig describes one identity provider.
type ProfileConfig struct {
	Issuer     string   `yaml:"issuer"`
	Audiences  []string `yaml:"audiences"`
	Algorithms []string `yaml:"algorithms"`
	// JWKSURI overrides OIDC discovery.
	JWKSURI string `yaml:"jwks_uri"`
}

// AuthzConfig controls enrichment.
type AuthzConfig struct {
	// Enabled defaults to true.
	Enabled      *bool              `yaml:"enabled"`
	RolesService RolesServiceConfig `yaml:"roles_service"`
}

// RolesServiceConfig describes the external roles service.
type RolesServiceConfig struct {
	// Enabled defaults to true.
	Enabled *bool  `yaml:"enabled"`
	URL     string `yaml:"url"`
	// CacheEnabled defaults to true.
	CacheEnabled *bool    `yaml:"cache_enabled"`
	CacheTTL     Duration `yaml:"cache_ttl"`
}

// PolicyConfig controls policy evaluation.
type PolicyConfig struct {
	// Enabled defaults to true. Disabled, every authenticated request is
	// allowed.
	Enabled *bool `yaml:"enabled"`
	// Mode is "embedded" or "external".
	Mode string `yaml:"mode"`
	// Directory holds Rego sources for embedded mode.
	Directory string `yaml:"directory"`
	// Query is the rule evaluated per request.
	Query    string               `yaml:"query"`
	External ExternalPolicyConfig `yaml:"external"`
	CacheTTL Duration             `yaml:"cache_ttl"`
}

// ExternalPolicyConfig is the external decision service address.
type ExternalPolicyConfig struct {
	URL          string `yaml:"url"`
	DecisionPath string `yaml:"decision_path"`
}

// RateLimitConfig controls request rate limiting. Disabled by default.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// AuditConfig controls the audit log.
type AuditConfig struct {
	// Enabled defaults to true.
	Enabled          *bool    `yaml:"enabled"`
	SensitiveHeaders []string `yaml:"sensitive_headers"`
}

// ReadFromFile loads and validates a configuration file.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	cfg, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %v", path)
	}
	return cfg, nil
}

// ReadConfig parses and validates configuration YAML.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg FileConfig
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, trace.BadParameter("parsing config: %v", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.Proxy.Target.Scheme == "" {
		c.Proxy.Target.Scheme = defaults.TargetScheme
	}
	if c.Proxy.Target.Scheme != "http" && c.Proxy.Target.Scheme != "https" {
		return trace.BadParameter("proxy.target.scheme must be http or https, got %q", c.Proxy.Target.Scheme)
	}
	if c.Proxy.Target.Host == "" {
		c.Proxy.Target.Host = defaults.TargetHost
	}
	if c.Proxy.Target.Port == 0 {
		c.Proxy.Target.Port = defaults.TargetPort
	}
	if c.Proxy.Target.Port < 0 || c.Proxy.Target.Port > 65535 {
		return trace.BadParameter("proxy.target.port out of range: %d", c.Proxy.Target.Port)
	}
	if c.Proxy.PropagateHeaders == nil {
		c.Proxy.PropagateHeaders = defaults.PropagateHeaders
	}

	if c.Auth.Enabled == nil {
		c.Auth.Enabled = newBool(true)
	}
	for name, profile := range c.Auth.Profiles {
		if profile.Issuer == "" {
			return trace.BadParameter("auth.profiles.%v: missing issuer", name)
		}
	}
	if *c.Auth.Enabled && len(c.Auth.Profiles) == 0 {
		return trace.BadParameter("auth.enabled requires at least one profile under auth.profiles")
	}

	if c.Authz.Enabled == nil {
		c.Authz.Enabled = newBool(true)
	}
	if c.Authz.RolesService.Enabled == nil {
		c.Authz.RolesService.Enabled = newBool(true)
	}
	if c.Authz.RolesService.CacheEnabled == nil {
		c.Authz.RolesService.CacheEnabled = newBool(true)
	}
	if *c.Authz.Enabled && *c.Authz.RolesService.Enabled && c.Authz.RolesService.URL == "" {
		return trace.BadParameter("authz.roles_service.url is required when the roles service is enabled")
	}

	if c.Policy.Enabled == nil {
		c.Policy.Enabled = newBool(true)
	}
	if c.Policy.Mode == "" {
		c.Policy.Mode = policy.ModeEmbedded
	}
	if c.Policy.Mode != policy.ModeEmbedded && c.Policy.Mode != policy.ModeExternal {
		return trace.BadParameter("policy.mode must be %q or %q, got %q",
			policy.ModeEmbedded, policy.ModeExternal, c.Policy.Mode)
	}
	if c.Policy.Query == "" {
		c.Policy.Query = defaults.PolicyQuery
	}
	if c.Policy.External.URL == "" {
		c.Policy.External.URL = defaults.ExternalPolicyURL
	}
	if c.Policy.External.DecisionPath == "" {
		c.Policy.External.DecisionPath = defaults.ExternalDecisionPath
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return trace.BadParameter("rate_limit.requests_per_second must be positive")
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = defaults.BurstSize
	}
	if c.RateLimit.BurstSize < 0 {
		return trace.BadParameter("rate_limit.burst_size must be positive")
	}

	if c.Audit.Enabled == nil {
		c.Audit.Enabled = newBool(true)
	}
	if c.Audit.SensitiveHeaders == nil {
		c.Audit.SensitiveHeaders = defaults.SensitiveHeaders
	}
	return nil
}

func newBool(b bool) *bool {
	return &b
}
