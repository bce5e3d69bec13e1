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

// Package defaults contains default constants used across the authgate
// codebase.
package defaults

import (
	"net/http"
	"time"
)

const (
	// ListenAddr is the address the gateway listens on.
	ListenAddr = "0.0.0.0:8080"

	// TargetScheme is the default backend scheme.
	TargetScheme = "http"

	// TargetHost is the default backend host. The backend is expected to
	// bind to loopback only so all ingress funnels through the gateway.
	TargetHost = "localhost"

	// TargetPort is the default backend port.
	TargetPort = 8081

	// ConnectTimeout is the default upstream dial timeout.
	ConnectTimeout = 5 * time.Second

	// ReadTimeout is the default upstream response timeout.
	ReadTimeout = 30 * time.Second

	// RequestBudget is the hard per-request budget. Requests exceeding it
	// are aborted with 504.
	RequestBudget = 10 * time.Second

	// ShutdownGrace is how long in-flight requests are drained on shutdown.
	ShutdownGrace = 15 * time.Second
)

const (
	// JWKSRefreshInterval is how often signing keys are refreshed in the
	// background. A refresh is also triggered by an unknown key ID.
	JWKSRefreshInterval = 5 * time.Minute

	// ClockSkew is the tolerance applied to token time claims.
	ClockSkew = 30 * time.Second

	// RolesCacheTTL is the default TTL for cached roles responses.
	RolesCacheTTL = 300 * time.Second

	// RolesCacheSize bounds the roles cache.
	RolesCacheSize = 4096

	// DecisionCacheTTL is the default TTL for cached policy decisions.
	DecisionCacheTTL = 30 * time.Second

	// DecisionCacheSize bounds the policy decision cache.
	DecisionCacheSize = 8192

	// CallTimeout is the per-attempt timeout for roles and external policy
	// calls.
	CallTimeout = 3 * time.Second

	// RolesRetryDelay is the backoff between roles service attempts.
	RolesRetryDelay = 500 * time.Millisecond

	// PolicyRetryDelay is the backoff between policy evaluation attempts.
	PolicyRetryDelay = 200 * time.Millisecond

	// CallRetries is how many times a failed dependency call is retried.
	CallRetries = 2

	// BreakerVolume is the minimum number of calls in a window before the
	// circuit breaker may trip.
	BreakerVolume = 10

	// BreakerRatio is the failure ratio at which the breaker trips.
	BreakerRatio = 0.5

	// BreakerInterval is the breaker counting window.
	BreakerInterval = 10 * time.Second

	// BreakerOpenDelay is how long the breaker stays open before probing.
	BreakerOpenDelay = 10 * time.Second
)

const (
	// MaxBuckets bounds the rate limiter bucket store.
	MaxBuckets = 10000

	// BucketTTL is how long an idle bucket survives before eviction.
	BucketTTL = 5 * time.Minute

	// SweepInterval is how often expired buckets are swept.
	SweepInterval = 5 * time.Minute

	// RequestsPerSecond is the default refill rate.
	RequestsPerSecond = 100

	// BurstSize is the default bucket capacity.
	BurstSize = 200
)

const (
	// PolicyQuery is the default rule evaluated per request.
	PolicyQuery = "data.authz.allow"

	// PolicyReloadDebounce coalesces bursts of filesystem events before a
	// policy recompile.
	PolicyReloadDebounce = 500 * time.Millisecond

	// ExternalPolicyURL is the default external decision service.
	ExternalPolicyURL = "http://localhost:8181"

	// ExternalDecisionPath is the default decision document path.
	ExternalDecisionPath = "/v1/data/authz/allow"
)

// PolicyDirectories are tried in order when no policy directory is
// configured: the production bind-mount path first, then the dev source
// path.
var PolicyDirectories = []string{"/policies", "policies"}

// ReservedPrefixes bypass authentication and are served by the gateway
// itself.
var ReservedPrefixes = []string{"/q/", "/health", "/metrics", "/ready", "/live"}

// PropagateHeaders is the default whitelist of inbound headers forwarded to
// the backend.
var PropagateHeaders = []string{
	"X-Request-ID",
	"X-Correlation-ID",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
}

// SensitiveHeaders are replaced by [REDACTED] in audit records.
var SensitiveHeaders = []string{"Authorization", "Cookie", "X-Api-Key"}

// Transport returns an http.Transport with a connection pool sized for a
// single-backend sidecar and the supplied response header timeout.
func Transport(read time.Duration) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: read,
		ExpectContinueTimeout: time.Second,
	}
}
