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

// Package gateway implements the authenticating reverse proxy: the
// ordered request pipeline, the gateway-local health and metrics
// endpoints, and the forwarder to the protected backend.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authn"
	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/events"
	"github.com/gravitational/authgate/lib/httplib"
	"github.com/gravitational/authgate/lib/limiter"
	"github.com/gravitational/authgate/lib/oidc"
	"github.com/gravitational/authgate/lib/pathmatch"
	"github.com/gravitational/authgate/lib/policy"
	"github.com/gravitational/authgate/lib/roles"
	"github.com/gravitational/authgate/lib/tenant"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentGateway)

// Config wires the pipeline stages together. Nil optional components
// disable their stage.
type Config struct {
	// AuthEnabled gates token validation. Disabled, every caller is
	// anonymous.
	AuthEnabled bool
	// PublicPaths bypass authentication and policy.
	PublicPaths []string
	// Validators verify tokens, keyed by identity provider profile.
	Validators map[string]*oidc.Validator

	// Enricher merges roles service grants, nil to disable.
	Enricher *roles.Enricher

	// PolicyEnabled gates policy evaluation. Disabled, authenticated
	// requests are forwarded without a decision.
	PolicyEnabled bool
	// Evaluator computes policy decisions.
	Evaluator *policy.Evaluator
	// PolicyReady reports whether a policy module is loaded, used by the
	// readiness endpoint. Nil means always ready.
	PolicyReady func() bool

	// RateLimitEnabled gates both the pre-auth IP limit and the
	// per-principal limit.
	RateLimitEnabled bool
	// Limiter enforces request rates.
	Limiter *limiter.Limiter

	// Audit emits one record per proxied request.
	Audit *events.Logger

	// Target is the backend base URL.
	Target *url.URL
	// ConnectTimeout bounds the backend dial.
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for backend response headers.
	ReadTimeout time.Duration
	// PropagateHeaders is the whitelist of inbound headers forwarded to
	// the backend.
	PropagateHeaders []string
	// AddHeaders are extra forwarded headers; values may use ${user.*}
	// placeholders.
	AddHeaders map[string]string

	// RequestBudget aborts requests exceeding it with 504.
	RequestBudget time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.AuthEnabled && len(c.Validators) == 0 {
		return trace.BadParameter("authentication enabled without token validators")
	}
	if c.PolicyEnabled && c.Evaluator == nil {
		return trace.BadParameter("policy enabled without an evaluator")
	}
	if c.RateLimitEnabled && c.Limiter == nil {
		return trace.BadParameter("rate limiting enabled without a limiter")
	}
	if c.Target == nil {
		c.Target = &url.URL{
			Scheme: defaults.TargetScheme,
			Host:   defaults.TargetHost + ":" + strconv.Itoa(defaults.TargetPort),
		}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.PropagateHeaders == nil {
		c.PropagateHeaders = defaults.PropagateHeaders
	}
	if c.RequestBudget <= 0 {
		c.RequestBudget = defaults.RequestBudget
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Gateway is the http.Handler terminating all inbound traffic.
type Gateway struct {
	cfg   Config
	proxy http.Handler
	local *http.ServeMux
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Gateway{cfg: cfg}
	g.proxy = g.newProxy()
	g.local = g.newLocalMux()
	return g, nil
}

// newLocalMux serves the reserved gateway-local endpoints.
func (g *Gateway) newLocalMux() *http.ServeMux {
	live := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	ready := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.PolicyReady != nil && !g.cfg.PolicyReady() {
			httplib.ReplyServiceUnavailable(w, "Policy module not loaded")
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	mux := http.NewServeMux()
	mux.Handle("/live", live)
	mux.Handle("/health", live)
	mux.Handle("/q/health", live)
	mux.Handle("/q/health/live", live)
	mux.Handle("/ready", ready)
	mux.Handle("/q/health/ready", ready)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/q/metrics", promhttp.Handler())
	mux.Handle("/q/", live)
	return mux
}

func reservedPath(path string) bool {
	for _, prefix := range defaults.ReservedPrefixes {
		if strings.HasSuffix(prefix, "/") {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// ServeHTTP runs the pipeline: request ID, reserved and public path
// short-circuits, pre-auth IP rate limit, token validation, claim
// normalization, principal rate limit, roles enrichment, policy
// evaluation, then forwarding. Every non-reserved request produces
// exactly one audit record, aborted ones included.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if requestID := r.Header.Get(authgate.HeaderRequestID); requestID == "" {
		r.Header.Set(authgate.HeaderRequestID, uuid.NewString())
	}
	w.Header().Set(authgate.HeaderRequestID, r.Header.Get(authgate.HeaderRequestID))

	if reservedPath(r.URL.Path) {
		g.local.ServeHTTP(w, r)
		return
	}

	start := g.cfg.Clock.Now()
	rec := newRecorder(w)

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestBudget)
	defer cancel()
	r = r.WithContext(ctx)

	actx := authz.Anonymous()
	defer func() {
		if p := recover(); p != nil {
			log.ErrorContext(ctx, "Panic while handling request",
				"request_id", r.Header.Get(authgate.HeaderRequestID),
				"panic", p, "stack", string(debug.Stack()))
			if rec.Status() == 0 {
				httplib.ReplyInternalError(rec)
			}
		}
		duration := g.cfg.Clock.Since(start)
		requestDuration.Observe(duration.Seconds())
		requestsTotal.WithLabelValues(events.Outcome(rec.Status())).Inc()
		g.cfg.Audit.Emit(context.WithoutCancel(ctx), actx, r, rec.Status(), duration)
	}()

	if pathmatch.MatchesAny(r.URL.Path, g.cfg.PublicPaths) {
		g.forward(rec, r, actx)
		return
	}

	if g.cfg.RateLimitEnabled {
		if ok, retryAfter := g.cfg.Limiter.Allow("ip:" + limiter.ClientIP(r)); !ok {
			rateLimited.Inc()
			httplib.ReplyTooManyRequests(rec, retryAfter)
			return
		}
	}

	if g.cfg.AuthEnabled {
		var ok bool
		if actx, ok = g.authenticate(rec, r); !ok {
			return
		}
	}

	if g.cfg.RateLimitEnabled && actx.IsAuthenticated() {
		if ok, retryAfter := g.cfg.Limiter.Allow(limiter.PrincipalKey(actx, r)); !ok {
			rateLimited.Inc()
			httplib.ReplyTooManyRequests(rec, retryAfter)
			return
		}
	}

	if g.cfg.Enricher != nil {
		actx = g.cfg.Enricher.Enrich(ctx, actx)
	}

	if g.cfg.PolicyEnabled {
		if !g.authorize(ctx, rec, r, actx) {
			return
		}
	}

	g.forward(rec, r, actx)
}

// authenticate validates the bearer token and returns the caller
// context. On failure it writes the 401 reply and returns ok=false.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (*authz.Context, bool) {
	raw := tenant.BearerToken(r)
	if raw == "" {
		authFailures.Inc()
		httplib.ReplyUnauthorized(w, "Authentication required")
		return nil, false
	}

	profile := tenant.Resolve(r)
	validator := g.cfg.Validators[profile]
	if validator == nil {
		// Unknown tenant names fall back to the default profile.
		validator = g.cfg.Validators[tenant.DefaultProfile]
	}
	if validator == nil {
		authFailures.Inc()
		httplib.ReplyUnauthorized(w, "Unknown identity provider")
		return nil, false
	}

	claims, err := validator.Validate(r.Context(), raw)
	if err != nil {
		authFailures.Inc()
		log.DebugContext(r.Context(), "Token validation failed",
			"request_id", r.Header.Get(authgate.HeaderRequestID),
			"profile", profile, "error", err)
		httplib.ReplyUnauthorized(w, "Invalid or expired token")
		return nil, false
	}
	return authn.Normalize(profile, claims), true
}

// authorize evaluates policy for the request. On deny it writes the
// reply and returns false. The fail-closed fallback maps to 503, every
// other deny to 403.
func (g *Gateway) authorize(ctx context.Context, w http.ResponseWriter, r *http.Request, actx *authz.Context) bool {
	input := authz.NewInput(actx, r.Method, r.URL.Path,
		flattenHeaders(r.Header), flattenQuery(r.URL.Query()), g.cfg.Clock.Now())

	decision := g.cfg.Evaluator.Evaluate(ctx, input)
	if decision.Allowed {
		return true
	}
	policyDenials.Inc()
	if decision.Reason == policy.ReasonUnavailable {
		httplib.ReplyServiceUnavailable(w, decision.Reason)
		return false
	}
	httplib.ReplyForbidden(w, decision.Reason, decision.Violations)
	return false
}

func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func flattenQuery(query url.Values) map[string]string {
	out := make(map[string]string, len(query))
	for name, values := range query {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
