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

package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/events"
	"github.com/gravitational/authgate/lib/httplib"
	"github.com/gravitational/authgate/lib/limiter"
	"github.com/gravitational/authgate/lib/oidc"
	"github.com/gravitational/authgate/lib/policy"
)

const testIssuer = "https://keycloak.example.com/realms/acme"

// gatewayPolicy: admin area needs the admin role, other /api paths need
// any authenticated user.
const gatewayPolicy = `package authz

import rego.v1

default allow := false

allow if {
	startswith(input.request.path, "/api/admin")
	"admin" in input.user.roles
}

allow if {
	not startswith(input.request.path, "/api/admin")
	input.user.id != "anonymous"
}
`

// env is one fully wired gateway with a fake IdP and backend.
type env struct {
	gateway *Gateway
	backend *backendRecorder
	signer  jose.Signer
	engine  *policy.Embedded
	audit   *bytes.Buffer
}

type backendRecorder struct {
	server  *httptest.Server
	headers http.Header
}

func newBackend(t *testing.T) *backendRecorder {
	t.Helper()
	b := &backendRecorder{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("backend-ok"))
	}))
	t.Cleanup(b.server.Close)
	return b
}

type envOption func(*Config)

func withRateLimit(l *limiter.Limiter) envOption {
	return func(cfg *Config) {
		cfg.RateLimitEnabled = true
		cfg.Limiter = l
	}
}

func withAddHeaders(headers map[string]string) envOption {
	return func(cfg *Config) { cfg.AddHeaders = headers }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}})
	}))
	t.Cleanup(jwks.Close)

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       &jose.JSONWebKey{Key: key, KeyID: "k1"},
	}, nil)
	require.NoError(t, err)

	validator, err := oidc.NewValidator(oidc.ProfileConfig{
		Name:      "default",
		Issuer:    testIssuer,
		Audiences: []string{"authgate"},
		JWKSURI:   jwks.URL,
	})
	require.NoError(t, err)

	engine := policy.NewEmbedded(defaults.PolicyQuery)
	require.NoError(t, engine.Compile(context.Background(),
		map[string]string{"authz.rego": gatewayPolicy}))
	evaluator, err := policy.NewEvaluator(policy.EvaluatorConfig{Engine: engine})
	require.NoError(t, err)

	backend := newBackend(t)
	target, err := url.Parse(backend.server.URL)
	require.NoError(t, err)

	audit := &bytes.Buffer{}
	auditLogger, err := events.NewLogger(events.Config{Enabled: true, Sink: audit})
	require.NoError(t, err)

	cfg := Config{
		AuthEnabled:   true,
		PublicPaths:   []string{"/api/public/**"},
		Validators:    map[string]*oidc.Validator{"default": validator},
		PolicyEnabled: true,
		Evaluator:     evaluator,
		PolicyReady:   engine.Loaded,
		Audit:         auditLogger,
		Target:        target,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)

	return &env{gateway: gw, backend: backend, signer: signer, engine: engine, audit: audit}
}

func (e *env) token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := map[string]any{
		"iss":   testIssuer,
		"aud":   "authgate",
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"realm_access": map[string]any{
			"roles": roles,
		},
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	obj, err := e.signer.Sign(payload)
	require.NoError(t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func (e *env) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = "203.0.113.7:4567"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.gateway.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, body io.Reader) httplib.ErrorBody {
	t.Helper()
	var eb httplib.ErrorBody
	require.NoError(t, json.NewDecoder(body).Decode(&eb))
	return eb
}

func (e *env) lastAudit(t *testing.T) events.Record {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(e.audit.Bytes()), []byte("\n"))
	var record events.Record
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &record))
	return record
}

func TestMissingToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/v1/orders", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	require.Equal(t, httplib.CodeUnauthorized, decodeError(t, w.Body).Code)

	record := e.lastAudit(t)
	require.Equal(t, events.OutcomeAuthenticationFailed, record.Outcome)
	require.Equal(t, "anonymous", record.User.ID)
}

func TestInvalidToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/v1/orders", "garbage.token.here")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, httplib.CodeUnauthorized, decodeError(t, w.Body).Code)
}

func TestAuthorizedRequestForwarded(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/v1/orders", e.token(t, "user-1", "user"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "backend-ok", w.Body.String())

	// Identity headers injected, bearer token stripped.
	require.Equal(t, "user-1", e.backend.headers.Get(authgate.HeaderAuthUserID))
	require.Equal(t, "user-1@example.com", e.backend.headers.Get(authgate.HeaderAuthUserEmail))
	require.Equal(t, "user", e.backend.headers.Get(authgate.HeaderAuthUserRoles))
	require.Equal(t, "acme", e.backend.headers.Get(authgate.HeaderAuthTenant))
	require.Empty(t, e.backend.headers.Get("Authorization"))
	require.NotEmpty(t, e.backend.headers.Get(authgate.HeaderRequestID))

	record := e.lastAudit(t)
	require.Equal(t, events.OutcomeSuccess, record.Outcome)
	require.Equal(t, "user-1", record.User.ID)
	require.Equal(t, events.Redacted, record.Request.Headers["Authorization"])
}

func TestPolicyDenied(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/admin/settings", e.token(t, "user-1", "user"))
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeError(t, w.Body)
	require.Equal(t, httplib.CodeForbidden, body.Code)
	require.Equal(t, policy.ReasonDenied, body.Message)

	require.Equal(t, events.OutcomeAuthorizationDenied, e.lastAudit(t).Outcome)
}

func TestAdminAllowed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/admin/settings", e.token(t, "adm", "admin"))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPublicPathBypassesAuth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/public/docs/index.html", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "backend-ok", w.Body.String())
	require.Empty(t, e.backend.headers.Get(authgate.HeaderAuthUserID))
}

func TestRateLimited(t *testing.T) {
	t.Parallel()

	l, err := limiter.New(limiter.Config{Rate: 1, Burst: 2})
	require.NoError(t, err)
	e := newEnv(t, withRateLimit(l))

	var last *httptest.ResponseRecorder
	for range 5 {
		last = e.do(t, "GET", "/api/v1/orders", "")
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	require.NotEmpty(t, last.Header().Get("Retry-After"))
	require.Equal(t, httplib.CodeTooManyRequests, decodeError(t, last.Body).Code)
	require.Equal(t, events.OutcomeRateLimited, e.lastAudit(t).Outcome)
}

func TestBackendDown(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.backend.server.Close()

	w := e.do(t, "GET", "/api/v1/orders", e.token(t, "user-1", "user"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Contains(t, body["error"], "Service Unavailable")

	require.Equal(t, events.OutcomeServerError, e.lastAudit(t).Outcome)
}

func TestPolicyNotInitialized(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	// Fresh engine with no module behind the same evaluator config.
	engine := policy.NewEmbedded(defaults.PolicyQuery)
	evaluator, err := policy.NewEvaluator(policy.EvaluatorConfig{Engine: engine})
	require.NoError(t, err)
	e.gateway.cfg.Evaluator = evaluator

	w := e.do(t, "GET", "/api/v1/orders", e.token(t, "user-1", "user"))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, policy.ReasonNotInitialized, decodeError(t, w.Body).Message)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, path := range []string{"/live", "/health", "/q/health", "/ready", "/q/health/ready"} {
		w := e.do(t, "GET", path, "")
		require.Equal(t, http.StatusOK, w.Code, "path %s", path)
	}

	w := e.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "authgate_proxy_requests_total")
}

func TestReadyRequiresPolicy(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	engine := policy.NewEmbedded(defaults.PolicyQuery)
	e.gateway.cfg.PolicyReady = engine.Loaded

	w := e.do(t, "GET", "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAddHeaderTemplates(t *testing.T) {
	t.Parallel()

	e := newEnv(t, withAddHeaders(map[string]string{
		"X-User":   "${user.id}",
		"X-Tenant": "${user.tenant}",
	}))

	w := e.do(t, "GET", "/api/v1/orders", e.token(t, "user-1", "user"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", e.backend.headers.Get("X-User"))
	require.Equal(t, "acme", e.backend.headers.Get("X-Tenant"))
	require.Empty(t, e.backend.headers.Get(authgate.HeaderAuthUserID),
		"configured templates replace the default identity headers")
}

func TestRequestIDGenerated(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	w := e.do(t, "GET", "/api/public/docs", "")
	require.NotEmpty(t, w.Header().Get(authgate.HeaderRequestID))

	r := httptest.NewRequest("GET", "/api/public/docs", nil)
	r.Header.Set(authgate.HeaderRequestID, "req-42")
	w2 := httptest.NewRecorder()
	e.gateway.ServeHTTP(w2, r)
	require.Equal(t, "req-42", w2.Header().Get(authgate.HeaderRequestID))
}
