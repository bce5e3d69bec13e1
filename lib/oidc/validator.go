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

// Package oidc verifies bearer tokens against a configured identity
// provider profile: signature against the provider JWKS, then the
// standard registered claims. One Validator per profile.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/zitadel/oidc/v3/pkg/client"
	"golang.org/x/sync/singleflight"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/defaults"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentOIDC)

// providerTimeout caps discovery and JWKS fetches so a slow provider
// cannot stall token validation.
const providerTimeout = 15 * time.Second

// Validation failure kinds. Every one of them maps to an HTTP 401 at the
// gateway; they exist so logs and tests can tell the cases apart.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrUnknownSigner  = errors.New("token signed by unknown key")
	ErrBadSignature   = errors.New("token signature verification failed")
	ErrExpired        = errors.New("token expired or not yet valid")
	ErrWrongIssuer    = errors.New("token issued by unexpected issuer")
	ErrWrongAudience  = errors.New("token audience mismatch")
)

// ProfileConfig describes one identity provider profile.
type ProfileConfig struct {
	// Name is the profile identifier ("default", "entra", ...).
	Name string
	// Issuer is the expected value of the "iss" claim. When JWKSURI is
	// empty it is also the base URL for OIDC discovery.
	Issuer string
	// Audiences the token must intersect with. Empty disables the check.
	Audiences []string
	// Algorithms is the allowlist of JWS algorithms.
	Algorithms []string
	// JWKSURI overrides discovery when set.
	JWKSURI string
	// RefreshInterval between background JWKS refreshes.
	RefreshInterval time.Duration
	// ClockSkew tolerated on time-based claims.
	ClockSkew time.Duration
	// Client is the HTTP client used for discovery and JWKS fetches.
	Client *http.Client
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the profile and fills in defaults.
func (c *ProfileConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing profile name")
	}
	if c.Issuer == "" {
		return trace.BadParameter("profile %q: missing issuer", c.Name)
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = []string{string(jose.RS256)}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.JWKSRefreshInterval
	}
	if c.ClockSkew < 0 {
		return trace.BadParameter("profile %q: negative clock skew", c.Name)
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = defaults.ClockSkew
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Transport: defaults.Transport(defaults.ReadTimeout),
			Timeout:   providerTimeout,
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Validator verifies compact serialized tokens for a single profile.
// The JWKS is cached and refreshed in the background; a token carrying
// an unknown kid triggers one single-flight refresh before failing.
type Validator struct {
	cfg        ProfileConfig
	algorithms []jose.SignatureAlgorithm

	group singleflight.Group

	mu      sync.RWMutex
	jwksURI string
	keys    *jose.JSONWebKeySet
}

// NewValidator creates a Validator for the profile. Keys are fetched
// lazily on first use.
func NewValidator(cfg ProfileConfig) (*Validator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	algs := make([]jose.SignatureAlgorithm, 0, len(cfg.Algorithms))
	for _, a := range cfg.Algorithms {
		algs = append(algs, jose.SignatureAlgorithm(a))
	}
	return &Validator{
		cfg:        cfg,
		algorithms: algs,
		jwksURI:    cfg.JWKSURI,
	}, nil
}

// Run refreshes the JWKS on the configured interval until ctx is done.
func (v *Validator) Run(ctx context.Context) {
	ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := v.refresh(ctx); err != nil {
				log.WarnContext(ctx, "JWKS refresh failed",
					"profile", v.cfg.Name, "error", err)
			}
		}
	}
}

// Validate verifies the compact token and returns its claims.
func (v *Validator) Validate(ctx context.Context, raw string) (map[string]any, error) {
	sig, err := jose.ParseSigned(raw, v.algorithms)
	if err != nil {
		return nil, trace.Wrap(ErrMalformedToken, "parsing token: %v", err)
	}
	if len(sig.Signatures) != 1 {
		return nil, trace.Wrap(ErrMalformedToken, "token carries %d signatures", len(sig.Signatures))
	}
	kid := sig.Signatures[0].Header.KeyID

	payload, err := v.verifySignature(ctx, sig, kid)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.Wrap(ErrMalformedToken, "decoding claims: %v", err)
	}
	if err := v.checkClaims(claims); err != nil {
		return nil, trace.Wrap(err)
	}
	return claims, nil
}

func (v *Validator) verifySignature(ctx context.Context, sig *jose.JSONWebSignature, kid string) ([]byte, error) {
	keys, err := v.candidateKeys(ctx, kid)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(keys) == 0 {
		return nil, trace.Wrap(ErrUnknownSigner, "no key for kid %q", kid)
	}
	for _, key := range keys {
		payload, err := sig.Verify(key)
		if err == nil {
			return payload, nil
		}
	}
	return nil, trace.Wrap(ErrBadSignature)
}

// candidateKeys returns the cached keys matching kid, refreshing the
// JWKS once when the kid is unknown. Key rotation at the provider is
// picked up here without waiting for the background interval.
func (v *Validator) candidateKeys(ctx context.Context, kid string) ([]jose.JSONWebKey, error) {
	if keys := v.lookup(kid); len(keys) > 0 {
		return keys, nil
	}
	if err := v.refresh(ctx); err != nil {
		return nil, trace.Wrap(ErrUnknownSigner, "refreshing keys: %v", err)
	}
	return v.lookup(kid), nil
}

func (v *Validator) lookup(kid string) []jose.JSONWebKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return nil
	}
	if kid == "" {
		return v.keys.Keys
	}
	return v.keys.Key(kid)
}

// refresh fetches the JWKS, resolving the URI via OIDC discovery when
// not configured. Concurrent callers share one fetch.
func (v *Validator) refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		defer cancel()

		uri, err := v.resolveJWKSURI(fetchCtx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		set, err := fetchKeySet(fetchCtx, v.cfg.Client, uri)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		v.mu.Lock()
		v.keys = set
		v.mu.Unlock()
		log.DebugContext(ctx, "Refreshed JWKS",
			"profile", v.cfg.Name, "keys", len(set.Keys))
		return nil, nil
	})
	return trace.Wrap(err)
}

func (v *Validator) resolveJWKSURI(ctx context.Context) (string, error) {
	v.mu.RLock()
	uri := v.jwksURI
	v.mu.RUnlock()
	if uri != "" {
		return uri, nil
	}

	dc, err := client.Discover(ctx, v.cfg.Issuer, v.cfg.Client)
	if err != nil {
		return "", trace.Wrap(err, "discovering oidc configuration for %q", v.cfg.Issuer)
	}
	if dc.JwksURI == "" {
		return "", trace.BadParameter("issuer %q advertises no jwks_uri", v.cfg.Issuer)
	}
	v.mu.Lock()
	v.jwksURI = dc.JwksURI
	v.mu.Unlock()
	return dc.JwksURI, nil
}

func fetchKeySet(ctx context.Context, httpClient *http.Client, uri string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "fetching JWKS from %q", uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "JWKS endpoint %q returned status %d", uri, resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, trace.Wrap(err, "decoding JWKS document")
	}
	return &set, nil
}

func (v *Validator) checkClaims(claims map[string]any) error {
	now := v.cfg.Clock.Now()
	skew := v.cfg.ClockSkew

	exp, ok := numericClaim(claims, "exp")
	if !ok {
		return trace.Wrap(ErrExpired, "token carries no expiry")
	}
	if now.After(time.Unix(exp, 0).Add(skew)) {
		return trace.Wrap(ErrExpired)
	}
	if nbf, ok := numericClaim(claims, "nbf"); ok {
		if now.Add(skew).Before(time.Unix(nbf, 0)) {
			return trace.Wrap(ErrExpired, "token not yet valid")
		}
	}
	if iat, ok := numericClaim(claims, "iat"); ok {
		if now.Add(skew).Before(time.Unix(iat, 0)) {
			return trace.Wrap(ErrExpired, "token issued in the future")
		}
	}

	if iss, _ := claims["iss"].(string); iss != v.cfg.Issuer {
		return trace.Wrap(ErrWrongIssuer, "got issuer %q", iss)
	}

	if len(v.cfg.Audiences) > 0 && !audienceMatches(claims["aud"], v.cfg.Audiences) {
		return trace.Wrap(ErrWrongAudience)
	}
	return nil
}

func audienceMatches(claim any, expected []string) bool {
	var audiences []string
	switch aud := claim.(type) {
	case string:
		audiences = []string{aud}
	case []any:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				audiences = append(audiences, s)
			}
		}
	default:
		return false
	}
	for _, have := range audiences {
		for _, want := range expected {
			if have == want {
				return true
			}
		}
	}
	return false
}

func numericClaim(claims map[string]any, name string) (int64, bool) {
	switch n := claims[name].(type) {
	case float64:
		return int64(n), true
	case json.Number:
		v, err := n.Int64()
		return v, err == nil
	default:
		return 0, false
	}
}
