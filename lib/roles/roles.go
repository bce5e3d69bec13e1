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

// Package roles enriches an authenticated context with roles and
// permissions from the external roles service. The service is treated
// as best-effort: every failure mode degrades to the token-derived
// grants, never to a denied request.
package roles

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/faults"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentRoles)

// rolesRoute is the roles service endpoint, relative to its base URL.
const rolesRoute = "/api/v1/users/{userId}/roles"

// Getter fetches the grants document for a user.
type Getter interface {
	GetRoles(ctx context.Context, userID, tenant string) (*authz.RolesResponse, error)
}

// ClientConfig configures the roles service HTTP client.
type ClientConfig struct {
	// BaseURL of the roles service.
	BaseURL string
	// Timeout bounds a single HTTP exchange. The per-attempt budget is
	// enforced by the fault wrapper; this is a backstop on the transport.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing roles service base URL")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.CallTimeout
	}
	return nil
}

// Client calls the roles service.
type Client struct {
	rc *resty.Client
}

// NewClient creates a roles service client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc}, nil
}

// GetRoles fetches the grants for userID, scoped to tenant when set.
func (c *Client) GetRoles(ctx context.Context, userID, tenant string) (*authz.RolesResponse, error) {
	req := c.rc.R().
		SetContext(ctx).
		SetPathParam("userId", userID).
		SetResult(&authz.RolesResponse{})
	if tenant != "" {
		req.SetHeader(authgate.HeaderTenantID, tenant)
	}
	resp, err := req.Get(rolesRoute)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "calling roles service")
	}
	if resp.IsError() {
		return nil, trace.Errorf("roles service returned status %d", resp.StatusCode())
	}
	result, ok := resp.Result().(*authz.RolesResponse)
	if !ok || result == nil {
		return nil, trace.Errorf("roles service returned an unexpected document")
	}
	return result, nil
}

type cacheKey struct {
	userID string
	tenant string
}

// EnricherConfig configures the enrichment stage.
type EnricherConfig struct {
	// Getter fetches grants; usually a *Client.
	Getter Getter
	// CacheEnabled toggles the response cache.
	CacheEnabled bool
	// CacheTTL is how long a cached response stays fresh.
	CacheTTL time.Duration
	// CacheSize bounds the cache.
	CacheSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EnricherConfig) CheckAndSetDefaults() error {
	if c.Getter == nil {
		return trace.BadParameter("missing roles getter")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.RolesCacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.RolesCacheSize
	}
	return nil
}

// Enricher merges externally managed grants into the request context.
type Enricher struct {
	cfg     EnricherConfig
	cache   *expirable.LRU[cacheKey, *authz.RolesResponse]
	breaker faults.Spec
}

// NewEnricher creates an Enricher.
func NewEnricher(cfg EnricherConfig) (*Enricher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Enricher{
		cfg: cfg,
		breaker: faults.Spec{
			Timeout:    defaults.CallTimeout,
			Retries:    defaults.CallRetries,
			RetryDelay: defaults.RolesRetryDelay,
			Breaker:    faults.NewBreaker("roles"),
		},
	}
	if cfg.CacheEnabled {
		e.cache = expirable.NewLRU[cacheKey, *authz.RolesResponse](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return e, nil
}

// Enrich returns a context whose roles and permissions are the union of
// the token grants and the roles service grants. Unauthenticated
// contexts pass through. Any failure returns the original context so
// token-derived roles survive a roles service outage.
func (e *Enricher) Enrich(ctx context.Context, actx *authz.Context) *authz.Context {
	if actx == nil || !actx.IsAuthenticated() {
		return actx
	}

	key := cacheKey{userID: actx.UserID, tenant: actx.Tenant}
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return merge(actx, cached)
		}
	}

	response, err := faults.Do(ctx, e.breaker,
		func(ctx context.Context) (*authz.RolesResponse, error) {
			return e.cfg.Getter.GetRoles(ctx, actx.UserID, actx.Tenant)
		},
		func(err error) (*authz.RolesResponse, error) {
			if faults.IsOpen(err) {
				log.WarnContext(ctx, "Roles service breaker open, using empty grants",
					"user_id", actx.UserID)
			} else {
				log.WarnContext(ctx, "Roles service unavailable, using empty grants",
					"user_id", actx.UserID, "error", err)
			}
			return authz.EmptyRolesResponse(actx.UserID), nil
		})
	if err != nil || response == nil {
		return actx
	}

	// Fallback responses are not cached so a recovering service is
	// consulted again immediately.
	if e.cache != nil && (len(response.Roles) > 0 || len(response.Permissions) > 0 || response.Tenant != "") {
		e.cache.Add(key, response)
	}
	return merge(actx, response)
}

func merge(actx *authz.Context, response *authz.RolesResponse) *authz.Context {
	return actx.WithGrants(response.Roles, response.Permissions, response.Tenant)
}
