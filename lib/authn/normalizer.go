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

// Package authn normalizes verified token claims into an authorization
// context. The two supported claim dialects are the self-hosted realm
// IdP (realm_access/resource_access roles) and the cloud IdP
// (roles/groups, oid, tid). Missing optional claims never cause failure.
package authn

import (
	"sort"
	"strings"

	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/tenant"
)

// Normalize derives an authorization context from verified claims.
// profile selects the claim dialect; unknown profiles fall back to
// sniffing the issuer. An absent subject yields the anonymous context.
func Normalize(profile string, claims map[string]any) *authz.Context {
	if claims == nil {
		return authz.Anonymous()
	}

	issuer, _ := claims["iss"].(string)
	entra := profile == tenant.EntraProfile
	if !entra && profile != tenant.DefaultProfile {
		entra = tenant.FromIssuer(issuer) == tenant.EntraProfile
	}

	userID := stringClaim(claims, "sub")
	if entra {
		// The cloud IdP's immutable user identifier.
		if oid := stringClaim(claims, "oid"); oid != "" {
			userID = oid
		}
	}
	if userID == "" {
		return authz.Anonymous()
	}

	preferredUsername := stringClaim(claims, "preferred_username")
	if preferredUsername == "" && entra {
		preferredUsername = stringClaim(claims, "upn")
	}

	var roles []string
	if entra {
		roles = union(stringSliceClaim(claims, "roles"), stringSliceClaim(claims, "groups"))
	} else {
		roles = union(realmRoles(claims), resourceRoles(claims))
	}

	var tenantID string
	if entra {
		tenantID = stringClaim(claims, "tid")
	} else {
		tenantID = tenantFromIssuer(issuer)
	}

	return &authz.Context{
		UserID:            userID,
		Email:             stringClaim(claims, "email"),
		Name:              stringClaim(claims, "name"),
		PreferredUsername: preferredUsername,
		Issuer:            issuer,
		Audience:          stringSliceClaim(claims, "aud"),
		Roles:             roles,
		Permissions:       []string{},
		Claims:            claims,
		IssuedAt:          int64Claim(claims, "iat"),
		ExpiresAt:         int64Claim(claims, "exp"),
		TokenID:           stringClaim(claims, "jti"),
		Tenant:            tenantID,
	}
}

// realmRoles reads realm_access.roles.
func realmRoles(claims map[string]any) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	return anySlice(access["roles"])
}

// resourceRoles reads resource_access.{client}.roles, qualifying each
// role as "{client}:{role}".
func resourceRoles(claims map[string]any) []string {
	access, ok := claims["resource_access"].(map[string]any)
	if !ok {
		return nil
	}
	var roles []string
	for clientID, v := range access {
		client, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, role := range anySlice(client["roles"]) {
			roles = append(roles, clientID+":"+role)
		}
	}
	return roles
}

func tenantFromIssuer(issuer string) string {
	if idx := strings.LastIndex(issuer, "/realms/"); idx >= 0 {
		return issuer[idx+len("/realms/"):]
	}
	return ""
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

func int64Claim(claims map[string]any, name string) int64 {
	if f, ok := claims[name].(float64); ok {
		return int64(f)
	}
	if n, ok := claims[name].(int64); ok {
		return n
	}
	return 0
}

// stringSliceClaim reads a claim that may be a single string or a list.
func stringSliceClaim(claims map[string]any, name string) []string {
	if s, ok := claims[name].(string); ok {
		return []string{s}
	}
	return anySlice(claims[name])
}

func anySlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// union merges the two sets, deduplicated and sorted for determinism.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
