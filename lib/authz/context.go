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

// Package authz holds the per-request data model shared by the
// authentication, enrichment and policy evaluation stages: the caller
// context, the policy input document and the policy decision.
//
// All values in this package are treated as immutable once constructed;
// every transform returns a new value.
package authz

import (
	"slices"
	"sort"
)

// AnonymousUserID marks an unauthenticated caller.
const AnonymousUserID = "anonymous"

// Context represents a validated and enriched caller for one request.
type Context struct {
	// UserID is the stable principal identifier: "sub" for the realm IdP,
	// "oid" for the cloud IdP, AnonymousUserID when unauthenticated.
	UserID string
	// Email is the optional email claim.
	Email string
	// Name is the optional display name claim.
	Name string
	// PreferredUsername comes from "preferred_username" or "upn".
	PreferredUsername string
	// Issuer is the verbatim "iss" claim.
	Issuer string
	// Audience is the verbatim "aud" claim as an ordered list.
	Audience []string
	// Roles is the sorted union of token roles and enrichment roles.
	Roles []string
	// Permissions is populated only by enrichment, sorted.
	Permissions []string
	// Claims is the full verified claim set, kept for policy evaluation.
	Claims map[string]any
	// IssuedAt and ExpiresAt are unix seconds, 0 when absent.
	IssuedAt  int64
	ExpiresAt int64
	// TokenID is the optional "jti" claim.
	TokenID string
	// Tenant is the realm name for the realm IdP, "tid" for the cloud IdP.
	Tenant string
}

// Anonymous returns the context of an unauthenticated caller. Collections
// are empty but never nil.
func Anonymous() *Context {
	return &Context{
		UserID:      AnonymousUserID,
		Audience:    []string{},
		Roles:       []string{},
		Permissions: []string{},
		Claims:      map[string]any{},
	}
}

// IsAuthenticated reports whether the context belongs to an authenticated
// principal.
func (c *Context) IsAuthenticated() bool {
	return c != nil && c.UserID != "" && c.UserID != AnonymousUserID
}

// WithGrants returns a copy with roles and permissions unioned in, and the
// tenant replaced when the given tenant is non-empty.
func (c *Context) WithGrants(roles, permissions []string, tenant string) *Context {
	out := *c
	out.Roles = union(c.Roles, roles)
	out.Permissions = union(c.Permissions, permissions)
	if tenant != "" {
		out.Tenant = tenant
	}
	return &out
}

// union merges two string sets into a sorted, deduplicated slice.
func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Strings(out)
	return slices.Compact(out)
}
