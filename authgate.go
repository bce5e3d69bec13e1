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

// Package authgate contains constants shared across the authgate codebase.
package authgate

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentGateway is the request pipeline and reverse proxy.
	ComponentGateway = "gateway"

	// ComponentOIDC is the token validator and JWKS machinery.
	ComponentOIDC = "oidc"

	// ComponentRoles is the roles service client and enricher.
	ComponentRoles = "roles"

	// ComponentPolicy is the policy engine and loader.
	ComponentPolicy = "policy"

	// ComponentLimiter is the rate limiter.
	ComponentLimiter = "limiter"

	// ComponentAudit is the audit event emitter.
	ComponentAudit = "audit"

	// ComponentService is the process-level supervisor.
	ComponentService = "service"
)

const (
	// HeaderRequestID carries the caller-supplied or generated request ID.
	HeaderRequestID = "X-Request-ID"

	// HeaderTenantID explicitly selects an identity provider profile and
	// scopes roles lookups.
	HeaderTenantID = "X-Tenant-ID"

	// HeaderAuthUserID carries the authenticated principal ID to the backend.
	HeaderAuthUserID = "X-Auth-User-Id"

	// HeaderAuthUserEmail carries the authenticated principal email to the backend.
	HeaderAuthUserEmail = "X-Auth-User-Email"

	// HeaderAuthUserRoles carries the comma-joined role set to the backend.
	HeaderAuthUserRoles = "X-Auth-User-Roles"

	// HeaderAuthTenant carries the resolved tenant to the backend.
	HeaderAuthTenant = "X-Auth-Tenant"
)

// Version is the authgate version, set at build time.
var Version = "0.1.0-dev"
