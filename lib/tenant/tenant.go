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

// Package tenant picks the identity provider profile for an inbound
// request. The resolver only routes to a verifier, it never denies: any
// parse failure falls back to the default profile, and actual token
// validation happens later.
package tenant

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gravitational/authgate"
)

const (
	// DefaultProfile selects the self-hosted realm IdP verifier.
	DefaultProfile = "default"

	// EntraProfile selects the cloud multi-tenant IdP verifier.
	EntraProfile = "entra"
)

// entraIssuerMarkers identify tokens minted by the cloud IdP.
var entraIssuerMarkers = []string{
	"login.microsoftonline.com",
	"sts.windows.net",
	"login.microsoft.com",
}

// realmIssuerMarkers identify tokens minted by the self-hosted realm IdP.
var realmIssuerMarkers = []string{"/realms/", "keycloak"}

// unverifiedParser decodes the token payload without signature
// verification. Tenant routing happens before we know which keys to
// verify against.
var unverifiedParser = jwt.NewParser()

// Resolve returns the IdP profile identifier for the request: the
// lowercased X-Tenant-ID header when present, otherwise a profile guessed
// from the unverified "iss" claim of the bearer token.
func Resolve(r *http.Request) string {
	if explicit := r.Header.Get(authgate.HeaderTenantID); explicit != "" {
		return strings.ToLower(explicit)
	}
	return FromIssuer(issuerFromRequest(r))
}

// FromIssuer maps an issuer URL onto a profile identifier.
func FromIssuer(issuer string) string {
	for _, marker := range entraIssuerMarkers {
		if strings.Contains(issuer, marker) {
			return EntraProfile
		}
	}
	for _, marker := range realmIssuerMarkers {
		if strings.Contains(issuer, marker) {
			return DefaultProfile
		}
	}
	return DefaultProfile
}

// BearerToken extracts the compact token from the Authorization header,
// returning an empty string when absent.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func issuerFromRequest(r *http.Request) string {
	raw := BearerToken(r)
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(raw, claims); err != nil {
		return ""
	}
	issuer, err := claims.GetIssuer()
	if err != nil {
		return ""
	}
	return issuer
}
