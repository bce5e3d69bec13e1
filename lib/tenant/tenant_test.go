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

package tenant

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/authgate"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc         string
		tenantHeader string
		issuer       string
		noToken      bool
		garbage      bool
		want         string
	}{
		{desc: "explicit header wins", tenantHeader: "Contoso", issuer: "https://login.microsoftonline.com/x/v2.0", want: "contoso"},
		{desc: "entra issuer", issuer: "https://login.microsoftonline.com/tid/v2.0", want: EntraProfile},
		{desc: "sts issuer", issuer: "https://sts.windows.net/tid/", want: EntraProfile},
		{desc: "realm issuer", issuer: "https://idp.example.com/realms/acme", want: DefaultProfile},
		{desc: "keycloak host", issuer: "https://keycloak.example.com/auth", want: DefaultProfile},
		{desc: "unknown issuer", issuer: "https://idp.example.com/oauth2", want: DefaultProfile},
		{desc: "no token", noToken: true, want: DefaultProfile},
		{desc: "garbage token", garbage: true, want: DefaultProfile},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/thing", nil)
			if tt.tenantHeader != "" {
				r.Header.Set(authgate.HeaderTenantID, tt.tenantHeader)
			}
			switch {
			case tt.garbage:
				r.Header.Set("Authorization", "Bearer not.a.token")
			case !tt.noToken:
				r.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"iss": tt.issuer}))
			}
			require.Equal(t, tt.want, Resolve(r))
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	require.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	require.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer tok123")
	require.Equal(t, "tok123", BearerToken(r))
}
