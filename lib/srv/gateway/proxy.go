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
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
)

// authContextKey carries the caller context into the proxy director.
type authContextKey struct{}

// forward sends the request to the backend with the identity headers
// attached.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, actx *authz.Context) {
	r = r.WithContext(context.WithValue(r.Context(), authContextKey{}, actx))
	g.proxy.ServeHTTP(w, r)
}

func (g *Gateway) newProxy() http.Handler {
	transport := defaults.Transport(g.cfg.ReadTimeout)
	transport.DialContext = (&net.Dialer{Timeout: g.cfg.ConnectTimeout}).DialContext

	return &httputil.ReverseProxy{
		Transport: transport,
		Director: func(out *http.Request) {
			out.URL.Scheme = g.cfg.Target.Scheme
			out.URL.Host = g.cfg.Target.Host
			out.Host = g.cfg.Target.Host

			actx, _ := out.Context().Value(authContextKey{}).(*authz.Context)
			out.Header = g.outboundHeaders(out.Header, actx)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			proxyErrors.Inc()
			if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
				log.WarnContext(r.Context(), "Request exceeded the time budget",
					"request_id", r.Header.Get(authgate.HeaderRequestID))
				writeProxyError(w, http.StatusGatewayTimeout, "Gateway Timeout: request budget exceeded")
				return
			}
			log.WarnContext(r.Context(), "Backend request failed",
				"request_id", r.Header.Get(authgate.HeaderRequestID), "error", err)
			writeProxyError(w, http.StatusServiceUnavailable, "Service Unavailable: "+err.Error())
		},
	}
}

// writeProxyError emits the upstream-failure body shape.
func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// outboundHeaders builds the header set forwarded to the backend: the
// configured whitelist plus content negotiation headers, with identity
// headers injected. The Authorization header never crosses the gateway.
func (g *Gateway) outboundHeaders(in http.Header, actx *authz.Context) http.Header {
	out := http.Header{}
	for _, name := range g.cfg.PropagateHeaders {
		if values := in.Values(name); len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = values
		}
	}
	for _, name := range []string{"Content-Type", "Accept", "Content-Length", "User-Agent"} {
		if values := in.Values(name); len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = values
		}
	}

	if actx == nil {
		actx = authz.Anonymous()
	}
	if len(g.cfg.AddHeaders) > 0 {
		for name, template := range g.cfg.AddHeaders {
			out.Set(name, expandPlaceholders(template, actx))
		}
		return out
	}
	if actx.IsAuthenticated() {
		out.Set(authgate.HeaderAuthUserID, actx.UserID)
		if actx.Email != "" {
			out.Set(authgate.HeaderAuthUserEmail, actx.Email)
		}
		if len(actx.Roles) > 0 {
			out.Set(authgate.HeaderAuthUserRoles, strings.Join(actx.Roles, ","))
		}
		if actx.Tenant != "" {
			out.Set(authgate.HeaderAuthTenant, actx.Tenant)
		}
	}
	return out
}

// expandPlaceholders substitutes ${user.*} references in configured
// header templates.
func expandPlaceholders(template string, actx *authz.Context) string {
	replacer := strings.NewReplacer(
		"${user.id}", actx.UserID,
		"${user.email}", actx.Email,
		"${user.name}", actx.Name,
		"${user.roles}", strings.Join(actx.Roles, ","),
		"${user.tenant}", actx.Tenant,
	)
	return replacer.Replace(template)
}
