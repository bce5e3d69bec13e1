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

// Package httplib provides the gateway's JSON error replies.
package httplib

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error body codes.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeTooManyRequests    = "too_many_requests"
	CodeServiceUnavailable = "service_unavailable"
	CodeInternalError      = "internal_error"
)

// ErrorBody is the JSON error document emitted by the gateway itself.
// Details is null when there is nothing to report.
type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// ReplyError writes a JSON error body with the given status.
func ReplyError(w http.ResponseWriter, status int, code, message string, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding a flat struct cannot fail; the write itself is
	// best-effort, the client may already be gone.
	_ = json.NewEncoder(w).Encode(ErrorBody{Code: code, Message: message, Details: details})
}

// ReplyUnauthorized writes a 401 with a bearer challenge.
func ReplyUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	ReplyError(w, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// ReplyForbidden writes a 403 carrying the policy reason and violations.
func ReplyForbidden(w http.ResponseWriter, message string, details []string) {
	ReplyError(w, http.StatusForbidden, CodeForbidden, message, details)
}

// ReplyTooManyRequests writes a 429 with a Retry-After hint in whole
// seconds, at least one.
func ReplyTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	ReplyError(w, http.StatusTooManyRequests, CodeTooManyRequests, "Rate limit exceeded", nil)
}

// ReplyServiceUnavailable writes a 503.
func ReplyServiceUnavailable(w http.ResponseWriter, message string) {
	ReplyError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, message, nil)
}

// ReplyGatewayTimeout writes a 504 for a request that exceeded the hard
// budget.
func ReplyGatewayTimeout(w http.ResponseWriter, message string) {
	ReplyError(w, http.StatusGatewayTimeout, CodeServiceUnavailable, message, nil)
}

// ReplyInternalError writes a 500 without leaking internals.
func ReplyInternalError(w http.ResponseWriter) {
	ReplyError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error", nil)
}
