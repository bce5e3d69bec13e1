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

// Package events emits one audit record per request to a dedicated JSON
// sink. Emission is best-effort: a failing sink never fails the request
// it describes.
package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/limiter"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentAudit)

// Request outcomes.
const (
	OutcomeSuccess              = "SUCCESS"
	OutcomeAuthenticationFailed = "AUTHENTICATION_FAILED"
	OutcomeAuthorizationDenied  = "AUTHORIZATION_DENIED"
	OutcomeNotFound             = "NOT_FOUND"
	OutcomeRateLimited          = "RATE_LIMITED"
	OutcomeClientError          = "CLIENT_ERROR"
	OutcomeServerError          = "SERVER_ERROR"
	OutcomeUnknown              = "UNKNOWN"
)

// Redacted replaces sensitive header values in audit records.
const Redacted = "[REDACTED]"

// Record is one audit event.
type Record struct {
	Timestamp string          `json:"timestamp"`
	RequestID string          `json:"requestId"`
	EventType string          `json:"eventType"`
	User      UserRecord      `json:"user"`
	Request   RequestRecord   `json:"request"`
	Response  ResponseRecord  `json:"response"`
	Outcome   string          `json:"outcome"`
}

// UserRecord identifies the caller.
type UserRecord struct {
	ID     string `json:"id"`
	Email  string `json:"email,omitempty"`
	Tenant string `json:"tenant,omitempty"`
}

// RequestRecord describes the inbound request.
type RequestRecord struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	QueryString   string            `json:"queryString,omitempty"`
	RemoteAddress string            `json:"remoteAddress"`
	UserAgent     string            `json:"userAgent,omitempty"`
	Headers       map[string]string `json:"headers"`
}

// ResponseRecord describes the final response.
type ResponseRecord struct {
	StatusCode   int    `json:"statusCode"`
	StatusFamily string `json:"statusFamily"`
	DurationMs   int64  `json:"durationMs"`
}

// Outcome maps a final HTTP status onto an audit outcome.
func Outcome(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return OutcomeAuthenticationFailed
	case status == http.StatusForbidden:
		return OutcomeAuthorizationDenied
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status >= 400 && status < 500:
		return OutcomeClientError
	case status >= 500:
		return OutcomeServerError
	default:
		return OutcomeUnknown
	}
}

func statusFamily(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "INFORMATIONAL"
	case status < 300:
		return "SUCCESSFUL"
	case status < 400:
		return "REDIRECTION"
	case status < 500:
		return "CLIENT_ERROR"
	case status < 600:
		return "SERVER_ERROR"
	default:
		return "OTHER"
	}
}

// Config configures the audit logger.
type Config struct {
	// Enabled toggles emission entirely.
	Enabled bool
	// SensitiveHeaders are redacted, matched case-insensitively.
	SensitiveHeaders []string
	// Sink receives one JSON line per record. Defaults to stderr.
	Sink io.Writer
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.SensitiveHeaders == nil {
		c.SensitiveHeaders = defaults.SensitiveHeaders
	}
	if c.Sink == nil {
		c.Sink = os.Stderr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Logger emits audit records.
type Logger struct {
	cfg       Config
	sensitive map[string]struct{}
	encoder   *json.Encoder
}

// NewLogger creates an audit logger.
func NewLogger(cfg Config) (*Logger, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	sensitive := make(map[string]struct{}, len(cfg.SensitiveHeaders))
	for _, name := range cfg.SensitiveHeaders {
		sensitive[strings.ToLower(name)] = struct{}{}
	}
	return &Logger{
		cfg:       cfg,
		sensitive: sensitive,
		encoder:   json.NewEncoder(cfg.Sink),
	}, nil
}

// Emit writes one record for a completed request. Errors are logged and
// swallowed.
func (l *Logger) Emit(ctx context.Context, actx *authz.Context, r *http.Request, status int, duration time.Duration) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	record := l.build(actx, r, status, duration)
	if err := l.encoder.Encode(record); err != nil {
		log.ErrorContext(ctx, "Failed to emit audit record",
			"request_id", record.RequestID, "error", err)
	}
}

func (l *Logger) build(actx *authz.Context, r *http.Request, status int, duration time.Duration) *Record {
	if actx == nil {
		actx = authz.Anonymous()
	}
	return &Record{
		Timestamp: l.cfg.Clock.Now().UTC().Format(time.RFC3339Nano),
		RequestID: r.Header.Get(authgate.HeaderRequestID),
		EventType: "request",
		User: UserRecord{
			ID:     actx.UserID,
			Email:  actx.Email,
			Tenant: actx.Tenant,
		},
		Request: RequestRecord{
			Method:        r.Method,
			Path:          r.URL.Path,
			QueryString:   r.URL.RawQuery,
			RemoteAddress: limiter.ClientIP(r),
			UserAgent:     r.UserAgent(),
			Headers:       l.redact(r.Header),
		},
		Response: ResponseRecord{
			StatusCode:   status,
			StatusFamily: statusFamily(status),
			DurationMs:   duration.Milliseconds(),
		},
		Outcome: Outcome(status),
	}
}

// redact flattens headers to single values, masking sensitive ones.
func (l *Logger) redact(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		if _, ok := l.sensitive[strings.ToLower(name)]; ok {
			out[name] = Redacted
			continue
		}
		out[name] = values[0]
	}
	return out
}
