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

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authz"
)

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   string
	}{
		{status: 200, want: OutcomeSuccess},
		{status: 204, want: OutcomeSuccess},
		{status: 401, want: OutcomeAuthenticationFailed},
		{status: 403, want: OutcomeAuthorizationDenied},
		{status: 404, want: OutcomeNotFound},
		{status: 429, want: OutcomeRateLimited},
		{status: 400, want: OutcomeClientError},
		{status: 500, want: OutcomeServerError},
		{status: 503, want: OutcomeServerError},
		{status: 302, want: OutcomeUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Outcome(tt.status), "status %d", tt.status)
	}
}

func TestEmit(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	logger, err := NewLogger(Config{Enabled: true, Sink: &sink})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/v1/orders?limit=5", nil)
	r.RemoteAddr = "192.0.2.4:5678"
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set(authgate.HeaderRequestID, "req-1")
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("Cookie", "session=abc")
	r.Header.Set("X-Api-Key", "key")
	r.Header.Set("Accept", "application/json")

	actx := &authz.Context{UserID: "u1", Email: "jo@example.com", Tenant: "acme"}
	logger.Emit(context.Background(), actx, r, 201, 42*time.Millisecond)

	var record Record
	require.NoError(t, json.Unmarshal(sink.Bytes(), &record))
	require.Equal(t, "request", record.EventType)
	require.Equal(t, "req-1", record.RequestID)
	require.NotEmpty(t, record.Timestamp)
	require.Equal(t, UserRecord{ID: "u1", Email: "jo@example.com", Tenant: "acme"}, record.User)
	require.Equal(t, "POST", record.Request.Method)
	require.Equal(t, "/api/v1/orders", record.Request.Path)
	require.Equal(t, "limit=5", record.Request.QueryString)
	require.Equal(t, "192.0.2.4", record.Request.RemoteAddress)
	require.Equal(t, "test-agent", record.Request.UserAgent)
	require.Equal(t, 201, record.Response.StatusCode)
	require.Equal(t, "SUCCESSFUL", record.Response.StatusFamily)
	require.Equal(t, int64(42), record.Response.DurationMs)
	require.Equal(t, OutcomeSuccess, record.Outcome)

	require.Equal(t, Redacted, record.Request.Headers["Authorization"])
	require.Equal(t, Redacted, record.Request.Headers["Cookie"])
	require.Equal(t, Redacted, record.Request.Headers["X-Api-Key"])
	require.Equal(t, "application/json", record.Request.Headers["Accept"])
}

func TestEmitAnonymous(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	logger, err := NewLogger(Config{Enabled: true, Sink: &sink})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/x", nil)
	logger.Emit(context.Background(), nil, r, 401, time.Millisecond)

	var record Record
	require.NoError(t, json.Unmarshal(sink.Bytes(), &record))
	require.Equal(t, authz.AnonymousUserID, record.User.ID)
	require.Equal(t, OutcomeAuthenticationFailed, record.Outcome)
}

func TestEmitDisabled(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	logger, err := NewLogger(Config{Enabled: false, Sink: &sink})
	require.NoError(t, err)

	logger.Emit(context.Background(), nil, httptest.NewRequest("GET", "/", nil), 200, 0)
	require.Zero(t, sink.Len())
}

// failingWriter always errors.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("sink broken") }

func TestEmitSinkFailure(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(Config{Enabled: true, Sink: failingWriter{}})
	require.NoError(t, err)

	// Must not panic or propagate the sink error.
	logger.Emit(context.Background(), nil, httptest.NewRequest("GET", "/", nil), 200, 0)
}

func TestRedactCaseInsensitive(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(Config{Enabled: true, Sink: &bytes.Buffer{}, SensitiveHeaders: []string{"X-Secret"}})
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("x-sEcReT", "boom")
	headers.Set("X-Other", "fine")
	out := logger.redact(headers)
	require.Equal(t, Redacted, out["X-Secret"])
	require.Equal(t, "fine", out["X-Other"])
}
