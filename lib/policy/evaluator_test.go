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

package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
)

// countingEngine fails n times before answering allow.
type countingEngine struct {
	calls    atomic.Int64
	failures int64
}

func (e *countingEngine) Evaluate(ctx context.Context, input *authz.Input) (*authz.Decision, error) {
	n := e.calls.Add(1)
	if n <= e.failures {
		return nil, errors.New("engine unavailable")
	}
	return authz.Allow(), nil
}

func TestEvaluatorCachesDecisions(t *testing.T) {
	t.Parallel()

	engine := &countingEngine{}
	evaluator, err := NewEvaluator(EvaluatorConfig{Engine: engine, CacheTTL: time.Minute})
	require.NoError(t, err)

	user := &authz.Context{UserID: "u1", Roles: []string{"user"}}
	a := authz.NewInput(user, "GET", "/api/x", nil, nil, time.UnixMilli(1000))
	b := authz.NewInput(user, "GET", "/api/x", nil, nil, time.UnixMilli(9000))

	require.True(t, evaluator.Evaluate(context.Background(), a).Allowed)
	require.True(t, evaluator.Evaluate(context.Background(), b).Allowed)
	require.Equal(t, int64(1), engine.calls.Load(), "timestamp-only difference must hit the cache")

	c := authz.NewInput(user, "POST", "/api/x", nil, nil, time.UnixMilli(1000))
	evaluator.Evaluate(context.Background(), c)
	require.Equal(t, int64(2), engine.calls.Load())
}

func TestEvaluatorRetries(t *testing.T) {
	t.Parallel()

	engine := &countingEngine{failures: 2}
	evaluator, err := NewEvaluator(EvaluatorConfig{Engine: engine})
	require.NoError(t, err)

	input := authz.NewInput(authz.Anonymous(), "GET", "/api/x", nil, nil, time.Now())
	require.True(t, evaluator.Evaluate(context.Background(), input).Allowed)
	require.Equal(t, int64(3), engine.calls.Load())
}

func TestEvaluatorFailsClosed(t *testing.T) {
	t.Parallel()

	engine := &countingEngine{failures: 1 << 30}
	evaluator, err := NewEvaluator(EvaluatorConfig{Engine: engine, CacheTTL: time.Minute})
	require.NoError(t, err)

	input := authz.NewInput(authz.Anonymous(), "GET", "/api/x", nil, nil, time.Now())
	decision := evaluator.Evaluate(context.Background(), input)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonUnavailable, decision.Reason)

	// The fallback deny must not be cached: the engine is consulted again.
	before := engine.calls.Load()
	evaluator.Evaluate(context.Background(), input)
	require.Greater(t, engine.calls.Load(), before)
}

func TestEvaluatorReloadInvalidatesCache(t *testing.T) {
	t.Parallel()

	engine := NewEmbedded(defaults.PolicyQuery)
	require.NoError(t, engine.Compile(context.Background(),
		map[string]string{"authz.rego": denyAllPolicy}))
	evaluator, err := NewEvaluator(EvaluatorConfig{Engine: engine, CacheTTL: time.Minute})
	require.NoError(t, err)

	input := authz.NewInput(authz.Anonymous(), "GET", "/api/orders", nil, nil, time.Now())
	require.False(t, evaluator.Evaluate(context.Background(), input).Allowed)

	// Swapping the module must orphan the cached deny well before the
	// cache TTL expires.
	require.NoError(t, engine.Compile(context.Background(),
		map[string]string{"authz.rego": allowAllPolicy}))
	require.True(t, evaluator.Evaluate(context.Background(), input).Allowed,
		"evaluation after a reload must use the new module")
}

func TestEvaluatorBreakerOpensOnFailingDecisionService(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	engine, err := NewExternal(ExternalConfig{URL: server.URL})
	require.NoError(t, err)
	evaluator, err := NewEvaluator(EvaluatorConfig{Engine: engine, CacheTTL: time.Minute})
	require.NoError(t, err)

	// Each evaluation makes up to three attempts against the 500ing
	// service; the breaker trips once ten attempts have failed.
	for i := 0; i < 6; i++ {
		input := authz.NewInput(authz.Anonymous(), "GET", fmt.Sprintf("/api/orders/%d", i), nil, nil, time.Now())
		decision := evaluator.Evaluate(context.Background(), input)
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonUnavailable, decision.Reason)
	}
	require.Equal(t, int64(10), hits.Load(), "open breaker must stop calls to the service")

	input := authz.NewInput(authz.Anonymous(), "GET", "/api/orders/final", nil, nil, time.Now())
	decision := evaluator.Evaluate(context.Background(), input)
	require.Equal(t, ReasonUnavailable, decision.Reason)
	require.Equal(t, int64(10), hits.Load())
}

func TestEvaluatorDoesNotCacheStatusDenies(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	engine, err := NewExternal(ExternalConfig{URL: server.URL})
	require.NoError(t, err)
	evaluator, err := NewEvaluator(EvaluatorConfig{Engine: engine, CacheTTL: time.Minute})
	require.NoError(t, err)

	input := authz.NewInput(authz.Anonymous(), "GET", "/api/orders", nil, nil, time.Now())
	require.Equal(t, "Decision service returned status 400",
		evaluator.Evaluate(context.Background(), input).Reason)
	require.Equal(t, "Decision service returned status 400",
		evaluator.Evaluate(context.Background(), input).Reason)
	require.Equal(t, int64(2), hits.Load(), "status denies must not be cached")
}
