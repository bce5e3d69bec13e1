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
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/faults"
)

// EvaluatorConfig configures the decision pipeline around an engine.
type EvaluatorConfig struct {
	// Engine computes decisions.
	Engine Engine
	// CacheTTL is how long a decision is reused for an identical input.
	// Zero or negative disables the cache.
	CacheTTL time.Duration
	// CacheSize bounds the decision cache.
	CacheSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EvaluatorConfig) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing policy engine")
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.DecisionCacheSize
	}
	return nil
}

// Evaluator wraps an engine with the decision cache and the
// fault-tolerance stack. Its Evaluate never returns an error: when the
// engine is unreachable it returns the fail-closed deny.
type Evaluator struct {
	cfg   EvaluatorConfig
	cache *expirable.LRU[string, *authz.Decision]
	spec  faults.Spec
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Evaluator{
		cfg: cfg,
		spec: faults.Spec{
			Timeout:    defaults.CallTimeout,
			Retries:    defaults.CallRetries,
			RetryDelay: defaults.PolicyRetryDelay,
			Breaker:    faults.NewBreaker("policy"),
		},
	}
	if cfg.CacheTTL > 0 {
		e.cache = expirable.NewLRU[string, *authz.Decision](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return e, nil
}

// reloadable is implemented by engines whose decisions depend on a
// hot-swappable artifact. The generation is folded into the cache key
// so a reload orphans every decision cached under the old module.
type reloadable interface {
	Generation() uint64
}

// Evaluate computes the decision for the input, consulting the cache
// first. Identical inputs share one cached decision; the cache key
// excludes the request timestamp and includes the engine's module
// generation when it has one.
func (e *Evaluator) Evaluate(ctx context.Context, input *authz.Input) *authz.Decision {
	var key string
	if e.cache != nil {
		key = input.CacheKey()
		if key != "" {
			if engine, ok := e.cfg.Engine.(reloadable); ok {
				key = strconv.FormatUint(engine.Generation(), 10) + ":" + key
			}
			if cached, ok := e.cache.Get(key); ok {
				return cached
			}
		}
	}

	fellBack := false
	decision, err := faults.Do(ctx, e.spec,
		func(ctx context.Context) (*authz.Decision, error) {
			return e.cfg.Engine.Evaluate(ctx, input)
		},
		func(err error) (*authz.Decision, error) {
			fellBack = true
			if faults.IsOpen(err) {
				log.WarnContext(ctx, "Policy breaker open, failing closed")
			} else {
				log.ErrorContext(ctx, "Policy evaluation failed, failing closed", "error", err)
			}
			return authz.Deny(ReasonUnavailable), nil
		})
	if err != nil || decision == nil {
		return authz.Deny(ReasonUnavailable)
	}

	// Fail-closed fallbacks and transient denies are never cached.
	if e.cache != nil && key != "" && !fellBack && !decision.Transient {
		e.cache.Add(key, decision)
	}
	return decision
}
