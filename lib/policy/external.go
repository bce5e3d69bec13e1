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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
)

// ExternalConfig configures the external decision service engine.
type ExternalConfig struct {
	// URL is the decision service base URL.
	URL string
	// DecisionPath is the decision document path, e.g. /v1/data/authz/allow.
	DecisionPath string
	// Timeout backstops a single HTTP exchange.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ExternalConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		c.URL = defaults.ExternalPolicyURL
	}
	if c.DecisionPath == "" {
		c.DecisionPath = defaults.ExternalDecisionPath
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.CallTimeout
	}
	return nil
}

// External queries a remote decision service over HTTP.
type External struct {
	cfg ExternalConfig
	rc  *resty.Client
}

// NewExternal creates an external engine.
func NewExternal(cfg ExternalConfig) (*External, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rc := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &External{cfg: cfg, rc: rc}, nil
}

// decisionResponse is the decision service reply envelope.
type decisionResponse struct {
	Result json.RawMessage `json:"result"`
}

// Evaluate POSTs the input to the decision service. Transport failures
// and 5xx answers are errors so the fault wrapper retries and the
// breaker counts them; a 4xx answer denies without retry, and that deny
// is transient so a recovering service is consulted again.
func (e *External) Evaluate(ctx context.Context, input *authz.Input) (*authz.Decision, error) {
	resp, err := e.rc.R().
		SetContext(ctx).
		SetBody(map[string]any{"input": input}).
		SetResult(&decisionResponse{}).
		Post(e.cfg.DecisionPath)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "calling decision service")
	}
	if resp.IsError() {
		code := resp.StatusCode()
		if code >= http.StatusInternalServerError {
			return nil, trace.ConnectionProblem(nil, "decision service returned status %d", code)
		}
		decision := authz.Deny(fmt.Sprintf("Decision service returned status %d", code))
		decision.Transient = true
		return decision, nil
	}
	envelope, ok := resp.Result().(*decisionResponse)
	if !ok || envelope == nil || len(envelope.Result) == 0 {
		return authz.Deny(ReasonUnexpectedResult), nil
	}
	var result any
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return authz.Deny(ReasonUnexpectedResult), nil
	}
	return interpret(result), nil
}
