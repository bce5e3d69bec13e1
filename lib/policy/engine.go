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

// Package policy evaluates authorization policy for each request, either
// in-process against compiled Rego or against an external decision
// service. The package fails closed: any state in which no decision can
// be computed produces a deny.
package policy

import (
	"context"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authz"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentPolicy)

// Engine modes.
const (
	ModeEmbedded = "embedded"
	ModeExternal = "external"
)

// Deny reasons surfaced to callers and audit records.
const (
	// ReasonDenied is the default reason when policy evaluates to false.
	ReasonDenied = "Access denied by policy"

	// ReasonUnexpectedResult is used when the policy result has a shape
	// the gateway does not understand.
	ReasonUnexpectedResult = "Unexpected evaluation result"

	// ReasonNotInitialized is used when no policy module has been loaded.
	ReasonNotInitialized = "Policy module not initialized"

	// ReasonUnavailable is the fail-closed fallback reason. The gateway
	// maps it to 503 instead of 403.
	ReasonUnavailable = "Policy subsystem unavailable. Access denied for security."
)

// Engine computes one authorization decision.
type Engine interface {
	// Evaluate returns the decision for the input. An error means the
	// engine could not evaluate at all and triggers the caller's retry
	// and fallback machinery; a deny is a normal result, not an error.
	Evaluate(ctx context.Context, input *authz.Input) (*authz.Decision, error)
}

// interpret maps a raw policy result onto a decision:
// a boolean is the allow flag; an object may carry allow, reason and
// violations; anything else denies.
func interpret(result any) *authz.Decision {
	switch value := result.(type) {
	case bool:
		if value {
			return authz.Allow()
		}
		return authz.Deny(ReasonDenied)
	case map[string]any:
		allowed, ok := value["allow"].(bool)
		if !ok {
			return authz.Deny(ReasonUnexpectedResult)
		}
		if allowed {
			return authz.Allow()
		}
		reason, _ := value["reason"].(string)
		if reason == "" {
			reason = ReasonDenied
		}
		return authz.DenyWithViolations(reason, stringList(value["violations"]))
	default:
		return authz.Deny(ReasonUnexpectedResult)
	}
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
