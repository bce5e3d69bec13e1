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

package authz

// Decision is the outcome of one policy evaluation.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`
	// Reason is set on denials.
	Reason string `json:"reason,omitempty"`
	// Violations lists individual rule violations, empty when allowed.
	Violations []string `json:"violations,omitempty"`
	// Metadata carries engine-specific detail.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Transient marks a decision tied to a momentary condition rather
	// than the policy itself. Transient decisions are never cached.
	Transient bool `json:"-"`
}

// Allow returns an allowing decision.
func Allow() *Decision {
	return &Decision{Allowed: true}
}

// Deny returns a denying decision with the given reason.
func Deny(reason string) *Decision {
	return &Decision{Reason: reason}
}

// DenyWithViolations returns a denying decision carrying individual rule
// violations.
func DenyWithViolations(reason string, violations []string) *Decision {
	return &Decision{Reason: reason, Violations: violations}
}
