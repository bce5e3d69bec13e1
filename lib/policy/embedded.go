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
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/gravitational/authgate/lib/authz"
)

// Embedded evaluates Rego in-process. The prepared query is published
// atomically so evaluation never observes a half-loaded module; before
// the first successful load every input is denied.
type Embedded struct {
	query string
	pq    atomic.Pointer[rego.PreparedEvalQuery]
	gen   atomic.Uint64
}

// NewEmbedded creates an embedded engine evaluating the given query,
// e.g. "data.authz.allow". No module is loaded yet.
func NewEmbedded(query string) *Embedded {
	return &Embedded{query: query}
}

// Loaded reports whether a policy module has been published.
func (e *Embedded) Loaded() bool {
	return e.pq.Load() != nil
}

// Generation counts successful module publications. Decisions cached
// under an older generation are dead after a reload.
func (e *Embedded) Generation() uint64 {
	return e.gen.Load()
}

// Compile compiles the given Rego sources (keyed by filename) and
// atomically replaces the active module. On error the previous module
// stays active.
func (e *Embedded) Compile(ctx context.Context, modules map[string]string) error {
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return trace.BadParameter("compiling policy: %v", err)
	}
	pq, err := rego.New(
		rego.Query(e.query),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return trace.Wrap(err, "preparing policy query %q", e.query)
	}
	e.pq.Store(&pq)
	e.gen.Add(1)
	return nil
}

// Evaluate runs the prepared query against the input.
func (e *Embedded) Evaluate(ctx context.Context, input *authz.Input) (*authz.Decision, error) {
	pq := e.pq.Load()
	if pq == nil {
		return authz.Deny(ReasonNotInitialized), nil
	}

	doc, err := inputDocument(input)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	results, err := pq.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, trace.Wrap(err, "evaluating policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Undefined result: the queried rule has no default and nothing
		// matched.
		return authz.Deny(ReasonDenied), nil
	}
	return interpret(results[0].Expressions[0].Value), nil
}

// inputDocument converts the input into plain JSON types for the
// evaluator.
func inputDocument(input *authz.Input) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, trace.Wrap(err)
	}
	return doc, nil
}
