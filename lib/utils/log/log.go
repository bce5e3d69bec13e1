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

// Package log provides helpers for configuring slog and creating
// per-package loggers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// handler is the process-wide handler new package loggers hang off of. It
// is swapped once by Initialize; package-level loggers created before that
// pick up the new handler through the indirection.
var handler atomic.Pointer[slog.Handler]

func init() {
	var h slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	handler.Store(&h)
}

// Config configures process-wide logging.
type Config struct {
	// Severity is the minimum level emitted ("DEBUG", "INFO", "WARN", "ERROR").
	Severity string
	// Format selects "text" or "json" output.
	Format string
	// Output overrides the destination, defaults to stderr.
	Output io.Writer
}

// Initialize sets up the process-wide logger. It is called once from the
// entrypoint before any component starts.
func Initialize(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Severity)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	handler.Store(&h)
	slog.SetDefault(slog.New(h))
}

// NewPackageLogger creates a logger with the given key/value attributes,
// typically the component name.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&forwardingHandler{}).With(args...)
}

// forwardingHandler defers to the current process-wide handler so loggers
// created at package init time honor configuration applied later.
type forwardingHandler struct{}

func (f *forwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*handler.Load()).Enabled(ctx, level)
}

func (f *forwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	return (*handler.Load()).Handle(ctx, r)
}

func (f *forwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &attrHandler{attrs: attrs}
}

func (f *forwardingHandler) WithGroup(name string) slog.Handler {
	return &attrHandler{group: name}
}

// attrHandler carries attributes accumulated by With calls and applies them
// against the current process-wide handler at emit time.
type attrHandler struct {
	attrs []slog.Attr
	group string
}

func (a *attrHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*handler.Load()).Enabled(ctx, level)
}

func (a *attrHandler) Handle(ctx context.Context, r slog.Record) error {
	h := *handler.Load()
	if len(a.attrs) > 0 {
		h = h.WithAttrs(a.attrs)
	}
	if a.group != "" {
		h = h.WithGroup(a.group)
	}
	return h.Handle(ctx, r)
}

func (a *attrHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(a.attrs)+len(attrs))
	merged = append(merged, a.attrs...)
	merged = append(merged, attrs...)
	return &attrHandler{attrs: merged, group: a.group}
}

func (a *attrHandler) WithGroup(name string) slog.Handler {
	return &attrHandler{attrs: a.attrs, group: name}
}
