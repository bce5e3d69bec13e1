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
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/authgate/lib/defaults"
)

// LoaderConfig configures the policy source loader.
type LoaderConfig struct {
	// Directory holding *.rego sources. Empty tries the default
	// locations in order.
	Directory string
	// Engine receives compiled modules.
	Engine *Embedded
	// Debounce coalesces filesystem event bursts before a reload.
	Debounce time.Duration
	// Clock is the time source for debouncing.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LoaderConfig) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing embedded engine")
	}
	if c.Debounce <= 0 {
		c.Debounce = defaults.PolicyReloadDebounce
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Loader reads Rego sources from a directory, compiles them into the
// embedded engine, and hot-reloads on filesystem changes. A failed
// reload keeps the previous module active.
type Loader struct {
	cfg LoaderConfig
	dir string
}

// NewLoader creates a Loader. The policy directory is resolved once:
// the configured path when it exists, else the first existing default
// location. Without a directory the engine stays uninitialized and
// denies everything.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	l := &Loader{cfg: cfg}

	candidates := defaults.PolicyDirectories
	if cfg.Directory != "" {
		candidates = []string{cfg.Directory}
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			l.dir = dir
			break
		}
	}
	if l.dir == "" {
		log.Warn("No policy directory found, all requests will be denied",
			"candidates", candidates)
	}
	return l, nil
}

// Directory returns the resolved policy directory, empty when none was
// found.
func (l *Loader) Directory() string {
	return l.dir
}

// Load compiles the current directory contents into the engine.
func (l *Loader) Load(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	modules := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".rego":
			source, err := os.ReadFile(filepath.Join(l.dir, entry.Name()))
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			modules[entry.Name()] = string(source)
		case ".wasm":
			log.WarnContext(ctx, "Ignoring precompiled policy artifact, only Rego sources are evaluated",
				"file", entry.Name())
		}
	}
	if len(modules) == 0 {
		log.WarnContext(ctx, "Policy directory contains no Rego sources", "directory", l.dir)
		return nil
	}

	if err := l.cfg.Engine.Compile(ctx, modules); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Loaded policy modules", "directory", l.dir, "modules", len(modules))
	return nil
}

// Watch reloads the policy on directory changes until ctx is done.
// Events are debounced so editor write bursts trigger one reload.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return trace.Wrap(err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".rego" && ext != ".wasm" {
				continue
			}
			pending = l.cfg.Clock.After(l.cfg.Debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "Policy watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := l.Load(ctx); err != nil {
				// Keep serving the previous module.
				log.ErrorContext(ctx, "Policy reload failed, keeping previous module", "error", err)
			}
		}
	}
}
