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

// Package service assembles the gateway process from a configuration
// file: it constructs every component, runs the HTTP server and the
// background loops, and drains cleanly on shutdown.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/config"
	"github.com/gravitational/authgate/lib/defaults"
	"github.com/gravitational/authgate/lib/events"
	"github.com/gravitational/authgate/lib/limiter"
	"github.com/gravitational/authgate/lib/oidc"
	"github.com/gravitational/authgate/lib/policy"
	"github.com/gravitational/authgate/lib/roles"
	"github.com/gravitational/authgate/lib/srv/gateway"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentService)

// Service is one assembled gateway process.
type Service struct {
	cfg        *config.FileConfig
	clock      clockwork.Clock
	gateway    *gateway.Gateway
	validators map[string]*oidc.Validator
	loader     *policy.Loader
	limiter    *limiter.Limiter
}

// New builds all components from the configuration.
func New(cfg *config.FileConfig) (*Service, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing configuration")
	}
	s := &Service{cfg: cfg, clock: clockwork.NewRealClock()}

	gwCfg := gateway.Config{
		AuthEnabled:      *cfg.Auth.Enabled,
		PublicPaths:      cfg.Auth.PublicPaths,
		PolicyEnabled:    *cfg.Policy.Enabled,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		PropagateHeaders: cfg.Proxy.PropagateHeaders,
		AddHeaders:       cfg.Proxy.AddHeaders,
		ConnectTimeout:   cfg.Proxy.Timeout.Connect.Get(defaults.ConnectTimeout),
		ReadTimeout:      cfg.Proxy.Timeout.Read.Get(defaults.ReadTimeout),
		Target: &url.URL{
			Scheme: cfg.Proxy.Target.Scheme,
			Host:   cfg.Proxy.Target.Host + ":" + strconv.Itoa(cfg.Proxy.Target.Port),
		},
		Clock: s.clock,
	}

	if *cfg.Auth.Enabled {
		s.validators = make(map[string]*oidc.Validator, len(cfg.Auth.Profiles))
		for name, profile := range cfg.Auth.Profiles {
			validator, err := oidc.NewValidator(oidc.ProfileConfig{
				Name:       name,
				Issuer:     profile.Issuer,
				Audiences:  profile.Audiences,
				Algorithms: profile.Algorithms,
				JWKSURI:    profile.JWKSURI,
				Clock:      s.clock,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			s.validators[name] = validator
		}
		gwCfg.Validators = s.validators
	}

	if *cfg.Authz.Enabled && *cfg.Authz.RolesService.Enabled {
		client, err := roles.NewClient(roles.ClientConfig{BaseURL: cfg.Authz.RolesService.URL})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		enricher, err := roles.NewEnricher(roles.EnricherConfig{
			Getter:       client,
			CacheEnabled: *cfg.Authz.RolesService.CacheEnabled,
			CacheTTL:     cfg.Authz.RolesService.CacheTTL.Get(defaults.RolesCacheTTL),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		gwCfg.Enricher = enricher
	}

	if *cfg.Policy.Enabled {
		var engine policy.Engine
		switch cfg.Policy.Mode {
		case policy.ModeEmbedded:
			embedded := policy.NewEmbedded(cfg.Policy.Query)
			loader, err := policy.NewLoader(policy.LoaderConfig{
				Directory: cfg.Policy.Directory,
				Engine:    embedded,
				Clock:     s.clock,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			s.loader = loader
			engine = embedded
			gwCfg.PolicyReady = embedded.Loaded
		case policy.ModeExternal:
			external, err := policy.NewExternal(policy.ExternalConfig{
				URL:          cfg.Policy.External.URL,
				DecisionPath: cfg.Policy.External.DecisionPath,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			engine = external
		default:
			return nil, trace.BadParameter("unknown policy mode %q", cfg.Policy.Mode)
		}
		evaluator, err := policy.NewEvaluator(policy.EvaluatorConfig{
			Engine:   engine,
			CacheTTL: cfg.Policy.CacheTTL.Get(defaults.DecisionCacheTTL),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		gwCfg.Evaluator = evaluator
	}

	if cfg.RateLimit.Enabled {
		l, err := limiter.New(limiter.Config{
			Rate:  cfg.RateLimit.RequestsPerSecond,
			Burst: cfg.RateLimit.BurstSize,
			Clock: s.clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.limiter = l
		gwCfg.Limiter = l
	}

	audit, err := events.NewLogger(events.Config{
		Enabled:          *cfg.Audit.Enabled,
		SensitiveHeaders: cfg.Audit.SensitiveHeaders,
		Clock:            s.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gwCfg.Audit = audit

	gw, err := gateway.New(gwCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.gateway = gw
	return s, nil
}

// Run serves until ctx is canceled, then drains in-flight requests
// within the shutdown grace window.
func (s *Service) Run(ctx context.Context) error {
	if s.loader != nil {
		if err := s.loader.Load(ctx); err != nil {
			// Fail closed but keep running: requests are denied until a
			// valid policy appears.
			log.ErrorContext(ctx, "Initial policy load failed", "error", err)
		}
	}

	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for name, validator := range s.validators {
		v := validator
		log.DebugContext(ctx, "Starting JWKS refresher", "profile", name)
		group.Go(func() error {
			v.Run(groupCtx)
			return nil
		})
	}
	if s.loader != nil {
		group.Go(func() error {
			return trace.Wrap(s.loader.Watch(groupCtx))
		})
	}
	if s.limiter != nil {
		group.Go(func() error {
			s.limiter.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		log.InfoContext(ctx, "Gateway listening",
			"addr", s.cfg.ListenAddr, "version", authgate.Version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownGrace)
		defer cancel()
		log.InfoContext(ctx, "Shutting down, draining in-flight requests")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return trace.Wrap(server.Close())
		}
		return nil
	})

	return trace.Wrap(group.Wait())
}
