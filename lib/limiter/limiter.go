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

// Package limiter implements per-principal request rate limiting with
// token buckets. The bucket store is a TTL-bounded LRU so an attacker
// rotating keys cannot grow it without bound; when the store is full a
// request under a brand-new key is rejected rather than evicting an
// active bucket.
package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/authz"
	"github.com/gravitational/authgate/lib/defaults"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

var log = logutils.NewPackageLogger(authgate.ComponentKey, authgate.ComponentLimiter)

// Config holds the limiter parameters.
type Config struct {
	// Rate is the sustained refill rate per key, in requests per second.
	Rate float64
	// Burst is the bucket capacity per key.
	Burst int
	// MaxBuckets bounds the bucket store.
	MaxBuckets int
	// BucketTTL evicts buckets idle for this long.
	BucketTTL time.Duration
	// SweepInterval is how often occupancy is reported.
	SweepInterval time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Rate < 0 || c.Burst < 0 {
		return trace.BadParameter("negative rate limit parameters")
	}
	if c.Rate == 0 {
		c.Rate = defaults.RequestsPerSecond
	}
	if c.Burst == 0 {
		c.Burst = defaults.BurstSize
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = defaults.MaxBuckets
	}
	if c.BucketTTL <= 0 {
		c.BucketTTL = defaults.BucketTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Limiter enforces a token bucket per key.
type Limiter struct {
	cfg     Config
	buckets *expirable.LRU[string, *rate.Limiter]
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *rate.Limiter](cfg.MaxBuckets, nil, cfg.BucketTTL),
	}, nil
}

// Allow reports whether one request under key may proceed now. When it
// may not, retryAfter is the wait the caller should advertise.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	bucket, found := l.buckets.Get(key)
	if !found {
		if l.buckets.Len() >= l.cfg.MaxBuckets {
			// Full store: do not evict an active bucket for a newcomer.
			return false, time.Second
		}
		bucket = rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
		l.buckets.Add(key, bucket)
	}

	now := l.cfg.Clock.Now()
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the current number of tracked buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}

// Run reports bucket store occupancy until ctx is done. Expired buckets
// are evicted by the store itself.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			log.DebugContext(ctx, "Rate limiter bucket store",
				"buckets", l.buckets.Len(), "max", l.cfg.MaxBuckets)
		}
	}
}

// PrincipalKey returns the bucket key for a request: the user ID when
// authenticated, otherwise the client IP.
func PrincipalKey(actx *authz.Context, r *http.Request) string {
	if actx.IsAuthenticated() {
		return "user:" + actx.UserID
	}
	return "ip:" + ClientIP(r)
}

// ClientIP extracts the client address: the first X-Forwarded-For
// entry, then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
