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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_proxy_requests_total",
		Help: "Requests handled by the gateway, by final outcome.",
	}, []string{"outcome"})

	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_auth_failures_total",
		Help: "Requests rejected during token validation.",
	})

	policyDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_policy_denials_total",
		Help: "Requests denied by policy.",
	})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})

	proxyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_proxy_errors_total",
		Help: "Requests that failed while being forwarded to the backend.",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authgate_request_duration_seconds",
		Help:    "End to end request latency through the gateway.",
		Buckets: prometheus.DefBuckets,
	})
)
