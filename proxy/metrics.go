// Copyright 2026 The Lodestar Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// define and register the metrics used in this package.
var (
	sessionsActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodestar",
		Subsystem: "proxy",
		Name:      "sessions_active",
		Help:      "Number of client sessions currently open.",
	})
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lodestar",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Counter of proxied and synthesized responses, by status code.",
	}, []string{"code"})
	rateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lodestar",
		Subsystem: "proxy",
		Name:      "rate_limit_denials_total",
		Help:      "Counter of requests denied by the rate limiter.",
	})
	upstreamActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodestar",
		Subsystem: "upstream",
		Name:      "active",
		Help:      "Number of upstreams currently in the active set.",
	})
	upstreamHealthyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lodestar",
		Subsystem: "upstream",
		Name:      "healthy",
		Help:      "Per-upstream health as observed by the last check cycle.",
	}, []string{"upstream"})
)

func countResponse(code int) {
	requestCount.WithLabelValues(strconv.Itoa(code)).Inc()
}

func setUpstreamHealthy(addr string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	upstreamHealthyGauge.WithLabelValues(addr).Set(v)
}
