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
	"bufio"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lodestar-proxy/lodestar/httpmsg"
)

// HealthChecker periodically probes every configured upstream and rebuilds
// the pool's active set from the ones that answer 200.
type HealthChecker struct {
	pool     *UpstreamPool
	interval time.Duration
	path     string
	logger   *zap.Logger
}

// NewHealthChecker returns a checker probing path on every upstream of pool
// each interval.
func NewHealthChecker(pool *UpstreamPool, interval time.Duration, path string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		pool:     pool,
		interval: interval,
		path:     path,
		logger:   logger,
	}
}

// Run executes health-check cycles until stop is closed. Each cycle sleeps
// the interval first, then probes upstreams sequentially; a slow cycle delays
// the next one rather than overlapping it.
func (hc *HealthChecker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.checkAll()
		case <-stop:
			return
		}
	}
}

// checkAll runs one full cycle over the configured upstreams and replaces
// the active set with the survivors.
func (hc *HealthChecker) checkAll() {
	all := hc.pool.All()
	fresh := make([]string, 0, len(all))
	for _, addr := range all {
		healthy := hc.probe(addr)
		if healthy {
			fresh = append(fresh, addr)
		}
		setUpstreamHealthy(addr, healthy)
	}
	hc.pool.ResetActive(fresh)
	hc.logger.Debug("health check cycle complete",
		zap.Int("configured", len(all)),
		zap.Int("healthy", len(fresh)))
}

// probe opens a fresh connection to addr, sends GET on the configured path
// with the upstream as Host, and reports whether the reply is exactly 200.
// Any connect, write, or read failure excludes the upstream for this cycle.
func (hc *HealthChecker) probe(addr string) bool {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		hc.logger.Debug("health check connect failed",
			zap.String("upstream", addr), zap.Error(err))
		return false
	}
	defer conn.Close()

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: hc.path},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       addr,
		Header:     make(http.Header),
	}
	if err := httpmsg.WriteRequest(conn, req); err != nil {
		hc.logger.Error("failed to send health check request",
			zap.String("upstream", addr), zap.Error(err))
		return false
	}

	resp, err := httpmsg.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		hc.logger.Debug("health check read failed",
			zap.String("upstream", addr), zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}
