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

// Package admin exposes the locally-bound operational endpoint: prometheus
// metrics, a health probe, upstream introspection, and pprof.
package admin

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lodestar-proxy/lodestar/proxy"
)

// Server is the admin HTTP endpoint. It is optional and meant to be bound to
// a local address; it shares nothing with the proxy data path except the
// pool it introspects.
type Server struct {
	pool    *proxy.UpstreamPool
	logger  *zap.Logger
	started time.Time
}

// NewServer returns an admin server reporting on pool.
func NewServer(pool *proxy.UpstreamPool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pool:    pool,
		logger:  logger,
		started: time.Now(),
	}
}

// Router builds the admin route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/upstreams", s.handleUpstreams)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return r
}

// ListenAndServe binds addr and serves the admin endpoint until the listener
// fails. A bind failure is returned so startup can treat it as fatal.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not bind admin endpoint to %s: %w", addr, err)
	}
	s.logger.Info("admin endpoint started", zap.String("address", ln.Addr().String()))
	return http.Serve(ln, s.Router())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok, up %s\n", humanize.Time(s.started))
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Configured []string `json:"configured"`
		Active     []string `json:"active"`
	}{
		Configured: s.pool.All(),
		Active:     s.pool.Active(),
	})
	if err != nil {
		s.logger.Error("encoding upstreams response", zap.Error(err))
	}
}
