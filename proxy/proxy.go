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

// Package proxy implements the load-balancing core: an upstream pool with
// failure eviction, an active health checker, and the per-connection session
// handler that pipelines client requests over a single upstream connection.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lodestar-proxy/lodestar/httpmsg"
	"github.com/lodestar-proxy/lodestar/ratelimit"
)

// Server accepts client connections and proxies them to the upstream pool.
// One goroutine is spawned per accepted connection, plus a single long-lived
// goroutine for the health checker.
type Server struct {
	pool    *UpstreamPool
	limiter *ratelimit.Limiter
	checker *HealthChecker
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}

	mu sync.Mutex
	ln net.Listener
}

// NewServer assembles a proxy server. limiter and checker may be nil to run
// without rate limiting or active health checks.
func NewServer(pool *UpstreamPool, limiter *ratelimit.Limiter, checker *HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pool:    pool,
		limiter: limiter,
		checker: checker,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// ListenAndServe binds addr and serves until the listener fails or Stop is
// called. A bind failure is returned to the caller, which treats it as fatal.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not bind to %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln. The health checker is spawned exactly
// once, here, so it lives as long as the server. Accept errors are logged and
// the loop continues.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if s.checker != nil {
		go s.checker.Run(s.stop)
	}

	s.logger.Info("listening for requests", zap.String("address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("failed to accept connection", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

// Addr returns the bound listen address, once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and signals the health checker to exit. The
// process normally terminates by signal instead; Stop exists so tests can
// tear the server down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Unlock()
	})
}

// handleConnection runs one client session: pair the connection with one
// upstream, then serve requests in arrival order until the client goes away
// or the upstream becomes unusable. Parse errors and rate-limit denials are
// answered without tearing the session down.
func (s *Server) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()
	sessionsActiveGauge.Inc()
	defer sessionsActiveGauge.Dec()

	clientIP := ipOf(clientConn.RemoteAddr())
	logger := s.logger.With(
		zap.String("session", uuid.NewString()),
		zap.String("client", clientIP))
	logger.Info("connection received")

	upstreamConn, upstreamAddr, err := s.pool.Connect()
	if err != nil {
		logger.Error("failed to connect to upstream", zap.Error(err))
		countResponse(http.StatusBadGateway)
		s.sendResponse(clientConn, httpmsg.NewError(http.StatusBadGateway), logger)
		return
	}
	defer upstreamConn.Close()
	logger = logger.With(zap.String("upstream", upstreamAddr))

	// The upstream connection is held for the whole session: every request
	// on this client connection is served by the same upstream.
	clientReader := bufio.NewReader(clientConn)
	upstreamReader := bufio.NewReader(upstreamConn)

	for {
		req, err := httpmsg.ReadRequest(clientReader)
		if err != nil {
			var connErr *httpmsg.ConnError
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("client finished sending requests, shutting down connection")
				return
			case errors.As(err, &connErr):
				logger.Info("error reading request from client stream", zap.Error(err))
				return
			default:
				status := httpmsg.StatusForRequestError(err)
				logger.Debug("error parsing request",
					zap.Int("status", status), zap.Error(err))
				countResponse(status)
				s.sendResponse(clientConn, httpmsg.NewError(status), logger)
				continue
			}
		}

		if s.limiter != nil && s.limiter.Enabled() && !s.limiter.Admit(clientIP) {
			logger.Info("request denied by rate limiter")
			rateLimitDenials.Inc()
			countResponse(http.StatusTooManyRequests)
			s.sendResponse(clientConn, httpmsg.NewError(http.StatusTooManyRequests), logger)
			continue
		}

		logger.Info("forwarding request", zap.String("request", httpmsg.RequestLine(req)))

		// Tell the upstream who the client is; we are the ones dialing it,
		// so without this it would only ever see our address.
		httpmsg.ExtendHeader(req.Header, "X-Forwarded-For", clientIP)

		if err := httpmsg.WriteRequest(upstreamConn, req); err != nil {
			logger.Error("failed to send request to upstream", zap.Error(err))
			countResponse(http.StatusBadGateway)
			s.sendResponse(clientConn, httpmsg.NewError(http.StatusBadGateway), logger)
			return
		}

		resp, err := httpmsg.ReadResponse(upstreamReader, req)
		if err != nil {
			logger.Error("error reading response from upstream", zap.Error(err))
			countResponse(http.StatusBadGateway)
			s.sendResponse(clientConn, httpmsg.NewError(http.StatusBadGateway), logger)
			return
		}

		countResponse(resp.StatusCode)
		if err := s.sendResponse(clientConn, resp, logger); err != nil {
			return
		}
	}
}

// sendResponse writes resp to the client, logging the outcome. A write
// failure is reported to the caller, which ends the session.
func (s *Server) sendResponse(conn net.Conn, resp *http.Response, logger *zap.Logger) error {
	logger.Info("sending response", zap.String("status", httpmsg.StatusLine(resp)))
	if err := httpmsg.WriteResponse(conn, resp); err != nil {
		logger.Warn("failed to send response to client", zap.Error(err))
		return err
	}
	return nil
}

// ipOf extracts the bare IP from a network address.
func ipOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
