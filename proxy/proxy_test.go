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
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lodestar-proxy/lodestar/ratelimit"
)

// origin starts an upstream origin server that records the X-Forwarded-For
// header of the last request it saw.
func origin(t *testing.T) (string, *sync.Map) {
	t.Helper()
	var seen sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store("xff", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("Content-Length", "2")
		io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), &seen
}

func startProxy(t *testing.T, pool *UpstreamPool, limiter *ratelimit.Limiter, checker *HealthChecker) string {
	t.Helper()
	srv := NewServer(pool, limiter, checker, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)
	return ln.Addr().String()
}

func dialProxy(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

// roundTrip writes one raw request and reads the response off the same
// connection.
func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, method, raw string) *http.Response {
	t.Helper()
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	req, _ := http.NewRequest(method, "/", nil)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProxyHappyPath(t *testing.T) {
	originAddr, seen := origin(t)
	pool := NewUpstreamPool([]string{originAddr}, nil, nil)
	proxyAddr := startProxy(t, pool, nil, nil)

	conn, br := dialProxy(t, proxyAddr)

	// Idempotence: sequential requests on one connection come back in
	// order, each served by the same paired upstream.
	for i := 0; i < 3; i++ {
		resp := roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "ok" {
			t.Fatalf("request %d: body = %q, want ok", i, body)
		}
	}

	xff, _ := seen.Load("xff")
	if xff != "127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q, want the client IP", xff)
	}
}

func TestProxyAppendsToExistingForwardedFor(t *testing.T) {
	originAddr, seen := origin(t)
	pool := NewUpstreamPool([]string{originAddr}, nil, nil)
	proxyAddr := startProxy(t, pool, nil, nil)

	conn, br := dialProxy(t, proxyAddr)
	resp := roundTrip(t, conn, br, "GET",
		"GET / HTTP/1.1\r\nHost: x\r\nX-Forwarded-For: 203.0.113.7\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	xff, _ := seen.Load("xff")
	if xff != "203.0.113.7, 127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q, want prior hop retained and client IP last", xff)
	}
}

func TestProxyHeadRequest(t *testing.T) {
	originAddr, _ := origin(t)
	pool := NewUpstreamPool([]string{originAddr}, nil, nil)
	proxyAddr := startProxy(t, pool, nil, nil)

	conn, br := dialProxy(t, proxyAddr)
	resp := roundTrip(t, conn, br, "HEAD", "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.ContentLength != 2 {
		t.Errorf("Content-Length = %d, want the advertised 2", resp.ContentLength)
	}

	// The connection must still frame correctly for a followup request.
	resp = roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("followup status = %d, want 200", resp.StatusCode)
	}
}

func TestProxyEvictsDeadUpstream(t *testing.T) {
	dead := deadAddr(t)
	originAddr, _ := origin(t)
	pool := NewUpstreamPool([]string{dead, originAddr}, &First{}, nil)
	proxyAddr := startProxy(t, pool, nil, nil)

	conn, br := dialProxy(t, proxyAddr)
	resp := roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 via the live upstream", resp.StatusCode)
	}
	if got := pool.Active(); !slices.Equal(got, []string{originAddr}) {
		t.Errorf("active = %v, want only the live upstream", got)
	}
}

func TestProxyAllUpstreamsDown(t *testing.T) {
	pool := NewUpstreamPool([]string{deadAddr(t), deadAddr(t)}, nil, nil)
	proxyAddr := startProxy(t, pool, nil, nil)

	conn, br := dialProxy(t, proxyAddr)
	resp := roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	// The session ends after the 502.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("read after 502 = %v, want EOF", err)
	}
}

func TestProxyRateLimit(t *testing.T) {
	originAddr, _ := origin(t)
	pool := NewUpstreamPool([]string{originAddr}, nil, nil)
	limiter := ratelimit.New(3)
	proxyAddr := startProxy(t, pool, limiter, nil)

	conn, br := dialProxy(t, proxyAddr)
	want := []int{200, 200, 200, 429, 429}
	for i, w := range want {
		resp := roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		if resp.StatusCode != w {
			t.Fatalf("request %d: status = %d, want %d", i+1, resp.StatusCode, w)
		}
		io.Copy(io.Discard, resp.Body)
	}
}

func TestProxyMalformedRequestKeepsSession(t *testing.T) {
	originAddr, _ := origin(t)
	pool := NewUpstreamPool([]string{originAddr}, nil, nil)
	proxyAddr := startProxy(t, pool, nil, nil)

	conn, br := dialProxy(t, proxyAddr)
	resp := roundTrip(t, conn, br, "GET", "NOT HTTP\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)

	// A well-formed request on the same connection is served normally.
	resp = roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("followup status = %d, want 200", resp.StatusCode)
	}
}

func TestProxyHealthCheckRecovery(t *testing.T) {
	var health atomic.Int32
	health.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(health.Load()))
	}))
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")

	pool := NewUpstreamPool([]string{addr}, nil, nil)
	checker := NewHealthChecker(pool, 50*time.Millisecond, "/", nil)
	proxyAddr := startProxy(t, pool, nil, checker)

	// The first cycle sees the failing health endpoint and drains the
	// active set; new sessions then get 502.
	waitFor(t, "active set to drain", func() bool { return len(pool.Active()) == 0 })
	conn, br := dialProxy(t, proxyAddr)
	resp := roundTrip(t, conn, br, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 while upstream is unhealthy", resp.StatusCode)
	}

	// Once the upstream answers 200, the next cycle readmits it and new
	// sessions are served again.
	health.Store(http.StatusOK)
	waitFor(t, "upstream readmission", func() bool { return len(pool.Active()) == 1 })
	conn2, br2 := dialProxy(t, proxyAddr)
	resp = roundTrip(t, conn2, br2, "GET", "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after recovery", resp.StatusCode)
	}
}
