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
	"errors"
	"net"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// ErrAllUpstreamsDown is returned by Connect when every active upstream has
// been tried and evicted.
var ErrAllUpstreamsDown = errors.New("all upstreams are down")

// UpstreamPool holds the configured upstream addresses and the subset
// currently believed healthy. The configured list is immutable; the active
// subset is rebuilt wholesale by the health checker and shrunk one address at
// a time by sessions that observe a dial failure.
type UpstreamPool struct {
	all    []string
	policy Policy
	logger *zap.Logger

	mu     sync.RWMutex
	active []string
}

// NewUpstreamPool builds a pool with every configured address active. A nil
// policy defaults to random selection.
func NewUpstreamPool(addrs []string, policy Policy, logger *zap.Logger) *UpstreamPool {
	if policy == nil {
		policy = &Random{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpstreamPool{
		all:    slices.Clone(addrs),
		active: slices.Clone(addrs),
		policy: policy,
		logger: logger,
	}
}

// Connect picks an active upstream by policy and dials it. A dial failure
// evicts that address from the active set and another pick is attempted;
// when the set drains, ErrAllUpstreamsDown is returned.
//
// The exclusive section spans the whole pick-dial-evict attempt so that two
// sessions cannot double-evict, at the cost of serializing dials. The dial
// could be moved outside the lock if dialing ever becomes the bottleneck,
// re-locking only to evict an address that is still present.
func (p *UpstreamPool) Connect() (net.Conn, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.active) > 0 {
		i := p.policy.Select(p.active)
		addr := p.active[i]
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, addr, nil
		}
		// Soft eviction: the configured list is untouched, so the health
		// checker can readmit the address on a later cycle.
		p.active[i] = p.active[len(p.active)-1]
		p.active = p.active[:len(p.active)-1]
		p.logger.Warn("evicted unreachable upstream",
			zap.String("upstream", addr),
			zap.Int("remaining", len(p.active)),
			zap.Error(err))
		upstreamActiveGauge.Set(float64(len(p.active)))
	}
	return nil, "", ErrAllUpstreamsDown
}

// ResetActive replaces the active set wholesale. Addresses not in the
// configured list are ignored so that active remains a subset of it.
func (p *UpstreamPool) ResetActive(addrs []string) {
	fresh := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if slices.Contains(p.all, addr) {
			fresh = append(fresh, addr)
		}
	}

	p.mu.Lock()
	p.active = fresh
	p.mu.Unlock()
	upstreamActiveGauge.Set(float64(len(fresh)))
}

// Active returns a snapshot of the active set, for introspection.
func (p *UpstreamPool) Active() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.active)
}

// All returns the configured upstream addresses.
func (p *UpstreamPool) All() []string {
	return slices.Clone(p.all)
}
