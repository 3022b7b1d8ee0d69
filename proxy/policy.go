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
	"fmt"
	"math/rand"
	"sync"
)

var supportedPolicies = make(map[string]func() Policy)

func init() {
	RegisterPolicy("random", func() Policy { return &Random{} })
	RegisterPolicy("round_robin", func() Policy { return &RoundRobin{} })
	RegisterPolicy("first", func() Policy { return &First{} })
}

// Policy decides which address is dialed next from the active set. Select is
// always called under the pool's exclusive section with a non-empty pool, so
// implementations need no locking of their own beyond per-policy state.
type Policy interface {
	Select(pool []string) int
}

// RegisterPolicy adds a custom selection policy.
func RegisterPolicy(name string, policy func() Policy) {
	supportedPolicies[name] = policy
}

// PolicyByName returns a fresh instance of the named policy.
func PolicyByName(name string) (Policy, error) {
	create, ok := supportedPolicies[name]
	if !ok {
		return nil, fmt.Errorf("unknown selection policy '%s'", name)
	}
	return create(), nil
}

// Random selects an address uniformly at random. Stateless picking means
// concurrent sessions do not converge on the same upstream and no shared
// cursor is needed.
type Random struct{}

// Select selects a random index from the pool.
func (r *Random) Select(pool []string) int {
	return rand.Intn(len(pool))
}

// RoundRobin selects addresses in rotation.
type RoundRobin struct {
	robin uint32
	mutex sync.Mutex
}

// Select selects the next index in round-robin order.
func (r *RoundRobin) Select(pool []string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.robin++
	return int(r.robin % uint32(len(pool)))
}

// First always selects the first address still active.
type First struct{}

// Select selects index 0.
func (f *First) Select(pool []string) int {
	return 0
}
