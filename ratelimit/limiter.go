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

// Package ratelimit implements a per-client fixed-window request limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the length of the counting window.
const Window = time.Minute

type clientWindow struct {
	count       int
	windowStart time.Time
}

// Limiter admits or denies requests per client IP, allowing at most max
// requests in any window. The window is fixed, not sliding: when it rolls
// over, the whole quota resets. A max of 0 disables limiting entirely.
type Limiter struct {
	max int

	mu      sync.Mutex
	clients map[string]*clientWindow

	// now is swappable for tests.
	now func() time.Time
}

// New returns a Limiter allowing max requests per client per Window.
func New(max int) *Limiter {
	return &Limiter{
		max:     max,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter is doing anything at all.
func (l *Limiter) Enabled() bool { return l.max > 0 }

// Admit decides whether a request from clientIP may proceed. The lookup,
// window roll, and increment happen in one critical section so concurrent
// requests from the same IP cannot both slip past the threshold.
//
// A client idle past a full window is reset on its next access; stale entries
// are not pruned otherwise.
func (l *Limiter) Admit(clientIP string) bool {
	if l.max == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cw, ok := l.clients[clientIP]
	if !ok {
		l.clients[clientIP] = &clientWindow{count: 1, windowStart: now}
		return true
	}
	if now.Sub(cw.windowStart) >= Window {
		cw.count = 1
		cw.windowStart = now
		return true
	}
	cw.count++
	return cw.count <= l.max
}
