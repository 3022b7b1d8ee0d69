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

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(max int) (*Limiter, *fakeClock) {
	l := New(max)
	clock := newFakeClock()
	l.now = clock.Now
	return l, clock
}

func TestAdmitDisabled(t *testing.T) {
	l := New(0)
	assert.False(t, l.Enabled())
	for i := 0; i < 1000; i++ {
		require.True(t, l.Admit("10.0.0.1"))
	}
}

func TestAdmitWithinQuota(t *testing.T) {
	l, _ := newTestLimiter(3)
	require.True(t, l.Enabled())

	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.False(t, l.Admit("10.0.0.1"), "4th request in the window must be denied")
	assert.False(t, l.Admit("10.0.0.1"), "5th request in the window must be denied")
}

func TestAdmitPerClientIsolation(t *testing.T) {
	l, _ := newTestLimiter(1)

	assert.True(t, l.Admit("10.0.0.1"))
	assert.False(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.2"), "a different client has its own window")
}

func TestAdmitWindowRolls(t *testing.T) {
	l, clock := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Admit("10.0.0.1"))
	}
	require.False(t, l.Admit("10.0.0.1"))

	// One second short of the roll: still denied.
	clock.Advance(Window - time.Second)
	assert.False(t, l.Admit("10.0.0.1"))

	// The window is fixed, not sliding: once it expires the whole quota
	// comes back at once.
	clock.Advance(time.Second)
	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.False(t, l.Admit("10.0.0.1"))
}

func TestAdmitStaleEntryResetsOnAccess(t *testing.T) {
	l, clock := newTestLimiter(2)

	require.True(t, l.Admit("10.0.0.1"))
	require.True(t, l.Admit("10.0.0.1"))
	require.False(t, l.Admit("10.0.0.1"))

	// A long-idle client gets a fresh window on its next request, not a
	// carry-over of the stale one.
	clock.Advance(10 * Window)
	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.False(t, l.Admit("10.0.0.1"))
}

func TestAdmitConcurrentSameClient(t *testing.T) {
	const max = 50
	l, _ := newTestLimiter(max)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("10.0.0.1") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, max, admitted, "exactly max requests may pass in one window")
}
