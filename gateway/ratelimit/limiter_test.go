// Copyright 2025 AxonFlow
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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// start a few seconds into a minute so a short burst stays in one bucket
func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCheck_MinuteLimitExactness(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Limits: Limits{RequestsPerMinute: 100, RequestsPerHour: 1000}, Now: clock.Now})

	for i := 1; i <= 100; i++ {
		require.True(t, l.Check("agent_1", "10.0.0.1"), "request %d should be allowed", i)
	}
	assert.False(t, l.Check("agent_1", "10.0.0.1"), "101st request should be denied")

	// roll into the next minute bucket
	clock.Advance(time.Minute)
	assert.True(t, l.Check("agent_1", "10.0.0.1"))
}

func TestCheck_DeniedRequestIsNotCounted(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Limits: Limits{RequestsPerMinute: 2, RequestsPerHour: 100}, Now: clock.Now})

	require.True(t, l.Check("agent_1", "10.0.0.1"))
	require.True(t, l.Check("agent_1", "10.0.0.1"))
	for i := 0; i < 5; i++ {
		require.False(t, l.Check("agent_1", "10.0.0.1"))
	}

	assert.Equal(t, 2, l.AgentUsage("agent_1").MinuteCount)
	assert.Equal(t, 2, l.OriginUsage("10.0.0.1").HourCount)
}

func TestCheck_HourLimit(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Limits: Limits{RequestsPerMinute: 10, RequestsPerHour: 25}, Now: clock.Now})

	allowed := 0
	for minute := 0; minute < 5; minute++ {
		for i := 0; i < 10; i++ {
			if l.Check("agent_1", "10.0.0.1") {
				allowed++
			}
		}
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 25, allowed)

	clock.Advance(time.Hour)
	assert.True(t, l.Check("agent_1", "10.0.0.1"))
}

func TestCheck_BothKeysMustBeUnderCap(t *testing.T) {
	tests := []struct {
		name        string
		first       [2]string
		second      [2]string
		wantAllowed bool
	}{
		{
			name:        "same origin, different agent is limited by origin",
			first:       [2]string{"agent_1", "10.0.0.1"},
			second:      [2]string{"agent_2", "10.0.0.1"},
			wantAllowed: false,
		},
		{
			name:        "same agent, different origin is limited by agent",
			first:       [2]string{"agent_1", "10.0.0.1"},
			second:      [2]string{"agent_1", "10.0.0.2"},
			wantAllowed: false,
		},
		{
			name:        "unrelated agent and origin",
			first:       [2]string{"agent_1", "10.0.0.1"},
			second:      [2]string{"agent_2", "10.0.0.2"},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			l := New(Config{Limits: Limits{RequestsPerMinute: 3, RequestsPerHour: 100}, Now: clock.Now})

			for i := 0; i < 3; i++ {
				require.True(t, l.Check(tt.first[0], tt.first[1]))
			}
			assert.Equal(t, tt.wantAllowed, l.Check(tt.second[0], tt.second[1]))
		})
	}
}

func TestCheck_AnonymousTrackedByOrigin(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Limits: Limits{RequestsPerMinute: 2, RequestsPerHour: 100}, Now: clock.Now})

	assert.True(t, l.Check("", "10.0.0.1"))
	assert.True(t, l.Check("", "10.0.0.1"))
	assert.False(t, l.Check("", "10.0.0.1"))
	assert.Equal(t, 1, l.Keys())
}

func TestCheck_Concurrent(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Limits: Limits{RequestsPerMinute: 100, RequestsPerHour: 1000}, Now: clock.Now})

	var allowed int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Check("agent_1", "10.0.0.1") {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Now: clock.Now})

	for i := 0; i < 10; i++ {
		l.Check(fmt.Sprintf("agent_%d", i), fmt.Sprintf("10.0.0.%d", i))
	}
	require.Equal(t, 20, l.Keys())

	// previous-hour buckets are kept, so nothing goes yet
	clock.Advance(time.Hour)
	assert.Equal(t, 0, l.Sweep())

	clock.Advance(time.Hour)
	assert.Equal(t, 20, l.Sweep())
	assert.Equal(t, 0, l.Keys())
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Limits: Limits{RequestsPerMinute: 1, RequestsPerHour: 100}, Now: clock.Now})

	require.True(t, l.Check("agent_1", "10.0.0.1"))
	require.False(t, l.Check("agent_1", "10.0.0.1"))

	l.ResetAgent("agent_1")
	assert.False(t, l.Check("agent_1", "10.0.0.1"), "origin still at cap")

	l.ResetOrigin("10.0.0.1")
	assert.True(t, l.Check("agent_1", "10.0.0.1"))
}

func TestUsage_ResetTimes(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Now: clock.Now})

	u := l.AgentUsage("missing")
	assert.Equal(t, 0, u.MinuteCount)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC), u.MinuteResetTime)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), u.HourResetTime)
}

func TestSetLimits(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultLimits(), l.Limits())

	require.NoError(t, l.SetLimits(Limits{RequestsPerMinute: 5, RequestsPerHour: 50}))
	assert.Equal(t, 5, l.Limits().RequestsPerMinute)

	assert.Error(t, l.SetLimits(Limits{RequestsPerMinute: 0, RequestsPerHour: 50}))
	assert.Error(t, l.SetLimits(Limits{RequestsPerMinute: 5, RequestsPerHour: -1}))
}
