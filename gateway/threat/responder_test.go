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

package threat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/gateway/audit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
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

func setup(t *testing.T, clock *fakeClock) (*audit.Log, *Responder) {
	t.Helper()
	events := audit.NewLog(audit.Config{Now: clock.Now})
	r, err := New(events, DefaultConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return events, r
}

func fail(events *audit.Log, origin string) {
	events.Append(audit.Event{
		Kind:          audit.KindAuthFailure,
		OriginAddress: origin,
		Severity:      audit.SeverityMedium,
		Details:       map[string]interface{}{"reason": "InvalidApiKey"},
	})
}

func criticalEvents(events *audit.Log, origin string) []audit.Event {
	var out []audit.Event
	for _, e := range events.Recent(0) {
		if e.Kind == audit.KindSuspiciousActivity && e.Severity == audit.SeverityCritical && e.OriginAddress == origin {
			out = append(out, e)
		}
	}
	return out
}

func TestEscalation_ThresholdCrossing(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)
	origin := "10.0.0.2"

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		fail(events, origin)
		clock.Advance(time.Second)
	}
	assert.False(t, r.IsBlocked(origin), "four failures must not block")
	assert.Empty(t, criticalEvents(events, origin))

	fail(events, origin)
	assert.True(t, r.IsBlocked(origin))

	critical := criticalEvents(events, origin)
	require.Len(t, critical, 1)
	assert.Equal(t, ReasonRepeatedFailures, critical[0].Reason())
	assert.Equal(t, DefaultFailureThreshold, critical[0].Details["failures"])

	// more failures while blocked do not escalate again
	for i := 0; i < 10; i++ {
		fail(events, origin)
	}
	assert.Len(t, criticalEvents(events, origin), 1)
}

func TestEscalation_WindowExcludesOldFailures(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)
	origin := "10.0.0.3"

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		fail(events, origin)
	}
	clock.Advance(DefaultFailureWindow + time.Second)

	fail(events, origin)
	assert.False(t, r.IsBlocked(origin))
}

func TestEscalation_OriginsIndependent(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		fail(events, "10.0.0.4")
		fail(events, "10.0.0.5")
	}
	fail(events, "10.0.0.4")

	assert.True(t, r.IsBlocked("10.0.0.4"))
	assert.False(t, r.IsBlocked("10.0.0.5"))
}

func TestEscalation_IgnoresEmptyOrigin(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	for i := 0; i < 10; i++ {
		fail(events, "")
	}
	assert.Empty(t, r.Blocked())
}

func TestAutoUnblock_AtExpiry(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)
	origin := "10.0.0.6"

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, origin)
	}
	require.True(t, r.IsBlocked(origin))

	blocked := r.Blocked()
	require.Len(t, blocked, 1)
	assert.Equal(t, clock.Now().Add(DefaultBlockDuration), blocked[0].Until)
	assert.False(t, blocked[0].Manual)

	clock.Advance(DefaultBlockDuration - time.Second)
	assert.True(t, r.IsBlocked(origin), "still blocked before expiry")

	clock.Advance(time.Second)
	assert.False(t, r.IsBlocked(origin), "cleared at expiry")
	assert.Empty(t, r.Blocked())
}

func TestAutoUnblock_TimerFires(t *testing.T) {
	events := audit.NewLog(audit.Config{})
	cfg := DefaultConfig()
	cfg.BlockDuration = 50 * time.Millisecond
	r, err := New(events, cfg)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < cfg.FailureThreshold; i++ {
		fail(events, "10.0.0.7")
	}
	require.True(t, r.IsBlocked("10.0.0.7"))

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.blocked) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAfterClear_OldFailuresDoNotCount(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)
	origin := "10.0.0.8"

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, origin)
	}
	require.True(t, r.IsBlocked(origin))
	require.True(t, r.Unblock(origin))

	clock.Advance(time.Second)
	fail(events, origin)
	assert.False(t, r.IsBlocked(origin), "failures before the unblock are forgiven")

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		fail(events, origin)
	}
	assert.True(t, r.IsBlocked(origin))
	assert.Len(t, criticalEvents(events, origin), 2)
}

func TestUnblock_Idempotent(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, "10.0.0.9")
	}

	assert.True(t, r.Unblock("10.0.0.9"))
	assert.False(t, r.Unblock("10.0.0.9"))
	assert.False(t, r.Unblock("never-blocked"))
	assert.False(t, r.IsBlocked("10.0.0.9"))
}

func TestManualBlock(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	require.NoError(t, r.Block("192.168.1.1", "abuse report"))
	assert.True(t, r.IsBlocked("192.168.1.1"))

	recent := events.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, audit.KindSuspiciousActivity, recent[0].Kind)
	assert.Equal(t, audit.SeverityHigh, recent[0].Severity)
	assert.Equal(t, ReasonManualBlock, recent[0].Reason())

	clock.Advance(100 * time.Hour)
	assert.True(t, r.IsBlocked("192.168.1.1"), "manual blocks do not expire")

	blocked := r.Blocked()
	require.Len(t, blocked, 1)
	assert.True(t, blocked[0].Manual)
	assert.True(t, blocked[0].Until.IsZero())

	assert.Error(t, r.Block("", "x"))
}

func TestManualBlock_ReplacesAutoBlock(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, "10.0.1.1")
	}
	require.NoError(t, r.Block("10.0.1.1", "escalated"))

	clock.Advance(2 * DefaultBlockDuration)
	assert.True(t, r.IsBlocked("10.0.1.1"))
}

func TestPin(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	assert.False(t, r.Pin("10.0.1.2"), "nothing to pin")

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, "10.0.1.2")
	}
	assert.True(t, r.Pin("10.0.1.2"))
	assert.False(t, r.Pin("10.0.1.2"), "already indefinite")

	clock.Advance(2 * DefaultBlockDuration)
	assert.True(t, r.IsBlocked("10.0.1.2"))

	assert.True(t, r.Unblock("10.0.1.2"))
	assert.False(t, r.IsBlocked("10.0.1.2"))
}

func TestClose_StopsEscalation(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, "10.0.1.3")
	}
	r.Close()

	r.mu.Lock()
	for _, b := range r.blocked {
		assert.Nil(t, b.timer)
	}
	r.mu.Unlock()

	for i := 0; i < DefaultFailureThreshold; i++ {
		fail(events, "10.0.1.4")
	}
	assert.False(t, r.IsBlocked("10.0.1.4"))
	assert.True(t, r.IsBlocked("10.0.1.3"))
}

func TestConcurrentFailures_SingleEscalation(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(events, "10.0.2.1")
		}()
	}
	wg.Wait()

	assert.True(t, r.IsBlocked("10.0.2.1"))
	assert.Len(t, criticalEvents(events, "10.0.2.1"), 1)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero threshold", mutate: func(c *Config) { c.FailureThreshold = 0 }, wantErr: true},
		{name: "zero window", mutate: func(c *Config) { c.FailureWindow = 0 }, wantErr: true},
		{name: "negative block", mutate: func(c *Config) { c.BlockDuration = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}

	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestSetConfig(t *testing.T) {
	clock := newFakeClock()
	events, r := setup(t, clock)

	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	require.NoError(t, r.SetConfig(cfg))
	assert.Equal(t, 2, r.Config().FailureThreshold)

	fail(events, "10.0.3.1")
	fail(events, "10.0.3.1")
	assert.True(t, r.IsBlocked("10.0.3.1"))

	assert.Error(t, r.SetConfig(Config{}))
}
