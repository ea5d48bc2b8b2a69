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

// Package ratelimit tracks request counts per agent and per origin in
// fixed minute and hour windows.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	// MinuteWindow is the short window size.
	MinuteWindow = time.Minute
	// HourWindow is the long window size and the GC horizon.
	HourWindow = time.Hour

	DefaultRequestsPerMinute = 100
	DefaultRequestsPerHour   = 1000
)

// Limits are the per-key caps applied to both the agent and the origin.
type Limits struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" yaml:"requests_per_hour"`
}

// DefaultLimits returns 100/minute and 1000/hour.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: DefaultRequestsPerMinute,
		RequestsPerHour:   DefaultRequestsPerHour,
	}
}

// Validate rejects non-positive caps.
func (l Limits) Validate() error {
	if l.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", l.RequestsPerMinute)
	}
	if l.RequestsPerHour <= 0 {
		return fmt.Errorf("requests_per_hour must be positive, got %d", l.RequestsPerHour)
	}
	return nil
}

// window tracks request counts by bucket index (floor(unix / size)).
type window struct {
	minute map[int64]int
	hour   map[int64]int
}

func newWindow() *window {
	return &window{
		minute: make(map[int64]int, 2),
		hour:   make(map[int64]int, 2),
	}
}

// current returns the counts in the buckets containing now. Buckets for
// any other index contribute nothing, even if not yet purged.
func (w *window) current(now time.Time) (minute, hour int) {
	return w.minute[bucket(now, MinuteWindow)], w.hour[bucket(now, HourWindow)]
}

func (w *window) record(now time.Time) {
	w.minute[bucket(now, MinuteWindow)]++
	w.hour[bucket(now, HourWindow)]++
}

// purge drops buckets that are neither the current index nor its
// immediate predecessor.
func (w *window) purge(now time.Time) {
	purgeBuckets(w.minute, bucket(now, MinuteWindow))
	purgeBuckets(w.hour, bucket(now, HourWindow))
}

func (w *window) empty() bool {
	return len(w.minute) == 0 && len(w.hour) == 0
}

func purgeBuckets(buckets map[int64]int, current int64) {
	for idx := range buckets {
		if idx != current && idx != current-1 {
			delete(buckets, idx)
		}
	}
}

func bucket(t time.Time, size time.Duration) int64 {
	return t.Unix() / int64(size/time.Second)
}

// Limiter is a fixed-window rate limiter keyed by agent id and origin
// address. All state lives behind one mutex, so a check and the record
// that follows it are a single atomic step for both keys.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	windows map[string]*window
	now     func() time.Time
}

// Config configures a Limiter.
type Config struct {
	Limits Limits
	Now    func() time.Time
}

// New creates a limiter. Zero limits fall back to the defaults.
func New(cfg Config) *Limiter {
	if cfg.Limits.RequestsPerMinute <= 0 {
		cfg.Limits.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Limits.RequestsPerHour <= 0 {
		cfg.Limits.RequestsPerHour = DefaultRequestsPerHour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		limits:  cfg.Limits,
		windows: make(map[string]*window),
		now:     cfg.Now,
	}
}

func agentKey(agentID string) string { return "agent:" + agentID }
func originKey(origin string) string { return "origin:" + origin }

// Check reports whether a request from agentID at origin is allowed.
// Both keys must be under both caps; when allowed the request is counted
// against both keys. An empty agentID is tracked by origin only.
func (l *Limiter) Check(agentID, origin string) bool {
	keys := make([]string, 0, 2)
	if agentID != "" {
		keys = append(keys, agentKey(agentID))
	}
	keys = append(keys, originKey(origin))

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	windows := make([]*window, len(keys))
	for i, key := range keys {
		w, ok := l.windows[key]
		if !ok {
			w = newWindow()
			l.windows[key] = w
		}
		w.purge(now)
		windows[i] = w
	}

	for _, w := range windows {
		minute, hour := w.current(now)
		if minute >= l.limits.RequestsPerMinute || hour >= l.limits.RequestsPerHour {
			return false
		}
	}

	for _, w := range windows {
		w.record(now)
	}
	return true
}

// Usage is a snapshot of one key's counters in the current windows.
type Usage struct {
	Key             string    `json:"key"`
	MinuteCount     int       `json:"minute_count"`
	HourCount       int       `json:"hour_count"`
	MinuteResetTime time.Time `json:"minute_reset_time"`
	HourResetTime   time.Time `json:"hour_reset_time"`
}

// AgentUsage returns the current counters for an agent.
func (l *Limiter) AgentUsage(agentID string) Usage {
	return l.usage(agentKey(agentID))
}

// OriginUsage returns the current counters for an origin address.
func (l *Limiter) OriginUsage(origin string) Usage {
	return l.usage(originKey(origin))
}

func (l *Limiter) usage(key string) Usage {
	now := l.now()
	u := Usage{
		Key:             key,
		MinuteResetTime: now.Truncate(MinuteWindow).Add(MinuteWindow),
		HourResetTime:   now.Truncate(HourWindow).Add(HourWindow),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[key]; ok {
		u.MinuteCount, u.HourCount = w.current(now)
	}
	return u
}

// ResetAgent removes all counters for an agent (admin flush).
func (l *Limiter) ResetAgent(agentID string) {
	l.mu.Lock()
	delete(l.windows, agentKey(agentID))
	l.mu.Unlock()
}

// ResetOrigin removes all counters for an origin (admin flush).
func (l *Limiter) ResetOrigin(origin string) {
	l.mu.Lock()
	delete(l.windows, originKey(origin))
	l.mu.Unlock()
}

// Sweep purges expired buckets across every key and drops keys that no
// longer hold any bucket. Returns the number of keys removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.purge(now)
		if w.empty() {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Limits returns the active caps.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// SetLimits replaces the caps; existing counters are kept.
func (l *Limiter) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	return nil
}
