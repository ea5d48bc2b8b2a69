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

// Package threat blocks origins that repeatedly fail authentication.
package threat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"agentgate/gateway/audit"
	"agentgate/shared/logger"
)

const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 15 * time.Minute
	DefaultBlockDuration    = time.Hour
)

// Block reasons recorded in event details
const (
	ReasonRepeatedFailures = "repeated_auth_failures"
	ReasonManualBlock      = "manual_block"
)

// Config configures a Responder.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window" yaml:"failure_window"`
	BlockDuration    time.Duration `json:"block_duration" yaml:"block_duration"`
}

// DefaultConfig returns the standard escalation policy: five failures in
// fifteen minutes block an origin for one hour.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		FailureWindow:    DefaultFailureWindow,
		BlockDuration:    DefaultBlockDuration,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("failure window must be positive, got %v", c.FailureWindow)
	}
	if c.BlockDuration <= 0 {
		return fmt.Errorf("block duration must be positive, got %v", c.BlockDuration)
	}
	return nil
}

// Entry describes one blocked origin.
type Entry struct {
	Address string    `json:"address"`
	Since   time.Time `json:"since"`
	// Until is zero for indefinite blocks.
	Until  time.Time `json:"until,omitempty"`
	Manual bool      `json:"manual"`
	Reason string    `json:"reason"`
}

type block struct {
	since  time.Time
	until  time.Time
	timer  *time.Timer
	manual bool
	reason string
}

func (b *block) activeAt(now time.Time) bool {
	return b.until.IsZero() || now.Before(b.until)
}

// Responder watches authentication failures and blocks origins that keep
// failing. It reads failure counts from the audit log and writes its own
// decisions back to it.
type Responder struct {
	events *audit.Log
	log    *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	blocked   map[string]*block
	clearedAt map[string]time.Time
	closed    bool
}

// Option configures a Responder.
type Option func(*Responder)

// WithClock overrides the time source used for windows and expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Responder) { r.log = l }
}

// New creates a responder and subscribes it to auth failures on events.
func New(events *audit.Log, cfg Config, opts ...Option) (*Responder, error) {
	if events == nil {
		return nil, fmt.Errorf("audit log is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Responder{
		events:    events,
		now:       time.Now,
		cfg:       cfg,
		blocked:   make(map[string]*block),
		clearedAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}

	events.Subscribe(r.onFailure, audit.KindAuthFailure)
	return r, nil
}

func (r *Responder) onFailure(e audit.Event) {
	origin := e.OriginAddress
	if origin == "" {
		return
	}
	now := r.now()

	r.mu.Lock()
	if r.closed || r.activeLocked(origin, now) {
		r.mu.Unlock()
		return
	}
	cfg := r.cfg
	failures := r.events.CountSince(audit.KindAuthFailure, origin, cfg.FailureWindow, r.clearedAt[origin])
	if failures < cfg.FailureThreshold {
		r.mu.Unlock()
		return
	}

	b := &block{
		since:  now,
		until:  now.Add(cfg.BlockDuration),
		reason: ReasonRepeatedFailures,
	}
	b.timer = time.AfterFunc(cfg.BlockDuration, func() { r.expire(origin, b) })
	r.blocked[origin] = b
	r.mu.Unlock()

	r.log.Warn(e.AgentID, origin, "origin blocked after repeated authentication failures", map[string]interface{}{
		"failures":       failures,
		"block_duration": cfg.BlockDuration.String(),
	})

	r.events.Append(audit.Event{
		Kind:          audit.KindSuspiciousActivity,
		AgentID:       e.AgentID,
		OriginAddress: origin,
		Severity:      audit.SeverityCritical,
		Details: map[string]interface{}{
			"reason":         ReasonRepeatedFailures,
			"failures":       failures,
			"window":         cfg.FailureWindow.String(),
			"block_duration": cfg.BlockDuration.String(),
			"blocked_until":  b.until.UTC().Format(time.RFC3339),
		},
	})
}

// activeLocked reports whether origin is blocked at now, dropping an
// entry whose expiry has passed but whose timer has not fired yet.
func (r *Responder) activeLocked(origin string, now time.Time) bool {
	b, ok := r.blocked[origin]
	if !ok {
		return false
	}
	if b.activeAt(now) {
		return true
	}
	r.removeLocked(origin, b, b.until)
	return false
}

func (r *Responder) removeLocked(origin string, b *block, clearedAt time.Time) {
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(r.blocked, origin)
	r.clearedAt[origin] = clearedAt
}

func (r *Responder) expire(origin string, b *block) {
	r.mu.Lock()
	// a manual unblock or re-block may have replaced the entry
	if r.blocked[origin] != b {
		r.mu.Unlock()
		return
	}
	r.removeLocked(origin, b, r.now())
	r.mu.Unlock()

	r.log.Info("", origin, "origin block expired", nil)
}

// IsBlocked reports whether origin is currently blocked.
func (r *Responder) IsBlocked(origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(origin, r.now())
}

// Block blocks origin indefinitely, replacing any automatic block.
func (r *Responder) Block(origin, reason string) error {
	if origin == "" {
		return fmt.Errorf("origin address is required")
	}
	now := r.now()

	r.mu.Lock()
	if prev, ok := r.blocked[origin]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	r.blocked[origin] = &block{since: now, manual: true, reason: reason}
	r.mu.Unlock()

	r.log.Warn("", origin, "origin blocked manually", map[string]interface{}{"reason": reason})

	r.events.Append(audit.Event{
		Kind:          audit.KindSuspiciousActivity,
		OriginAddress: origin,
		Severity:      audit.SeverityHigh,
		Details: map[string]interface{}{
			"reason": ReasonManualBlock,
			"note":   reason,
		},
	})
	return nil
}

// Unblock clears any block on origin and cancels its pending expiry. It
// is idempotent and reports whether a block was removed.
func (r *Responder) Unblock(origin string) bool {
	r.mu.Lock()
	b, ok := r.blocked[origin]
	if ok {
		r.removeLocked(origin, b, r.now())
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("", origin, "origin unblocked", nil)
	}
	return ok
}

// Pin turns an active automatic block into an indefinite one by
// cancelling its expiry. It reports whether a timed block was pinned.
func (r *Responder) Pin(origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLocked(origin, r.now()) {
		return false
	}
	b := r.blocked[origin]
	if b.until.IsZero() {
		return false
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.until = time.Time{}
	return true
}

// Blocked returns a snapshot of active blocks ordered by address.
func (r *Responder) Blocked() []Entry {
	now := r.now()

	r.mu.Lock()
	out := make([]Entry, 0, len(r.blocked))
	for addr, b := range r.blocked {
		if !b.activeAt(now) {
			continue
		}
		out = append(out, Entry{
			Address: addr,
			Since:   b.since,
			Until:   b.until,
			Manual:  b.manual,
			Reason:  b.reason,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Count returns the number of active blocks.
func (r *Responder) Count() int {
	return len(r.Blocked())
}

// Config returns the current policy.
func (r *Responder) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the policy. Existing blocks keep their expiry.
func (r *Responder) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

// Close cancels every pending expiry timer and stops escalation. Active
// blocks remain queryable.
func (r *Responder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, b := range r.blocked {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
}
