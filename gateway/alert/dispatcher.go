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

package alert

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"agentgate/gateway/audit"
	"agentgate/shared/logger"
)

const (
	DefaultCooldown  = 5 * time.Minute
	DefaultQueueSize = 256
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Config configures a Dispatcher.
type Config struct {
	// URLs are Shoutrrr service URLs, e.g. slack://token@channel.
	URLs        []string
	MinSeverity audit.Severity
	// Cooldown suppresses repeats for the same origin and reason.
	Cooldown  time.Duration
	QueueSize int
	Now       func() time.Time
	Logger    *logger.Logger
}

// Stats are dispatch counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
}

// Dispatcher forwards severe security events to notification services.
type Dispatcher struct {
	urls     []string
	min      audit.Severity
	cooldown time.Duration
	sender   Sender
	now      func() time.Time
	log      *logger.Logger

	ch chan audit.Event

	// cooldowns tracks the last dispatch per origin and reason. Entries
	// older than the cooldown are pruned at most once per cooldown period.
	mu        sync.Mutex
	cooldowns map[string]time.Time
	lastPrune time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	sent, failed, suppressed, dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher. A nil sender uses Shoutrrr.
func NewDispatcher(cfg Config, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = audit.SeverityCritical
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		urls:      append([]string(nil), cfg.URLs...),
		min:       cfg.MinSeverity,
		cooldown:  cfg.Cooldown,
		sender:    sender,
		now:       cfg.Now,
		log:       cfg.Logger,
		ch:        make(chan audit.Event, cfg.QueueSize),
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Handle queues e if it is severe enough. It never blocks, so it can be
// registered directly as an audit log subscriber.
func (d *Dispatcher) Handle(e audit.Event) {
	if !e.Severity.AtLeast(d.min) {
		return
	}
	select {
	case <-d.stopCh:
		d.dropped.Add(1)
		return
	default:
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		d.log.Warn(e.AgentID, e.OriginAddress, "alert queue full, dropping event", map[string]interface{}{
			"kind": string(e.Kind),
		})
	}
}

// Start begins dispatching on a background goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-d.ch:
				d.dispatch(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-d.ch:
						d.dispatch(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(e audit.Event) {
	if !d.cooldownAllows(e) {
		d.suppressed.Add(1)
		return
	}

	msg := FormatMessage(e)
	for _, url := range d.urls {
		if err := d.sender.Send(url, msg); err != nil {
			d.failed.Add(1)
			d.log.ErrorWithErr(e.AgentID, e.OriginAddress, "alert dispatch failed", err, map[string]interface{}{
				"service": serviceName(url),
			})
			continue
		}
		d.sent.Add(1)
	}
}

func (d *Dispatcher) cooldownAllows(e audit.Event) bool {
	if d.cooldown == 0 {
		return true
	}
	key := e.OriginAddress + "|" + string(e.Kind) + "|" + e.Reason()
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	if now.Sub(d.lastPrune) >= d.cooldown {
		for k, last := range d.cooldowns {
			if now.Sub(last) >= d.cooldown {
				delete(d.cooldowns, k)
			}
		}
		d.lastPrune = now
	}
	d.cooldowns[key] = now
	return true
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Suppressed: d.suppressed.Load(),
		Dropped:    d.dropped.Load(),
	}
}

// FormatMessage renders an event as a plain-text notification.
func FormatMessage(e audit.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s from %s", strings.ToUpper(string(e.Severity)), e.Kind, e.OriginAddress)
	if e.AgentID != "" {
		fmt.Fprintf(&b, " (agent %s)", e.AgentID)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %v", k, e.Details[k])
		}
	}
	fmt.Fprintf(&b, "\nat %s", e.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

// serviceName returns the URL scheme so logs never carry tokens.
func serviceName(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return "unknown"
}
