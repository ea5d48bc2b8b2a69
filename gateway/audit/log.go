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

package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"agentgate/shared/logger"
)

// DefaultRetention is the number of events kept when none is configured.
const DefaultRetention = 1000

// Handler is a callback invoked after a matching event has been stored.
type Handler func(Event)

type subscription struct {
	kinds   map[Kind]struct{} // nil means "all events"
	handler Handler
}

// Log is a bounded, append-only security event stream. Past entries are
// never modified; once the retention cap is reached the oldest entry is
// evicted on each append.
type Log struct {
	mu        sync.RWMutex
	events    []Event // ring buffer
	start     int
	size      int
	retention int

	subMu       sync.RWMutex
	subscribers []subscription

	now func() time.Time
	log *logger.Logger
}

// Config configures a Log.
type Config struct {
	Retention int
	Now       func() time.Time
	Logger    *logger.Logger
}

// NewLog creates an audit log.
func NewLog(cfg Config) *Log {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		events:    make([]Event, cfg.Retention),
		retention: cfg.Retention,
		now:       cfg.Now,
		log:       cfg.Logger,
	}
}

// Append stores the event and notifies subscribers. ID and Timestamp are
// filled in when empty. The stored copy is returned.
func (l *Log) Append(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	e = e.clone()

	l.mu.Lock()
	idx := (l.start + l.size) % l.retention
	if l.size == l.retention {
		// full: overwrite the oldest entry
		l.events[l.start] = e
		l.start = (l.start + 1) % l.retention
	} else {
		l.events[idx] = e
		l.size++
	}
	l.mu.Unlock()

	l.publish(e)
	return e
}

// Subscribe registers a handler for the given kinds, or for every event
// when no kind is given. Handlers run synchronously on the appending
// goroutine and may append further events.
func (l *Log) Subscribe(handler Handler, kinds ...Kind) {
	sub := subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	l.subMu.Lock()
	l.subscribers = append(l.subscribers, sub)
	l.subMu.Unlock()
}

func (l *Log) publish(e Event) {
	l.subMu.RLock()
	subs := make([]subscription, len(l.subscribers))
	copy(subs, l.subscribers)
	l.subMu.RUnlock()

	for _, sub := range subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[e.Kind]; !ok {
				continue
			}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error(e.AgentID, e.OriginAddress, "audit subscriber panic", map[string]interface{}{
						"kind":  string(e.Kind),
						"panic": r,
					})
				}
			}()
			sub.handler(e.clone())
		}()
	}
}

// Recent returns up to limit events, newest first. A limit <= 0 returns
// every retained event.
func (l *Log) Recent(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.start + l.size - 1 - i) % l.retention
		out = append(out, l.events[idx].clone())
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Stats aggregates event counts by kind.
type Stats struct {
	Total  int          `json:"total"`
	ByKind map[Kind]int `json:"by_kind"`
}

// StatsSince counts retained events younger than d, grouped by kind.
func (l *Log) StatsSince(d time.Duration) Stats {
	cutoff := l.now().Add(-d)
	stats := Stats{ByKind: make(map[Kind]int, len(Kinds))}
	for _, k := range Kinds {
		stats.ByKind[k] = 0
	}

	l.each(func(e Event) {
		if !e.Timestamp.After(cutoff) {
			return
		}
		stats.Total++
		stats.ByKind[e.Kind]++
	})
	return stats
}

// CountSince counts retained events of the given kind from origin that
// are at most d old and strictly newer than after. A zero after only
// applies the window.
func (l *Log) CountSince(kind Kind, origin string, d time.Duration, after time.Time) int {
	cutoff := l.now().Add(-d)

	n := 0
	l.each(func(e Event) {
		if e.Kind != kind || e.OriginAddress != origin {
			return
		}
		if e.Timestamp.Before(cutoff) || !e.Timestamp.After(after) {
			return
		}
		n++
	})
	return n
}

// each visits every retained event, newest first. Callers must not
// retain or mutate the event.
func (l *Log) each(fn func(Event)) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := 0; i < l.size; i++ {
		fn(l.events[(l.start+l.size-1-i)%l.retention])
	}
}
