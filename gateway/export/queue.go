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

package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"agentgate/gateway/audit"
	"agentgate/shared/logger"
)

const (
	DefaultQueueSize   = 1000
	DefaultWorkers     = 2
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 100 * time.Millisecond
	DefaultSpillBuffer = 256
)

var errQueueFull = errors.New("export queue full")

// Sink is an external destination for security events.
type Sink interface {
	Name() string
	Write(ctx context.Context, e audit.Event) error
	Close() error
}

// Config configures a Queue.
type Config struct {
	QueueSize int
	Workers   int
	// FallbackPath is a JSONL file receiving events that could not be
	// delivered. Empty disables the fallback; such events are dropped.
	FallbackPath string
	MaxRetries   int
	RetryDelay   time.Duration
	// SpillBuffer bounds the overflow events waiting for the fallback
	// writer. Overflow beyond it is dropped and counted.
	SpillBuffer int
	Logger      *logger.Logger
}

// Stats are delivery counters.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Spilled   uint64 `json:"spilled"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// fallbackRecord is one line of the fallback file.
type fallbackRecord struct {
	Sink      string      `json:"sink,omitempty"`
	Error     string      `json:"error,omitempty"`
	SpilledAt time.Time   `json:"spilled_at"`
	Event     audit.Event `json:"event"`
}

// spillRequest is an overflow event handed to the fallback writer.
type spillRequest struct {
	event audit.Event
	cause error
}

// Queue copies security events to sinks asynchronously. Enqueue never
// blocks and never touches the disk: overflow from a full queue is handed
// to a background fallback writer, and dropped when that is backed up too.
// Each delivery is retried with exponential backoff before it is spilled.
type Queue struct {
	queue   chan audit.Event
	spillCh chan spillRequest
	sinks   []Sink
	workers int
	wg      sync.WaitGroup
	spillWG sync.WaitGroup
	log     *logger.Logger

	maxRetries int
	retryDelay time.Duration

	closeMu sync.RWMutex
	closed  bool

	fileMu       sync.Mutex
	fallbackFile *os.File

	queued    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	spilled   atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue opens the fallback file and starts the workers.
func NewQueue(cfg Config, sinks ...Sink) (*Queue, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SpillBuffer <= 0 {
		cfg.SpillBuffer = DefaultSpillBuffer
	}

	q := &Queue{
		queue:      make(chan audit.Event, cfg.QueueSize),
		spillCh:    make(chan spillRequest, cfg.SpillBuffer),
		sinks:      sinks,
		workers:    cfg.Workers,
		log:        cfg.Logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}

	if cfg.FallbackPath != "" {
		f, err := os.OpenFile(cfg.FallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open fallback file: %w", err)
		}
		q.fallbackFile = f
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.spillWG.Add(1)
	go q.spillLoop()

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	q.log.Info("", "", "export queue started", map[string]interface{}{
		"workers":  q.workers,
		"sinks":    names,
		"fallback": cfg.FallbackPath,
	})
	return q, nil
}

// Enqueue schedules e for delivery. Suitable as an audit.Handler: it
// runs on the validation path, so it only ever does channel sends.
// Events arriving after Shutdown are dropped.
func (q *Queue) Enqueue(e audit.Event) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.queue <- e:
		q.queued.Add(1)
		return
	default:
	}
	select {
	case q.spillCh <- spillRequest{event: e, cause: errQueueFull}:
	default:
		q.dropped.Add(1)
	}
}

func (q *Queue) spillLoop() {
	defer q.spillWG.Done()
	for r := range q.spillCh {
		q.spill(r.event, "", r.cause)
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for e := range q.queue {
		for _, sink := range q.sinks {
			if err := q.deliver(sink, e); err != nil {
				q.failed.Add(1)
				q.log.ErrorWithErr(e.AgentID, e.OriginAddress, "export failed after retries", err, map[string]interface{}{
					"sink":     sink.Name(),
					"worker":   id,
					"event_id": e.ID,
				})
				q.spill(e, sink.Name(), err)
				continue
			}
			q.processed.Add(1)
		}
	}
}

func (q *Queue) deliver(sink Sink, e audit.Event) error {
	var err error
	for attempt := 0; attempt < q.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = sink.Write(ctx, e)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < q.maxRetries-1 {
			// 100ms, 200ms, 400ms...
			time.Sleep(q.retryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	return err
}

func (q *Queue) spill(e audit.Event, sink string, cause error) {
	q.spilled.Add(1)
	if err := q.writeToFallback(e, sink, cause); err != nil {
		q.log.ErrorWithErr(e.AgentID, e.OriginAddress, "failed to write event to fallback", err, map[string]interface{}{
			"event_id": e.ID,
		})
	}
}

func (q *Queue) writeToFallback(e audit.Event, sink string, cause error) error {
	rec := fallbackRecord{Sink: sink, SpilledAt: time.Now().UTC(), Event: e}
	if cause != nil {
		rec.Error = cause.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	q.fileMu.Lock()
	defer q.fileMu.Unlock()
	if q.fallbackFile == nil {
		return fmt.Errorf("no fallback file configured")
	}
	if _, err := fmt.Fprintf(q.fallbackFile, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write to fallback: %w", err)
	}
	return q.fallbackFile.Sync()
}

// Shutdown stops accepting events and waits for the workers to drain the
// queue. If ctx expires first, undelivered events go to the fallback
// file. Sinks are closed either way.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	close(q.spillCh)
	q.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.spillWG.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-ctx.Done():
		remaining := 0
		for e := range q.queue {
			q.spill(e, "", ctx.Err())
			remaining++
		}
		q.log.Warn("", "", "export shutdown timed out, events saved to fallback", map[string]interface{}{
			"remaining": remaining,
		})
		shutdownErr = ctx.Err()
	}

	for _, sink := range q.sinks {
		if err := sink.Close(); err != nil {
			q.log.ErrorWithErr("", "", "failed to close sink", err, map[string]interface{}{"sink": sink.Name()})
		}
	}

	s := q.Stats()
	q.log.Info("", "", "export queue shutdown complete", map[string]interface{}{
		"processed": s.Processed,
		"failed":    s.Failed,
		"spilled":   s.Spilled,
		"dropped":   s.Dropped,
	})

	// workers still retrying may spill after a timeout; leave the file to
	// the process exit in that case
	if shutdownErr != nil {
		return shutdownErr
	}
	q.fileMu.Lock()
	defer q.fileMu.Unlock()
	if q.fallbackFile != nil {
		err := q.fallbackFile.Close()
		q.fallbackFile = nil
		if err != nil {
			return fmt.Errorf("failed to close fallback file: %w", err)
		}
	}
	return nil
}

// Stats returns the delivery counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:    q.queued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Spilled:   q.spilled.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   len(q.queue),
	}
}
