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

package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agentgate/gateway/audit"
	"agentgate/shared/logger"
)

const (
	streamBufferSize   = 64
	streamReadLimit    = 4096
	streamReadTimeout  = 90 * time.Second
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// streamClient is one websocket subscriber to the live event stream.
type streamClient struct {
	conn   *websocket.Conn
	send   chan audit.Event
	done   chan struct{}
	once   sync.Once
	filter streamFilter
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.done) })
}

type streamFilter struct {
	kinds       map[audit.Kind]bool
	minSeverity audit.Severity
}

func (f streamFilter) match(e audit.Event) bool {
	if len(f.kinds) > 0 && !f.kinds[e.Kind] {
		return false
	}
	return f.minSeverity == "" || e.Severity.AtLeast(f.minSeverity)
}

// parseStreamFilter reads ?kind=...&kind=...&min_severity=... from the
// stream URL.
func parseStreamFilter(q url.Values) (streamFilter, error) {
	var f streamFilter
	for _, k := range q["kind"] {
		kind := audit.Kind(k)
		known := false
		for _, valid := range audit.Kinds {
			if kind == valid {
				known = true
				break
			}
		}
		if !known {
			return f, fmt.Errorf("unknown event kind %q", k)
		}
		if f.kinds == nil {
			f.kinds = make(map[audit.Kind]bool)
		}
		f.kinds[kind] = true
	}
	if s := q.Get("min_severity"); s != "" {
		sev, ok := audit.ParseSeverity(s)
		if !ok {
			return f, fmt.Errorf("unknown severity %q", s)
		}
		f.minSeverity = sev
	}
	return f, nil
}

// eventHub fans security events out to websocket clients. A client that
// cannot keep up loses events rather than slowing the gate down.
type eventHub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool

	dropped atomic.Uint64
}

func newEventHub(log *logger.Logger) *eventHub {
	return &eventHub{
		log:     log,
		clients: make(map[*streamClient]struct{}),
	}
}

// publish is registered as an audit subscriber.
func (h *eventHub) publish(e audit.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.match(e) {
			continue
		}
		select {
		case c.send <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *eventHub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *eventHub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// close disconnects every client and refuses new ones.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if len(h.clients) > 0 {
		h.log.Info("", "", "closing event streams", map[string]interface{}{
			"clients": len(h.clients),
			"dropped": h.dropped.Load(),
		})
	}
	for c := range h.clients {
		c.stop()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second),
		)
		c.conn.Close()
		delete(h.clients, c)
	}
}

func (g *Gateway) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || g.originMatcher().Allowed(origin)
		},
	}
}

// handleEventStream upgrades an authenticated request and streams
// security events as JSON text frames until either side closes.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	filter, err := parseStreamFilter(r.URL.Query())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	up := g.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		g.log.Debug("", clientIP(r, g.Config().TrustProxy), "event stream upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c := &streamClient{
		conn:   conn,
		send:   make(chan audit.Event, streamBufferSize),
		done:   make(chan struct{}),
		filter: filter,
	}
	if !g.hub.add(c) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second),
		)
		conn.Close()
		return
	}
	defer g.hub.remove(c)

	go g.streamWriteLoop(c)
	g.streamReadLoop(c)
}

// streamReadLoop only services control frames; clients send nothing.
func (g *Gateway) streamReadLoop(c *streamClient) {
	defer c.conn.Close()
	defer c.stop()

	c.conn.SetReadLimit(streamReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("", "", "event stream read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

func (g *Gateway) streamWriteLoop(c *streamClient) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteJSON(e); err != nil {
				c.stop()
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				c.stop()
				c.conn.Close()
				return
			}
		}
	}
}
