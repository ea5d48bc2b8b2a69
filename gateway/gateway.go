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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentgate/gateway/alert"
	"agentgate/gateway/audit"
	"agentgate/gateway/export"
	"agentgate/gateway/policy"
	"agentgate/gateway/ratelimit"
	"agentgate/gateway/threat"
	"agentgate/gateway/token"
	"agentgate/shared/logger"
)

var (
	// ErrAgentNotFound is returned when an operation names an unknown agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidRequest wraps caller input that fails validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("gateway already started")
)

// Reasons recorded on gateway-originated suspicious_activity events.
const (
	reasonAgentRevoked    = "agent_revoked"
	reasonStaleAgent      = "stale_agent"
	reasonSecretRotated   = "jwt_secret_rotated"
	systemOrigin          = "system"
	actionAPIKeyGenerated = "api_key_generated"
)

const exportOpenTimeout = 10 * time.Second

// Gateway is the authentication and admission authority for agent
// connections. Each Gateway owns its own stores; construct one with New
// and release it with Shutdown.
type Gateway struct {
	cfgMu   sync.RWMutex
	cfg     Config
	origins *originMatcher

	now    func() time.Time
	random func() float64
	log    *logger.Logger

	// credentialOut receives the bootstrap admin key when no key file
	// is configured. It is never the structured log.
	credentialOut io.Writer

	events  *audit.Log
	agents  *token.Store
	tokens  *token.Service
	limiter *ratelimit.Limiter
	threats *threat.Responder
	metrics *metrics
	hub     *eventHub

	alerts      *alert.Dispatcher
	alertSender alert.Sender

	exportSinks []export.Sink
	exporter    atomic.Pointer[export.Queue]

	lifeMu           sync.Mutex
	started          bool
	stopped          bool
	stopHousekeeping context.CancelFunc
	housekeepingDone chan struct{}
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock used for windows, expiry and events.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the logger. Sub-components log under derived names.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithRandom replaces the source used for probabilistic secret rotation.
func WithRandom(f func() float64) Option {
	return func(g *Gateway) { g.random = f }
}

// WithCredentialOutput sets where the bootstrap admin API key is written
// when no key file is configured. Defaults to stderr.
func WithCredentialOutput(w io.Writer) Option {
	return func(g *Gateway) { g.credentialOut = w }
}

// WithExportSinks adds sinks to the audit export queue in addition to
// the ones configured by URL.
func WithExportSinks(sinks ...export.Sink) Option {
	return func(g *Gateway) { g.exportSinks = append(g.exportSinks, sinks...) }
}

// WithAlertSender enables alerting through s even when no alert URL is
// configured. Used to route alerts somewhere other than Shoutrrr.
func WithAlertSender(s alert.Sender) Option {
	return func(g *Gateway) { g.alertSender = s }
}

// New validates cfg and wires the gateway components. Nothing runs in
// the background until Start.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg, now: time.Now, credentialOut: os.Stderr}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.New("gateway")
	}
	g.origins = newOriginMatcher(cfg.AllowedOrigins)

	g.events = audit.NewLog(audit.Config{
		Retention: cfg.AuditRetention,
		Now:       g.now,
		Logger:    g.log.Named("audit"),
	})

	g.agents = token.NewStore()
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	tokens, err := token.NewService(g.agents, token.Config{
		APIKeyPrefix:        cfg.APIKeyPrefix,
		TokenTTL:            cfg.TokenTTL,
		MaxTokenAge:         cfg.MaxTokenAge,
		RotationProbability: cfg.RotationProbability,
		Secret:              secret,
		Now:                 g.now,
		Float64:             g.random,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	g.tokens = tokens

	g.limiter = ratelimit.New(ratelimit.Config{Limits: cfg.RateLimits, Now: g.now})

	threats, err := threat.New(g.events, cfg.Threat,
		threat.WithClock(g.now),
		threat.WithLogger(g.log.Named("threat")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat responder: %w", err)
	}
	g.threats = threats

	g.metrics = newMetrics(g)
	g.hub = newEventHub(g.log.Named("stream"))
	g.events.Subscribe(g.onEvent)
	g.events.Subscribe(g.hub.publish)

	if len(cfg.Alerts.URLs) > 0 || g.alertSender != nil {
		urls := cfg.Alerts.URLs
		if len(urls) == 0 {
			// a custom sender still needs one destination
			urls = []string{"custom://"}
		}
		minSeverity, _ := audit.ParseSeverity(cfg.Alerts.MinSeverity)
		g.alerts = alert.NewDispatcher(alert.Config{
			URLs:        urls,
			MinSeverity: minSeverity,
			Cooldown:    cfg.Alerts.Cooldown,
			Now:         g.now,
			Logger:      g.log.Named("alert"),
		}, g.alertSender)
		g.events.Subscribe(g.alerts.Handle)
	}

	g.log.Info("", "", "gateway initialized", map[string]interface{}{
		"allowed_origins":     cfg.AllowedOrigins,
		"require_credentials": cfg.RequireCredentials,
		"requests_per_minute": cfg.RateLimits.RequestsPerMinute,
		"requests_per_hour":   cfg.RateLimits.RequestsPerHour,
		"failure_threshold":   cfg.Threat.FailureThreshold,
		"alerts_enabled":      g.alerts != nil,
	})
	return g, nil
}

// Start opens the export sinks and launches housekeeping, alert
// dispatch and export delivery. Sinks that cannot be opened are logged
// and skipped.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}
	if g.stopped {
		return fmt.Errorf("gateway has been shut down")
	}
	g.started = true

	cfg := g.Config()
	sinks := append([]export.Sink(nil), g.exportSinks...)
	sinks = append(sinks, g.openSinks(ctx, cfg.Export)...)
	if len(sinks) > 0 {
		q, err := export.NewQueue(export.Config{
			QueueSize:    cfg.Export.QueueSize,
			Workers:      cfg.Export.Workers,
			FallbackPath: cfg.Export.FallbackPath,
			Logger:       g.log.Named("export"),
		}, sinks...)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return fmt.Errorf("failed to start audit export: %w", err)
		}
		g.exporter.Store(q)
		g.events.Subscribe(q.Enqueue)
	}

	if g.alerts != nil {
		g.alerts.Start()
	}

	hkCtx, cancel := context.WithCancel(context.Background())
	g.stopHousekeeping = cancel
	g.housekeepingDone = make(chan struct{})
	go g.runHousekeeping(hkCtx, cfg.HousekeepingInterval)

	g.log.Info("", "", "gateway started", map[string]interface{}{
		"housekeeping_interval": cfg.HousekeepingInterval.String(),
		"export_sinks":          len(sinks),
	})
	return nil
}

func (g *Gateway) openSinks(ctx context.Context, cfg ExportConfig) []export.Sink {
	ctx, cancel := context.WithTimeout(ctx, exportOpenTimeout)
	defer cancel()

	var sinks []export.Sink
	if cfg.DatabaseURL != "" {
		s, err := export.OpenSQLSink(ctx, cfg.DatabaseURL)
		if err != nil {
			g.log.ErrorWithErr("", "", "audit export to database disabled", err, nil)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.RedisURL != "" {
		s, err := export.OpenRedisSink(ctx, cfg.RedisURL, cfg.RedisStream)
		if err != nil {
			g.log.ErrorWithErr("", "", "audit export to redis disabled", err, nil)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// Shutdown stops housekeeping, cancels every pending unblock, flushes
// alerts and drains the export queue within ctx. It is safe to call more
// than once and without Start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.stopped {
		return nil
	}
	g.stopped = true

	if g.stopHousekeeping != nil {
		g.stopHousekeeping()
		<-g.housekeepingDone
	}
	g.threats.Close()
	g.hub.close()

	if g.alerts != nil {
		g.alerts.Stop()
	}

	var err error
	if q := g.exporter.Load(); q != nil {
		if err = q.Shutdown(ctx); err != nil {
			g.log.ErrorWithErr("", "", "audit export did not drain", err, nil)
		}
	}

	g.log.Info("", "", "gateway stopped", nil)
	return err
}

// IssueCredentials creates an agent and returns its API key and first
// token. The raw secrets are never retrievable again.
func (g *Gateway) IssueCredentials(name string, permissions []string, origin string) (token.Credentials, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return token.Credentials{}, fmt.Errorf("%w: agent name is required", ErrInvalidRequest)
	}
	perms, err := policy.Normalize(permissions)
	if err != nil {
		return token.Credentials{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	creds, err := g.tokens.Issue(name, perms, origin)
	if err != nil {
		return token.Credentials{}, fmt.Errorf("failed to issue credentials: %w", err)
	}

	g.events.Append(audit.Event{
		Kind:          audit.KindAuthSuccess,
		AgentID:       creds.AgentID,
		OriginAddress: origin,
		Severity:      audit.SeverityLow,
		Details: map[string]interface{}{
			"action":      actionAPIKeyGenerated,
			"name":        name,
			"permissions": perms,
		},
	})
	return creds, nil
}

// RefreshToken runs the connection gate for an API key and, if admitted,
// issues a new token that supersedes the previous one.
func (g *Gateway) RefreshToken(ctx context.Context, req Request) (string, time.Time, error) {
	req.Token = ""
	res := g.validate(ctx, req, true)
	if !res.Valid {
		return "", time.Time{}, &DeniedError{Reason: res.Reason}
	}

	agent, tok, expiresAt, err := g.tokens.Refresh(req.APIKey)
	if err != nil {
		if errors.Is(err, token.ErrInvalidAPIKey) || errors.Is(err, token.ErrUnknownAgent) {
			// revoked between admission and refresh
			return "", time.Time{}, &DeniedError{Reason: ReasonInvalidAPIKey}
		}
		return "", time.Time{}, fmt.Errorf("failed to refresh token: %w", err)
	}

	g.log.Info(agent.ID, req.OriginAddress, "token refreshed", map[string]interface{}{
		"expires_at": expiresAt,
	})
	return tok, expiresAt, nil
}

// HasPermission reports whether the agent holds permission. Unknown
// agents hold nothing.
func (g *Gateway) HasPermission(agentID, permission string) bool {
	agent, ok := g.agents.Get(agentID)
	if !ok {
		return false
	}
	return policy.HasPermission(agent.Permissions, permission)
}

// Agent returns a snapshot of one agent.
func (g *Gateway) Agent(agentID string) (token.Agent, bool) {
	return g.agents.Get(agentID)
}

// Agents returns a snapshot of every agent.
func (g *Gateway) Agents() []token.Agent {
	return g.agents.List()
}

// BlockOrigin blocks addr until it is explicitly unblocked.
func (g *Gateway) BlockOrigin(addr, reason string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: origin address is required", ErrInvalidRequest)
	}
	return g.threats.Block(addr, reason)
}

// UnblockOrigin lifts any block on addr. It reports whether one existed.
func (g *Gateway) UnblockOrigin(addr string) bool {
	return g.threats.Unblock(addr)
}

// BlockedOrigins returns the active blocks.
func (g *Gateway) BlockedOrigins() []threat.Entry {
	return g.threats.Blocked()
}

// RevokeAgent removes the agent's credentials, resets its rate counters
// and makes any active automatic block on its last origin permanent.
func (g *Gateway) RevokeAgent(agentID, reason string) error {
	agent, ok := g.agents.Remove(agentID)
	if !ok {
		return ErrAgentNotFound
	}
	g.limiter.ResetAgent(agentID)

	pinned := false
	if agent.OriginAddress != "" {
		pinned = g.threats.Pin(agent.OriginAddress)
	}

	g.log.Warn(agentID, agent.OriginAddress, "agent revoked", map[string]interface{}{
		"reason": reason,
		"pinned": pinned,
	})
	g.events.Append(audit.Event{
		Kind:          audit.KindSuspiciousActivity,
		AgentID:       agentID,
		OriginAddress: agent.OriginAddress,
		Severity:      audit.SeverityMedium,
		Details: map[string]interface{}{
			"reason":       reasonAgentRevoked,
			"note":         reason,
			"pinned_block": pinned,
		},
	})
	return nil
}

// Stats is a point-in-time summary of gateway state.
type Stats struct {
	ActiveAgents   int              `json:"active_agents"`
	BlockedOrigins int              `json:"blocked_origins"`
	LastHour       audit.Stats      `json:"last_hour"`
	Last24h        audit.Stats      `json:"last_24h"`
	RateLimits     ratelimit.Limits `json:"rate_limits"`
	RateLimitKeys  int              `json:"rate_limit_keys"`
	Export         *export.Stats    `json:"export,omitempty"`
	Alerts         *alert.Stats     `json:"alerts,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Stats summarises agents, blocks, recent events and limits.
func (g *Gateway) Stats() Stats {
	s := Stats{
		ActiveAgents:   g.agents.Len(),
		BlockedOrigins: g.threats.Count(),
		LastHour:       g.events.StatsSince(time.Hour),
		Last24h:        g.events.StatsSince(24 * time.Hour),
		RateLimits:     g.limiter.Limits(),
		RateLimitKeys:  g.limiter.Keys(),
		Timestamp:      g.now().UTC(),
	}
	if q := g.exporter.Load(); q != nil {
		es := q.Stats()
		s.Export = &es
	}
	if g.alerts != nil {
		as := g.alerts.Stats()
		s.Alerts = &as
	}
	return s
}

// RecentEvents returns up to limit events, newest first.
func (g *Gateway) RecentEvents(limit int) []audit.Event {
	return g.events.Recent(limit)
}

// Subscribe registers handler for security events of the given kinds, or
// all kinds when none is given. Handlers run synchronously and must not
// block.
func (g *Gateway) Subscribe(handler audit.Handler, kinds ...audit.Kind) {
	g.events.Subscribe(handler, kinds...)
}

// Config returns a copy of the active configuration.
func (g *Gateway) Config() Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	cfg := g.cfg
	cfg.AllowedOrigins = append([]string(nil), g.cfg.AllowedOrigins...)
	return cfg
}

func (g *Gateway) originMatcher() *originMatcher {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.origins
}

func (g *Gateway) requireCredentials() bool {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg.RequireCredentials
}

// onEvent mirrors every security event to the structured log and the
// metrics registry.
func (g *Gateway) onEvent(e audit.Event) {
	g.metrics.observeEvent(e)

	fields := map[string]interface{}{
		"event_id": e.ID,
		"kind":     string(e.Kind),
		"severity": string(e.Severity),
	}
	for k, v := range e.Details {
		fields[k] = v
	}
	msg := "[SECURITY] " + string(e.Kind)
	if e.Severity.AtLeast(audit.SeverityHigh) {
		g.log.Warn(e.AgentID, e.OriginAddress, msg, fields)
		return
	}
	g.log.Debug(e.AgentID, e.OriginAddress, msg, fields)
}
