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
	"time"

	"agentgate/gateway/audit"
)

// HousekeepingReport summarises one housekeeping pass.
type HousekeepingReport struct {
	SweptKeys   int
	StaleAgents int
	Rotated     bool
}

func (g *Gateway) runHousekeeping(ctx context.Context, interval time.Duration) {
	defer close(g.housekeepingDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Debug("", "", "stopping housekeeping", nil)
			return
		case <-ticker.C:
			g.Housekeep()
		}
	}
}

// Housekeep runs one maintenance pass: it drops idle rate limit keys,
// reports agents that have gone stale, and rotates the signing secret
// with the configured probability.
func (g *Gateway) Housekeep() HousekeepingReport {
	start := time.Now()
	report := HousekeepingReport{
		SweptKeys:   g.limiter.Sweep(),
		StaleAgents: g.reportStaleAgents(),
	}

	rotated, err := g.tokens.MaybeRotate()
	if err != nil {
		g.log.ErrorWithErr("", "", "signing secret rotation failed", err, nil)
	}
	if rotated {
		report.Rotated = true
		g.log.Warn("", systemOrigin, "signing secret rotated, outstanding tokens invalidated", nil)
		g.events.Append(audit.Event{
			Kind:          audit.KindSuspiciousActivity,
			OriginAddress: systemOrigin,
			Severity:      audit.SeverityLow,
			Details:       map[string]interface{}{"reason": reasonSecretRotated},
		})
	}

	stats := g.Stats()
	g.log.InfoWithDuration("", "", "housekeeping complete", float64(time.Since(start).Microseconds())/1000, map[string]interface{}{
		"swept_keys":      report.SweptKeys,
		"stale_agents":    report.StaleAgents,
		"rotated":         report.Rotated,
		"active_agents":   stats.ActiveAgents,
		"blocked_origins": stats.BlockedOrigins,
		"events_last_24h": stats.Last24h.Total,
	})
	return report
}

// reportStaleAgents records one event per agent per idle episode. The
// flag resets on the agent's next successful access.
func (g *Gateway) reportStaleAgents() int {
	g.cfgMu.RLock()
	maxIdle := g.cfg.StaleAgentAge
	g.cfgMu.RUnlock()

	now := g.now()
	reported := 0
	for _, agent := range g.agents.List() {
		idle := now.Sub(agent.LastAccess)
		if idle <= maxIdle || agent.StaleReported {
			continue
		}
		if !g.agents.MarkStaleReported(agent.ID) {
			continue
		}
		reported++
		g.events.Append(audit.Event{
			Kind:          audit.KindSuspiciousActivity,
			AgentID:       agent.ID,
			OriginAddress: agent.OriginAddress,
			Severity:      audit.SeverityLow,
			Details: map[string]interface{}{
				"reason":      reasonStaleAgent,
				"last_access": agent.LastAccess.UTC().Format(time.RFC3339),
				"idle":        idle.Round(time.Second).String(),
			},
		})
	}
	return reported
}
