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
	"time"

	"agentgate/gateway/ratelimit"
	"agentgate/gateway/threat"
)

// RateLimitsPatch changes individual rate limits.
type RateLimitsPatch struct {
	RequestsPerMinute *int `yaml:"requests_per_minute"`
	RequestsPerHour   *int `yaml:"requests_per_hour"`
}

func (p *RateLimitsPatch) apply(l ratelimit.Limits) ratelimit.Limits {
	if p.RequestsPerMinute != nil {
		l.RequestsPerMinute = *p.RequestsPerMinute
	}
	if p.RequestsPerHour != nil {
		l.RequestsPerHour = *p.RequestsPerHour
	}
	return l
}

// ThreatPatch changes individual escalation settings.
type ThreatPatch struct {
	FailureThreshold *int           `yaml:"failure_threshold"`
	FailureWindow    *time.Duration `yaml:"failure_window"`
	BlockDuration    *time.Duration `yaml:"block_duration"`
}

func (p *ThreatPatch) apply(c threat.Config) threat.Config {
	if p.FailureThreshold != nil {
		c.FailureThreshold = *p.FailureThreshold
	}
	if p.FailureWindow != nil {
		c.FailureWindow = *p.FailureWindow
	}
	if p.BlockDuration != nil {
		c.BlockDuration = *p.BlockDuration
	}
	return c
}

// ConfigPatch changes settings on a running gateway. Nil fields, nested
// ones included, are left unchanged. Durations are written as strings
// such as "15m" when the patch is decoded from YAML or JSON.
type ConfigPatch struct {
	RateLimits          *RateLimitsPatch `yaml:"rate_limits"`
	AllowedOrigins      *[]string        `yaml:"allowed_origins"`
	RequireCredentials  *bool            `yaml:"require_credentials"`
	Threat              *ThreatPatch     `yaml:"threat"`
	MaxTokenAge         *time.Duration   `yaml:"max_token_age"`
	RotationProbability *float64         `yaml:"rotation_probability"`
	StaleAgentAge       *time.Duration   `yaml:"stale_agent_age"`
}

// UpdateConfig validates the patched configuration as a whole and then
// applies it. Nothing changes if validation fails.
func (g *Gateway) UpdateConfig(patch ConfigPatch) error {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()

	next := g.cfg
	var changed []string
	if patch.RateLimits != nil {
		next.RateLimits = patch.RateLimits.apply(next.RateLimits)
		changed = append(changed, "rate_limits")
	}
	if patch.AllowedOrigins != nil {
		next.AllowedOrigins = append([]string(nil), (*patch.AllowedOrigins)...)
		changed = append(changed, "allowed_origins")
	}
	if patch.RequireCredentials != nil {
		next.RequireCredentials = *patch.RequireCredentials
		changed = append(changed, "require_credentials")
	}
	if patch.Threat != nil {
		next.Threat = patch.Threat.apply(next.Threat)
		changed = append(changed, "threat")
	}
	if patch.MaxTokenAge != nil {
		next.MaxTokenAge = *patch.MaxTokenAge
		changed = append(changed, "max_token_age")
	}
	if patch.RotationProbability != nil {
		next.RotationProbability = *patch.RotationProbability
		changed = append(changed, "rotation_probability")
	}
	if patch.StaleAgentAge != nil {
		next.StaleAgentAge = *patch.StaleAgentAge
		changed = append(changed, "stale_agent_age")
	}
	if len(changed) == 0 {
		return nil
	}

	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// setters re-validate their own piece; after Validate they cannot fail
	if err := g.limiter.SetLimits(next.RateLimits); err != nil {
		return err
	}
	if err := g.threats.SetConfig(next.Threat); err != nil {
		return err
	}
	if err := g.tokens.SetMaxTokenAge(next.MaxTokenAge); err != nil {
		return err
	}
	if err := g.tokens.SetRotationProbability(next.RotationProbability); err != nil {
		return err
	}
	g.origins = newOriginMatcher(next.AllowedOrigins)
	g.cfg = next

	g.log.Info("", "", "configuration updated", map[string]interface{}{
		"changed": changed,
	})
	return nil
}
