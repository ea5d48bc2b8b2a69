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
	"time"

	"agentgate/gateway/audit"
	"agentgate/gateway/token"
)

// Authentication methods reported on success.
const (
	MethodAPIKey    = "api_key"
	MethodToken     = "token"
	MethodAnonymous = "anonymous"
)

const keyPrefixLen = 10

// Request is what a connecting agent presents. OriginAddress is the
// network address the connection came from; OriginHeader is the
// browser-style Origin header, if any.
type Request struct {
	APIKey        string `json:"api_key,omitempty"`
	Token         string `json:"token,omitempty"`
	OriginAddress string `json:"origin_address"`
	OriginHeader  string `json:"origin,omitempty"`
}

// Result is the admission decision. Reason is set only when Valid is
// false.
type Result struct {
	Valid       bool     `json:"valid"`
	AgentID     string   `json:"agent_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Method      string   `json:"method,omitempty"`
	Reason      Reason   `json:"reason,omitempty"`
}

func denied(reason Reason) Result {
	return Result{Reason: reason}
}

// Validate decides whether a connection is admitted. Checks run in a
// fixed order and stop at the first failure: origin allow-list, blocked
// origin, credentials, rate limit.
func (g *Gateway) Validate(ctx context.Context, req Request) Result {
	return g.validate(ctx, req, g.requireCredentials())
}

func (g *Gateway) validate(_ context.Context, req Request, require bool) Result {
	start := time.Now()
	res := g.admit(req, require)
	g.metrics.observeValidation(res, time.Since(start))
	return res
}

func (g *Gateway) admit(req Request, require bool) Result {
	origin := req.OriginAddress

	if req.OriginHeader != "" && !g.originMatcher().Allowed(req.OriginHeader) {
		g.log.Warn("", origin, "origin not allowed", map[string]interface{}{
			"origin_header": req.OriginHeader,
		})
		return denied(ReasonInvalidOrigin)
	}

	// blocked origins are refused silently
	if g.threats.IsBlocked(origin) {
		return denied(ReasonBlockedIP)
	}

	var (
		agentID     string
		permissions []string
		method      string
	)
	switch {
	case req.APIKey != "":
		agent, err := g.tokens.LookupAPIKey(req.APIKey)
		if err != nil {
			return g.authFailure(origin, "", ReasonInvalidAPIKey, map[string]interface{}{
				"key_prefix": keyPrefix(req.APIKey),
			})
		}
		agentID, permissions, method = agent.ID, agent.Permissions, MethodAPIKey

	case req.Token != "":
		id, err := g.tokens.Verify(req.Token)
		if err != nil {
			return g.tokenFailure(origin, req.Token, err)
		}
		agentID, permissions, method = id.AgentID, id.Permissions, MethodToken

	case require:
		return g.authFailure(origin, "", ReasonMissingCredentials, nil)

	default:
		method = MethodAnonymous
	}

	if !g.limiter.Check(agentID, origin) {
		limits := g.limiter.Limits()
		g.events.Append(audit.Event{
			Kind:          audit.KindRateLimited,
			AgentID:       agentID,
			OriginAddress: origin,
			Severity:      audit.SeverityMedium,
			Details: map[string]interface{}{
				"reason":              string(ReasonRateLimited),
				"requests_per_minute": limits.RequestsPerMinute,
				"requests_per_hour":   limits.RequestsPerHour,
			},
		})
		return denied(ReasonRateLimited)
	}

	if agentID != "" && !g.agents.Touch(agentID, origin, g.now()) {
		// revoked after its credentials were resolved
		reason := ReasonInvalidAPIKey
		if method == MethodToken {
			reason = ReasonInvalidToken
		}
		return g.authFailure(origin, agentID, reason, nil)
	}

	g.events.Append(audit.Event{
		Kind:          audit.KindAuthSuccess,
		AgentID:       agentID,
		OriginAddress: origin,
		Severity:      audit.SeverityLow,
		Details:       map[string]interface{}{"method": method},
	})
	return Result{
		Valid:       true,
		AgentID:     agentID,
		Permissions: permissions,
		Method:      method,
	}
}

// authFailure records an auth_failure event, which also feeds the
// threat responder, and returns the denial.
func (g *Gateway) authFailure(origin, agentID string, reason Reason, details map[string]interface{}) Result {
	if details == nil {
		details = make(map[string]interface{}, 1)
	}
	details["reason"] = string(reason)
	g.events.Append(audit.Event{
		Kind:          audit.KindAuthFailure,
		AgentID:       agentID,
		OriginAddress: origin,
		Severity:      audit.SeverityMedium,
		Details:       details,
	})
	return denied(reason)
}

func (g *Gateway) tokenFailure(origin, raw string, err error) Result {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		agentID, age, _ := g.tokens.Inspect(raw)
		g.events.Append(audit.Event{
			Kind:          audit.KindTokenExpired,
			AgentID:       agentID,
			OriginAddress: origin,
			Severity:      audit.SeverityMedium,
			Details: map[string]interface{}{
				"reason": string(ReasonTokenExpired),
				"age":    age.Round(time.Second).String(),
			},
		})
		return denied(ReasonTokenExpired)

	case errors.Is(err, token.ErrTokenSuperseded):
		// the signature verified, so the claimed agent is genuine
		agentID, _, _ := g.tokens.Inspect(raw)
		return g.authFailure(origin, agentID, ReasonTokenSuperseded, nil)

	default:
		return g.authFailure(origin, "", ReasonInvalidToken, nil)
	}
}

func keyPrefix(apiKey string) string {
	if len(apiKey) <= keyPrefixLen {
		return apiKey
	}
	return apiKey[:keyPrefixLen] + "..."
}
