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

// Package audit holds the bounded security event log.
package audit

import "time"

// Kind identifies what a security event records.
type Kind string

const (
	KindAuthSuccess        Kind = "auth_success"
	KindAuthFailure        Kind = "auth_failure"
	KindRateLimited        Kind = "rate_limited"
	KindSuspiciousActivity Kind = "suspicious_activity"
	KindTokenExpired       Kind = "token_expired"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindAuthSuccess,
	KindAuthFailure,
	KindRateLimited,
	KindSuspiciousActivity,
	KindTokenExpired,
}

// Severity levels for security events
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can filter by a minimum level.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity converts a config string into a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", false
	}
	return sev, true
}

// Event is an immutable audit record of an authentication or
// threat-response outcome. AgentID is empty when the failure happened
// before identity resolution.
type Event struct {
	ID            string                 `json:"id"`
	Kind          Kind                   `json:"kind"`
	AgentID       string                 `json:"agent_id,omitempty"`
	OriginAddress string                 `json:"origin_address"`
	Timestamp     time.Time              `json:"timestamp"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Severity      Severity               `json:"severity"`
}

// clone returns a copy whose Details share no mutable state with the
// original. Slices and maps inside Details are copied too.
func (e Event) clone() Event {
	if e.Details != nil {
		e.Details = cloneDetails(e.Details)
	}
	return e
}

func cloneDetails(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case []string:
		return append([]string(nil), v...)
	case []int:
		return append([]int(nil), v...)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]interface{}:
		return cloneDetails(v)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// Reason returns the "reason" detail, if any.
func (e Event) Reason() string {
	if e.Details == nil {
		return ""
	}
	reason, _ := e.Details["reason"].(string)
	return reason
}
