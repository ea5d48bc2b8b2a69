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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)

			l := New("gateway")

			assert.Equal(t, "gateway", l.Component)
			assert.Equal(t, tt.expectedInstID, l.InstanceID)
			assert.NotEmpty(t, l.Container)
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
	return entry
}

func TestLog_Levels(t *testing.T) {
	tests := []struct {
		name  string
		call  func(l *Logger)
		level LogLevel
	}{
		{"info", func(l *Logger) { l.Info("agent_1", "10.0.0.1", "msg", nil) }, INFO},
		{"warn", func(l *Logger) { l.Warn("agent_1", "10.0.0.1", "msg", nil) }, WARN},
		{"error", func(l *Logger) { l.Error("agent_1", "10.0.0.1", "msg", nil) }, ERROR},
		{"debug", func(l *Logger) { l.Debug("agent_1", "10.0.0.1", "msg", nil) }, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New("test").WithOutput(&buf)

			tt.call(l)

			entry := decodeLine(t, &buf)
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, "agent_1", entry.AgentID)
			assert.Equal(t, "10.0.0.1", entry.Origin)
			assert.Equal(t, "msg", entry.Message)
			assert.NotEmpty(t, entry.Timestamp)
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := New("test").WithOutput(&buf)

	l.InfoWithDuration("", "", "done", 12.5, nil)

	entry := decodeLine(t, &buf)
	assert.Equal(t, 12.5, entry.Fields["duration_ms"])
}

func TestErrorWithErr(t *testing.T) {
	var buf bytes.Buffer
	l := New("test").WithOutput(&buf)

	l.ErrorWithErr("", "", "failed", errors.New("boom"), map[string]interface{}{"sink": "redis"})

	entry := decodeLine(t, &buf)
	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, "boom", entry.Fields["error"])
	assert.Equal(t, "redis", entry.Fields["sink"])
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	l := New("gateway").WithOutput(&buf).Named("threat")

	l.Info("", "", "hello", nil)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "threat", entry.Component)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Info("", "", "ignored", nil) })
}
