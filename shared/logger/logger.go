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
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging keyed by agent and origin
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	out *log.Logger
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Origin     string                 `json:"origin,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// WithOutput returns a copy of the logger that writes to w instead of the
// standard logger.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	cp := *l
	cp.out = log.New(w, "", 0)
	return &cp
}

// Named returns a copy of the logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	cp := *l
	cp.Component = component
	return &cp
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, agentID, origin, message string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		AgentID:    agentID,
		Origin:     origin,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	if l.out != nil {
		l.out.Println(string(jsonBytes))
		return
	}
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(agentID, origin, message string, fields map[string]interface{}) {
	l.Log(INFO, agentID, origin, message, fields)
}

// Error logs an error message
func (l *Logger) Error(agentID, origin, message string, fields map[string]interface{}) {
	l.Log(ERROR, agentID, origin, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(agentID, origin, message string, fields map[string]interface{}) {
	l.Log(WARN, agentID, origin, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(agentID, origin, message string, fields map[string]interface{}) {
	l.Log(DEBUG, agentID, origin, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(agentID, origin, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(agentID, origin, message, fields)
}

// ErrorWithErr logs an error message with the error attached
func (l *Logger) ErrorWithErr(agentID, origin, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(agentID, origin, message, fields)
}
