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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"agentgate/gateway/audit"
)

const createSecurityEventsTable = `
	CREATE TABLE IF NOT EXISTS security_events (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		agent_id       TEXT,
		origin_address TEXT NOT NULL,
		severity       TEXT NOT NULL,
		details        JSONB,
		occurred_at    TIMESTAMPTZ NOT NULL
	)`

const createSecurityEventsIndex = `
	CREATE INDEX IF NOT EXISTS idx_security_events_origin_time
		ON security_events (origin_address, occurred_at)`

const insertSecurityEvent = `
	INSERT INTO security_events (id, kind, agent_id, origin_address, severity, details, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING`

// SQLSink writes events to the security_events table of a PostgreSQL
// database.
type SQLSink struct {
	db *sql.DB
}

// OpenSQLSink connects to databaseURL and creates the schema if needed.
func OpenSQLSink(ctx context.Context, databaseURL string) (*SQLSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewSQLSink(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSink wraps an open database handle.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// EnsureSchema creates the events table and its index.
func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createSecurityEventsTable, createSecurityEventsIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create security_events schema: %w", err)
		}
	}
	return nil
}

func (s *SQLSink) Name() string { return "postgres" }

// Write inserts the event. Re-delivery of the same event id is a no-op.
func (s *SQLSink) Write(ctx context.Context, e audit.Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	agentID := sql.NullString{String: e.AgentID, Valid: e.AgentID != ""}
	if _, err := s.db.ExecContext(ctx, insertSecurityEvent,
		e.ID,
		string(e.Kind),
		agentID,
		e.OriginAddress,
		string(e.Severity),
		details,
		e.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
