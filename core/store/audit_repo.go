package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

// AuditRepo persists audit events and run records. It satisfies the audit
// log's Archiver interface. Events are insert-only; run rows are upserted
// because a run is written once at start and once at completion.
type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo wraps an open database.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// ArchiveEvent appends one event. A duplicate event id is an error: the
// log never re-commits an event.
func (r *AuditRepo) ArchiveEvent(ctx context.Context, event schemaaudit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events(id, run_id, project_id, event_type, timestamp, event_json) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.RunID,
		event.ProjectID,
		string(event.Type),
		event.Timestamp.Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("archive event: %w", err)
	}
	return nil
}

// ArchiveRun upserts one run envelope. The run's events are not embedded;
// the events table is the authoritative list.
func (r *AuditRepo) ArchiveRun(ctx context.Context, run schemaaudit.RunRecord) error {
	envelope := run
	envelope.Events = []schemaaudit.Event{}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs(id, project_id, workstream_id, started_at, status, run_json) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, run_json = excluded.run_json`,
		envelope.ID,
		envelope.ProjectID,
		envelope.WorkstreamID,
		envelope.StartedAt.Format(time.RFC3339Nano),
		string(envelope.Status),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("archive run: %w", err)
	}
	return nil
}

// LoadEvents returns every stored event in its original append order.
func (r *AuditRepo) LoadEvents(ctx context.Context) ([]schemaaudit.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event_json FROM events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	events := []schemaaudit.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event schemaaudit.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LoadRuns returns every stored run envelope ordered by start time.
func (r *AuditRepo) LoadRuns(ctx context.Context) ([]schemaaudit.RunRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT run_json FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	runs := []schemaaudit.RunRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run schemaaudit.RunRecord
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		if run.Events == nil {
			run.Events = []schemaaudit.Event{}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
