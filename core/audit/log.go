// Package audit implements the append-only event log and its run records.
// Events are stamped exactly once and never edited or removed; corrections
// are new events pointing back through parent_event_id. Append order within
// a run is the authoritative order, not the wall clock.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	wardenjcs "github.com/nebula-ide/warden/core/jcs"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

const defaultEventLimit = 100

// Archiver persists events and run records as they are committed. The log
// calls it synchronously under the write lock so persisted order always
// matches append order; an archiver failure fails the commit.
type Archiver interface {
	ArchiveEvent(ctx context.Context, event schemaaudit.Event) error
	ArchiveRun(ctx context.Context, run schemaaudit.RunRecord) error
}

// Draft carries the caller-supplied fields of an event. The log stamps id,
// timestamp, and digest on commit.
type Draft struct {
	RunID         string
	WorkstreamID  string
	ProjectID     string
	Type          schemaaudit.EventType
	Actor         schemaaudit.Actor
	Payload       schemaaudit.Payload
	ParentEventID string
	SpanID        string
	TraceID       string
}

// Log is the in-memory audit store. Safe for concurrent use; writers are
// serialized, readers get consistent snapshots.
type Log struct {
	mu     sync.RWMutex
	events []schemaaudit.Event
	runs   map[string]*schemaaudit.RunRecord

	archiver Archiver
	clock    func() time.Time
	newID    func() string

	subMu       sync.RWMutex
	subscribers map[int]*Subscription
	nextSubID   int
}

// Option configures a Log.
type Option func(*Log)

// WithArchiver attaches the persistence collaborator.
func WithArchiver(archiver Archiver) Option {
	return func(log *Log) {
		log.archiver = archiver
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(log *Log) {
		log.clock = clock
	}
}

// WithIDSource overrides event and run id generation.
func WithIDSource(newID func() string) Option {
	return func(log *Log) {
		log.newID = newID
	}
}

// NewLog builds an empty audit log.
func NewLog(options ...Option) *Log {
	log := &Log{
		runs:        map[string]*schemaaudit.RunRecord{},
		clock:       time.Now,
		newID:       func() string { return uuid.New().String() },
		subscribers: map[int]*Subscription{},
	}
	for _, option := range options {
		option(log)
	}
	return log
}

// Record stamps a draft and appends it. When the draft names a run the log
// knows, the event is also attached to that run's list; an unknown run id is
// tolerated because events can arrive for runs restored elsewhere.
func (l *Log) Record(ctx context.Context, draft Draft) (schemaaudit.Event, error) {
	event, err := l.stamp(draft)
	if err != nil {
		return schemaaudit.Event{}, err
	}
	if err := l.commit(ctx, event, true); err != nil {
		return schemaaudit.Event{}, err
	}
	l.notify(event)
	return event, nil
}

// StartRun creates a run with status running and an empty event list, and
// records a run.started marker in the project stream. The marker is not
// attached to the run itself, so summaries count only recorded work.
func (l *Log) StartRun(ctx context.Context, projectID, workstreamID, userRequest string) (schemaaudit.RunRecord, error) {
	if projectID == "" {
		return schemaaudit.RunRecord{}, coreerrors.Wrap(
			fmt.Errorf("project id is required"),
			coreerrors.CategoryInvalidInput,
			"project_id_missing",
			"pass the project id that owns the run",
			false,
		)
	}

	now := l.clock().UTC()
	run := schemaaudit.RunRecord{
		ID:           l.newID(),
		ProjectID:    projectID,
		WorkstreamID: workstreamID,
		StartedAt:    now,
		Status:       schemaaudit.RunStatusRunning,
		UserRequest:  userRequest,
		Events:       []schemaaudit.Event{},
	}

	marker, err := l.stamp(Draft{
		RunID:        run.ID,
		WorkstreamID: workstreamID,
		ProjectID:    projectID,
		Type:         schemaaudit.EventRunStarted,
		Actor: schemaaudit.Actor{
			ActorType: schemaaudit.ActorUser,
			ID:        "system",
			Name:      "User",
		},
		Payload: schemaaudit.RunPayload{Status: "started", Input: userRequest},
	})
	if err != nil {
		return schemaaudit.RunRecord{}, err
	}

	l.mu.Lock()
	if l.archiver != nil {
		if err := l.archiver.ArchiveRun(ctx, run); err != nil {
			l.mu.Unlock()
			return schemaaudit.RunRecord{}, archiveFailed(err)
		}
		if err := l.archiver.ArchiveEvent(ctx, marker); err != nil {
			l.mu.Unlock()
			return schemaaudit.RunRecord{}, archiveFailed(err)
		}
	}
	stored := run
	l.runs[run.ID] = &stored
	l.events = append(l.events, marker)
	l.mu.Unlock()

	l.notify(marker)
	return run, nil
}

// CompleteRun stamps the completion time, flips the status, and derives the
// summary by a single fold over the run's events.
func (l *Log) CompleteRun(ctx context.Context, runID string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[runID]
	if !ok {
		return runNotFound(runID)
	}
	if run.CompletedAt != nil {
		return coreerrors.Wrap(
			fmt.Errorf("run %s is already completed", runID),
			coreerrors.CategoryInvalidInput,
			"run_already_completed",
			"a run completes exactly once",
			false,
		)
	}

	completedAt := l.clock().UTC()
	status := schemaaudit.RunStatusCompleted
	if !success {
		status = schemaaudit.RunStatusFailed
	}
	summary := Summarize(run.Events, run.StartedAt, completedAt)

	updated := *run
	updated.CompletedAt = &completedAt
	updated.Status = status
	updated.Summary = &summary

	if l.archiver != nil {
		if err := l.archiver.ArchiveRun(ctx, updated); err != nil {
			return archiveFailed(err)
		}
	}
	*run = updated
	return nil
}

// GetRun returns a consistent snapshot of one run.
func (l *Log) GetRun(runID string) (schemaaudit.RunRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	run, ok := l.runs[runID]
	if !ok {
		return schemaaudit.RunRecord{}, runNotFound(runID)
	}
	return *run, nil
}

// ProjectEvents returns a project's events in append order.
func (l *Log) ProjectEvents(projectID string) []schemaaudit.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := []schemaaudit.Event{}
	for _, event := range l.events {
		if event.ProjectID == projectID {
			matched = append(matched, event)
		}
	}
	return matched
}

// RecentProjectEvents returns up to limit of a project's events, newest
// first. A non-positive limit selects the default of 100.
func (l *Log) RecentProjectEvents(projectID string, limit int) []schemaaudit.Event {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := []schemaaudit.Event{}
	for index := len(l.events) - 1; index >= 0 && len(matched) < limit; index-- {
		if l.events[index].ProjectID == projectID {
			matched = append(matched, l.events[index])
		}
	}
	return matched
}

// ProjectRuns returns snapshots of a project's runs ordered by start time.
func (l *Log) ProjectRuns(projectID string) []schemaaudit.RunRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := []schemaaudit.RunRecord{}
	for _, run := range l.runs {
		if run.ProjectID == projectID {
			matched = append(matched, *run)
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		if matched[left].StartedAt.Equal(matched[right].StartedAt) {
			return matched[left].ID < matched[right].ID
		}
		return matched[left].StartedAt.Before(matched[right].StartedAt)
	})
	return matched
}

// Restore loads previously archived state into an empty log. Events must be
// supplied in their original append order; they are reattached to their runs
// except for run.started markers, which live in the project stream only.
func (l *Log) Restore(events []schemaaudit.Event, runs []schemaaudit.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) > 0 || len(l.runs) > 0 {
		return coreerrors.Wrap(
			fmt.Errorf("restore requires an empty log"),
			coreerrors.CategoryInvalidInput,
			"log_not_empty",
			"restore into a freshly constructed log",
			false,
		)
	}

	l.events = append([]schemaaudit.Event{}, events...)
	for _, run := range runs {
		stored := run
		stored.Events = []schemaaudit.Event{}
		l.runs[stored.ID] = &stored
	}
	for _, event := range l.events {
		if event.Type == schemaaudit.EventRunStarted {
			continue
		}
		if run, ok := l.runs[event.RunID]; ok {
			run.Events = append(run.Events, event)
		}
	}
	return nil
}

// stamp validates a draft and mints the immutable event value.
func (l *Log) stamp(draft Draft) (schemaaudit.Event, error) {
	if draft.ProjectID == "" {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("project id is required"),
			coreerrors.CategoryInvalidInput,
			"project_id_missing",
			"pass the project id that owns the event",
			false,
		)
	}
	kind, known := schemaaudit.PayloadKindFor(draft.Type)
	if !known {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("unknown event type: %s", draft.Type),
			coreerrors.CategoryInvalidInput,
			"event_type_unknown",
			"use one of the published event types",
			false,
		)
	}
	if draft.Payload == nil {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("event type %s requires a %s payload", draft.Type, kind),
			coreerrors.CategoryInvalidInput,
			"event_payload_missing",
			"attach the payload shape the event type requires",
			false,
		)
	}
	if draft.Payload.Kind() != kind {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("event type %s requires a %s payload, got %s", draft.Type, kind, draft.Payload.Kind()),
			coreerrors.CategoryInvalidInput,
			"event_payload_mismatch",
			"attach the payload shape the event type requires",
			false,
		)
	}
	if draft.Actor.ActorType != schemaaudit.ActorUser && draft.Actor.ActorType != schemaaudit.ActorAgent {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("unknown actor type: %q", draft.Actor.ActorType),
			coreerrors.CategoryInvalidInput,
			"event_actor_invalid",
			"actor_type is user or agent",
			false,
		)
	}
	if draft.Actor.ID == "" || draft.Actor.Name == "" {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("actor id and name are required"),
			coreerrors.CategoryInvalidInput,
			"event_actor_invalid",
			"identify the acting user or agent",
			false,
		)
	}

	event := schemaaudit.Event{
		ID:            l.newID(),
		Timestamp:     l.clock().UTC(),
		RunID:         draft.RunID,
		WorkstreamID:  draft.WorkstreamID,
		ProjectID:     draft.ProjectID,
		Type:          draft.Type,
		Actor:         draft.Actor,
		Payload:       draft.Payload,
		ParentEventID: draft.ParentEventID,
		SpanID:        draft.SpanID,
		TraceID:       draft.TraceID,
	}
	digest, err := DigestEvent(event)
	if err != nil {
		return schemaaudit.Event{}, coreerrors.Wrap(
			fmt.Errorf("digest event: %w", err),
			coreerrors.CategoryInternalFailure,
			"event_digest_failed",
			"",
			false,
		)
	}
	event.Digest = digest
	return event, nil
}

func (l *Log) commit(ctx context.Context, event schemaaudit.Event, attachToRun bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.archiver != nil {
		if err := l.archiver.ArchiveEvent(ctx, event); err != nil {
			return archiveFailed(err)
		}
	}
	l.events = append(l.events, event)
	if attachToRun {
		if run, ok := l.runs[event.RunID]; ok {
			run.Events = append(run.Events, event)
		}
	}
	return nil
}

// DigestEvent computes the canonical digest over every event field except
// the digest itself.
func DigestEvent(event schemaaudit.Event) (string, error) {
	event.Digest = ""
	return wardenjcs.DigestValue(event)
}

func archiveFailed(err error) error {
	return coreerrors.Wrap(
		fmt.Errorf("archive audit record: %w", err),
		coreerrors.CategoryIOFailure,
		"audit_archive_failed",
		"check the audit store and retry",
		true,
	)
}

func runNotFound(runID string) error {
	return coreerrors.Wrap(
		fmt.Errorf("no run with id %s", runID),
		coreerrors.CategoryInvalidInput,
		"run_not_found",
		"start the run before recording against it",
		false,
	)
}
