package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

func TestTrailRequiresPath(t *testing.T) {
	if _, err := NewTrail("   "); err == nil {
		t.Fatalf("expected error for blank trail path")
	}
}

func TestTrailAppendsCanonicalLines(t *testing.T) {
	trailPath := filepath.Join(t.TempDir(), "audit", "trail.jsonl")
	trail, err := NewTrail(trailPath)
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}

	log := NewLog(
		WithArchiver(trail),
		WithClock(fixedClock(t)),
	)
	run, err := log.StartRun(context.Background(), "proj-1", "ws-1", "add login form")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := log.Record(context.Background(), Draft{
		RunID:     run.ID,
		ProjectID: "proj-1",
		Type:      schemaaudit.EventToolCall,
		Actor:     schemaaudit.Actor{ActorType: schemaaudit.ActorAgent, ID: "agent-1", Role: "backend-worker", Name: "Backend"},
		Payload:   schemaaudit.ToolPayload{Tool: "repository", Server: "nebula"},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	content, err := os.ReadFile(trailPath)
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 trail lines, got %d", len(lines))
	}
	for index, line := range lines {
		var event schemaaudit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("line %d: %v", index+1, err)
		}
		if event.ProjectID != "proj-1" {
			t.Fatalf("line %d: unexpected project %q", index+1, event.ProjectID)
		}
	}
}

func TestTeeStopsAtFirstFailure(t *testing.T) {
	first := &recordingArchiver{}
	failing := &eventFailArchiver{}
	last := &recordingArchiver{}

	tee := Tee(first, nil, failing, last)
	event := schemaaudit.Event{ID: "evt-1", ProjectID: "proj-1", Type: schemaaudit.EventToolCall}
	if err := tee.ArchiveEvent(context.Background(), event); err == nil {
		t.Fatalf("expected tee to surface the archiver failure")
	}
	if len(first.events) != 1 {
		t.Fatalf("first archiver should have received the event")
	}
	if len(last.events) != 0 {
		t.Fatalf("archivers after the failure must not be called")
	}

	if err := tee.ArchiveRun(context.Background(), schemaaudit.RunRecord{ID: "run-1"}); err != nil {
		t.Fatalf("archive run: %v", err)
	}
	if len(first.runs) != 1 || failing.runs != 1 || len(last.runs) != 1 {
		t.Fatalf("run should fan out to every archiver")
	}
}

type eventFailArchiver struct {
	runs int
}

func (a *eventFailArchiver) ArchiveEvent(context.Context, schemaaudit.Event) error {
	return fmt.Errorf("trail unavailable")
}

func (a *eventFailArchiver) ArchiveRun(context.Context, schemaaudit.RunRecord) error {
	a.runs++
	return nil
}

func fixedClock(t *testing.T) func() time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, "2026-04-01T10:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return func() time.Time { return at }
}
