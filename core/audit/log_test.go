package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{
		now:  time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		step: time.Second,
	}
}

func (c *stepClock) Now() time.Time {
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func sequentialIDs(prefix string) func() string {
	counter := 0
	return func() string {
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter)
	}
}

func testLog(options ...Option) *Log {
	base := []Option{
		WithClock(newStepClock().Now),
		WithIDSource(sequentialIDs("id")),
	}
	return NewLog(append(base, options...)...)
}

func agentDraft(runID string, eventType schemaaudit.EventType, payload schemaaudit.Payload) Draft {
	return Draft{
		RunID:        runID,
		WorkstreamID: "ws-1",
		ProjectID:    "proj-1",
		Type:         eventType,
		Actor: schemaaudit.Actor{
			ActorType: schemaaudit.ActorAgent,
			ID:        "agent-7",
			Role:      "backend-worker",
			Name:      "Backend Worker",
		},
		Payload: payload,
	}
}

func TestStartRunThenGetRun(t *testing.T) {
	log := testLog()
	run, err := log.StartRun(context.Background(), "proj-1", "ws-1", "add a login form")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != schemaaudit.RunStatusRunning {
		t.Fatalf("status = %q", run.Status)
	}
	if len(run.Events) != 0 {
		t.Fatalf("new run carries %d events", len(run.Events))
	}

	fetched, err := log.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched.Status != schemaaudit.RunStatusRunning || len(fetched.Events) != 0 {
		t.Fatalf("fetched = %+v", fetched)
	}
	if fetched.UserRequest != "add a login form" {
		t.Fatalf("user_request = %q", fetched.UserRequest)
	}

	// The start marker lands in the project stream, not in the run.
	events := log.ProjectEvents("proj-1")
	if len(events) != 1 || events[0].Type != schemaaudit.EventRunStarted {
		t.Fatalf("project events = %+v", events)
	}
	if events[0].Actor.ActorType != schemaaudit.ActorUser || events[0].Actor.ID != "system" {
		t.Fatalf("marker actor = %+v", events[0].Actor)
	}
	payload, ok := events[0].Payload.(schemaaudit.RunPayload)
	if !ok {
		t.Fatalf("marker payload = %T", events[0].Payload)
	}
	if payload.Status != "started" || payload.Input != "add a login form" {
		t.Fatalf("marker payload = %+v", payload)
	}
}

func TestStartRunRequiresProject(t *testing.T) {
	log := testLog()
	_, err := log.StartRun(context.Background(), "", "ws-1", "request")
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("category = %q", coreerrors.CategoryOf(err))
	}
}

func TestRecordStampsIdentity(t *testing.T) {
	log := testLog()
	event, err := log.Record(context.Background(), agentDraft("", schemaaudit.EventAgentDecision, schemaaudit.DecisionPayload{
		Decision:  "delegate to backend-worker",
		Reasoning: "the task touches the API layer",
	}))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if event.ID == "" {
		t.Fatalf("missing id")
	}
	if event.Timestamp.IsZero() || event.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp = %v", event.Timestamp)
	}
	if len(event.Digest) != 64 {
		t.Fatalf("digest = %q", event.Digest)
	}
	recomputed, err := DigestEvent(event)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if recomputed != event.Digest {
		t.Fatalf("digest %s, recomputed %s", event.Digest, recomputed)
	}
}

func TestRecordRunLifecycle(t *testing.T) {
	log := testLog()
	ctx := context.Background()
	run, err := log.StartRun(ctx, "proj-1", "ws-1", "wire the payments endpoint")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	drafts := []Draft{
		agentDraft(run.ID, schemaaudit.EventAgentDecision, schemaaudit.DecisionPayload{Decision: "edit handler"}),
		agentDraft(run.ID, schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "repository", Server: "nebula"}),
		agentDraft(run.ID, schemaaudit.EventCodeWrite, schemaaudit.CodePayload{Path: "api/payments.go", LinesChanged: 42}),
		agentDraft(run.ID, schemaaudit.EventTestStarted, schemaaudit.TestPayload{Suite: "api"}),
		agentDraft(run.ID, schemaaudit.EventTestPassed, schemaaudit.TestPayload{Suite: "api"}),
	}
	for _, draft := range drafts {
		if _, err := log.Record(ctx, draft); err != nil {
			t.Fatalf("record %s: %v", draft.Type, err)
		}
	}

	if err := log.CompleteRun(ctx, run.ID, true); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	completed, err := log.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if completed.Status != schemaaudit.RunStatusCompleted {
		t.Fatalf("status = %q", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Fatalf("missing completion time")
	}
	if len(completed.Events) != len(drafts) {
		t.Fatalf("events = %d, want %d", len(completed.Events), len(drafts))
	}
	summary := completed.Summary
	if summary == nil {
		t.Fatalf("missing summary")
	}
	if summary.TotalEvents != len(drafts) {
		t.Fatalf("total_events = %d", summary.TotalEvents)
	}
	if summary.AgentDecisions != 1 || summary.ToolCalls != 1 || summary.CodeChanges != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.TestsRun != 1 || summary.TestsPassed != 1 || summary.TestsFailed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.DurationMS <= 0 {
		t.Fatalf("duration_ms = %d", summary.DurationMS)
	}
}

func TestCompleteRunFailure(t *testing.T) {
	log := testLog()
	ctx := context.Background()
	run, err := log.StartRun(ctx, "proj-1", "ws-1", "request")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := log.CompleteRun(ctx, run.ID, false); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	failed, err := log.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if failed.Status != schemaaudit.RunStatusFailed {
		t.Fatalf("status = %q", failed.Status)
	}
}

func TestCompleteRunUnknown(t *testing.T) {
	log := testLog()
	err := log.CompleteRun(context.Background(), "missing", true)
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CodeOf(err) != "run_not_found" {
		t.Fatalf("code = %q", coreerrors.CodeOf(err))
	}
}

func TestCompleteRunTwice(t *testing.T) {
	log := testLog()
	ctx := context.Background()
	run, err := log.StartRun(ctx, "proj-1", "ws-1", "request")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := log.CompleteRun(ctx, run.ID, true); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	err = log.CompleteRun(ctx, run.ID, true)
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CodeOf(err) != "run_already_completed" {
		t.Fatalf("code = %q", coreerrors.CodeOf(err))
	}
}

func TestRecordValidatesDraft(t *testing.T) {
	log := testLog()
	ctx := context.Background()

	testCases := []struct {
		name  string
		draft Draft
		code  string
	}{
		{
			name: "missing project",
			draft: Draft{
				Type:    schemaaudit.EventAgentDecision,
				Actor:   schemaaudit.Actor{ActorType: schemaaudit.ActorAgent, ID: "a", Name: "A"},
				Payload: schemaaudit.DecisionPayload{Decision: "x"},
			},
			code: "project_id_missing",
		},
		{
			name:  "unknown event type",
			draft: agentDraft("", "agent.sneeze", schemaaudit.DecisionPayload{Decision: "x"}),
			code:  "event_type_unknown",
		},
		{
			name:  "missing payload",
			draft: agentDraft("", schemaaudit.EventAgentDecision, nil),
			code:  "event_payload_missing",
		},
		{
			name:  "payload kind mismatch",
			draft: agentDraft("", schemaaudit.EventAgentDecision, schemaaudit.ToolPayload{Tool: "repository"}),
			code:  "event_payload_mismatch",
		},
		{
			name: "bad actor type",
			draft: Draft{
				ProjectID: "proj-1",
				Type:      schemaaudit.EventAgentDecision,
				Actor:     schemaaudit.Actor{ActorType: "robot", ID: "a", Name: "A"},
				Payload:   schemaaudit.DecisionPayload{Decision: "x"},
			},
			code: "event_actor_invalid",
		},
		{
			name: "anonymous actor",
			draft: Draft{
				ProjectID: "proj-1",
				Type:      schemaaudit.EventAgentDecision,
				Actor:     schemaaudit.Actor{ActorType: schemaaudit.ActorAgent},
				Payload:   schemaaudit.DecisionPayload{Decision: "x"},
			},
			code: "event_actor_invalid",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := log.Record(ctx, testCase.draft)
			if err == nil {
				t.Fatalf("expected error")
			}
			if coreerrors.CodeOf(err) != testCase.code {
				t.Fatalf("code = %q, want %q", coreerrors.CodeOf(err), testCase.code)
			}
		})
	}

	if got := len(log.ProjectEvents("proj-1")); got != 0 {
		t.Fatalf("rejected drafts appended %d events", got)
	}
}

func TestRecordToleratesUnknownRun(t *testing.T) {
	log := testLog()
	event, err := log.Record(context.Background(), agentDraft("run-elsewhere", schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "linear"}))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if event.RunID != "run-elsewhere" {
		t.Fatalf("run_id = %q", event.RunID)
	}
	if len(log.ProjectEvents("proj-1")) != 1 {
		t.Fatalf("event not in project stream")
	}
}

func TestRecentProjectEventsNewestFirst(t *testing.T) {
	log := testLog()
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		draft := agentDraft("", schemaaudit.EventAgentDecision, schemaaudit.DecisionPayload{
			Decision: fmt.Sprintf("step %d", index),
		})
		if _, err := log.Record(ctx, draft); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recent := log.RecentProjectEvents("proj-1", 2)
	if len(recent) != 2 {
		t.Fatalf("recent = %d events", len(recent))
	}
	first, ok := recent[0].Payload.(schemaaudit.DecisionPayload)
	if !ok || first.Decision != "step 4" {
		t.Fatalf("recent[0] = %+v", recent[0].Payload)
	}

	// Non-positive limit falls back to the default of 100.
	all := log.RecentProjectEvents("proj-1", 0)
	if len(all) != 5 {
		t.Fatalf("default limit returned %d events", len(all))
	}
	if len(log.RecentProjectEvents("proj-other", 10)) != 0 {
		t.Fatalf("cross-project leak")
	}
}

func TestProjectRunsOrderedByStart(t *testing.T) {
	log := testLog()
	ctx := context.Background()
	first, err := log.StartRun(ctx, "proj-1", "ws-1", "first")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	second, err := log.StartRun(ctx, "proj-1", "ws-2", "second")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := log.StartRun(ctx, "proj-2", "ws-3", "other project"); err != nil {
		t.Fatalf("start run: %v", err)
	}

	runs := log.ProjectRuns("proj-1")
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].ID != first.ID || runs[1].ID != second.ID {
		t.Fatalf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestRunSnapshotsAreStable(t *testing.T) {
	log := testLog()
	ctx := context.Background()
	run, err := log.StartRun(ctx, "proj-1", "ws-1", "request")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := log.Record(ctx, agentDraft(run.ID, schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "figma"})); err != nil {
		t.Fatalf("record: %v", err)
	}

	snapshot, err := log.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if _, err := log.Record(ctx, agentDraft(run.ID, schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "linear"})); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(snapshot.Events) != 1 {
		t.Fatalf("snapshot grew to %d events", len(snapshot.Events))
	}
	current, err := log.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(current.Events) != 2 {
		t.Fatalf("current run has %d events", len(current.Events))
	}
}

type recordingArchiver struct {
	events  []schemaaudit.Event
	runs    []schemaaudit.RunRecord
	failAll bool
}

func (a *recordingArchiver) ArchiveEvent(_ context.Context, event schemaaudit.Event) error {
	if a.failAll {
		return fmt.Errorf("disk full")
	}
	a.events = append(a.events, event)
	return nil
}

func (a *recordingArchiver) ArchiveRun(_ context.Context, run schemaaudit.RunRecord) error {
	if a.failAll {
		return fmt.Errorf("disk full")
	}
	a.runs = append(a.runs, run)
	return nil
}

func TestArchiverSeesCommits(t *testing.T) {
	archiver := &recordingArchiver{}
	log := testLog(WithArchiver(archiver))
	ctx := context.Background()

	run, err := log.StartRun(ctx, "proj-1", "ws-1", "request")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := log.Record(ctx, agentDraft(run.ID, schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "test"})); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.CompleteRun(ctx, run.ID, true); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	// One run row on start, one on completion; the marker plus one event.
	if len(archiver.runs) != 2 {
		t.Fatalf("archived runs = %d", len(archiver.runs))
	}
	if archiver.runs[1].Status != schemaaudit.RunStatusCompleted || archiver.runs[1].Summary == nil {
		t.Fatalf("final run row = %+v", archiver.runs[1])
	}
	if len(archiver.events) != 2 {
		t.Fatalf("archived events = %d", len(archiver.events))
	}
	if archiver.events[0].Type != schemaaudit.EventRunStarted {
		t.Fatalf("first archived event = %s", archiver.events[0].Type)
	}
}

func TestArchiverFailureFailsCommit(t *testing.T) {
	archiver := &recordingArchiver{failAll: true}
	log := testLog(WithArchiver(archiver))
	ctx := context.Background()

	_, err := log.StartRun(ctx, "proj-1", "ws-1", "request")
	if err == nil {
		t.Fatalf("expected archive failure")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryIOFailure || !coreerrors.RetryableOf(err) {
		t.Fatalf("classification = %q retryable=%v", coreerrors.CategoryOf(err), coreerrors.RetryableOf(err))
	}

	_, err = log.Record(ctx, agentDraft("", schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "test"}))
	if err == nil {
		t.Fatalf("expected archive failure")
	}
	if len(log.ProjectEvents("proj-1")) != 0 {
		t.Fatalf("failed commit still appended")
	}
}

func TestRestoreReattachesRunEvents(t *testing.T) {
	source := testLog()
	ctx := context.Background()
	run, err := source.StartRun(ctx, "proj-1", "ws-1", "request")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := source.Record(ctx, agentDraft(run.ID, schemaaudit.EventCodeWrite, schemaaudit.CodePayload{Path: "a.go"})); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := source.Record(ctx, agentDraft(run.ID, schemaaudit.EventCodeCommit, schemaaudit.CodePayload{CommitRef: "abc123"})); err != nil {
		t.Fatalf("record: %v", err)
	}

	events := source.ProjectEvents("proj-1")
	runs := source.ProjectRuns("proj-1")

	restored := NewLog()
	if err := restored.Restore(events, runs); err != nil {
		t.Fatalf("restore: %v", err)
	}

	again, err := restored.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	// The run.started marker stays in the project stream.
	if len(again.Events) != 2 {
		t.Fatalf("restored run has %d events", len(again.Events))
	}
	if got := len(restored.ProjectEvents("proj-1")); got != 3 {
		t.Fatalf("restored stream has %d events", got)
	}

	if err := restored.Restore(events, runs); err == nil {
		t.Fatalf("second restore must fail")
	}
}

func TestSummarizeCounters(t *testing.T) {
	started := time.Date(2026, 2, 3, 4, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	events := []schemaaudit.Event{
		{Type: schemaaudit.EventAgentDecision},
		{Type: schemaaudit.EventAgentDecision},
		{Type: schemaaudit.EventToolCall},
		{Type: schemaaudit.EventCodeWrite},
		{Type: schemaaudit.EventCodeCommit},
		{Type: schemaaudit.EventTestStarted},
		{Type: schemaaudit.EventTestPassed},
		{Type: schemaaudit.EventTestFailed},
		{Type: schemaaudit.EventGatePassed},
		{Type: schemaaudit.EventGateFailed},
		{Type: schemaaudit.EventDeployCompleted},
		{Type: schemaaudit.EventDocumentationWrite},
		{Type: schemaaudit.EventLinearIssueCreated},
		{Type: schemaaudit.EventLinearIssueUpdated},
		{Type: schemaaudit.EventFigmaDesignRead},
	}
	summary := Summarize(events, started, completed)

	if summary.TotalEvents != len(events) {
		t.Fatalf("total_events = %d", summary.TotalEvents)
	}
	if summary.AgentDecisions != 2 {
		t.Fatalf("agent_decisions = %d", summary.AgentDecisions)
	}
	if summary.CodeChanges != 2 {
		t.Fatalf("code_changes = %d", summary.CodeChanges)
	}
	if summary.TestsRun != 1 || summary.TestsPassed != 1 || summary.TestsFailed != 1 {
		t.Fatalf("test counters = %+v", summary)
	}
	if summary.GatesPassed != 1 || summary.GatesFailed != 1 {
		t.Fatalf("gate counters = %+v", summary)
	}
	if summary.DeploymentsCompleted != 1 || summary.DocumentationUpdates != 1 {
		t.Fatalf("deploy or doc counters = %+v", summary)
	}
	if summary.LinearUpdates != 2 {
		t.Fatalf("linear_updates = %d", summary.LinearUpdates)
	}
	if summary.DurationMS != 90_000 {
		t.Fatalf("duration_ms = %d", summary.DurationMS)
	}
}

func TestSubscribersFilterAndNeverBlock(t *testing.T) {
	log := testLog()
	ctx := context.Background()

	matching := log.Subscribe(ProjectFilter("proj-1"), 1)
	other := log.Subscribe(ProjectFilter("proj-other"), 1)
	everything := log.Subscribe(nil, 8)
	defer log.Unsubscribe(other)
	defer log.Unsubscribe(everything)

	for index := 0; index < 3; index++ {
		draft := agentDraft("", schemaaudit.EventAgentDecision, schemaaudit.DecisionPayload{
			Decision: fmt.Sprintf("step %d", index),
		})
		if _, err := log.Record(ctx, draft); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// Buffer of one: first delivery sticks, the rest are dropped instead of
	// blocking the append path.
	if got := len(matching.Events()); got != 1 {
		t.Fatalf("matching buffer holds %d", got)
	}
	delivered := <-matching.Events()
	payload, ok := delivered.Payload.(schemaaudit.DecisionPayload)
	if !ok || payload.Decision != "step 0" {
		t.Fatalf("delivered = %+v", delivered.Payload)
	}

	if got := len(other.Events()); got != 0 {
		t.Fatalf("filtered subscriber received %d", got)
	}
	if got := len(everything.Events()); got != 3 {
		t.Fatalf("unfiltered subscriber received %d", got)
	}

	log.Unsubscribe(matching)
	if _, open := <-matching.Events(); open {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Unsubscribing twice is a no-op.
	log.Unsubscribe(matching)
}

func TestRecordedEventJSONCarriesPayloadKind(t *testing.T) {
	log := testLog()
	event, err := log.Record(context.Background(), agentDraft("", schemaaudit.EventToolCall, schemaaudit.ToolPayload{
		Tool:   "repository",
		Server: "nebula",
		Status: "ok",
	}))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	encoded, err := event.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"kind":"tool"`) {
		t.Fatalf("encoded = %s", encoded)
	}

	var decoded schemaaudit.Event
	if err := decoded.UnmarshalJSON(encoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, ok := decoded.Payload.(schemaaudit.ToolPayload)
	if !ok || payload.Tool != "repository" {
		t.Fatalf("decoded payload = %+v", decoded.Payload)
	}
}
