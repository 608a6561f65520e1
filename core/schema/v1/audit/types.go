package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ExportSchemaID      = "warden.audit.export"
	ExportSchemaVersion = "1.0.0"
)

type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventRunCompleted       EventType = "run.completed"
	EventRunFailed          EventType = "run.failed"
	EventUserRequest        EventType = "user.request"
	EventUserApproval       EventType = "user.approval"
	EventAgentDecision      EventType = "agent.decision"
	EventAgentDelegation    EventType = "agent.delegation"
	EventToolCall           EventType = "tool.call"
	EventToolResult         EventType = "tool.result"
	EventCodeWrite          EventType = "code.write"
	EventCodeCommit         EventType = "code.commit"
	EventTestStarted        EventType = "test.started"
	EventTestPassed         EventType = "test.passed"
	EventTestFailed         EventType = "test.failed"
	EventGatePassed         EventType = "gate.passed"
	EventGateFailed         EventType = "gate.failed"
	EventDeployStarted      EventType = "deploy.started"
	EventDeployCompleted    EventType = "deploy.completed"
	EventDeployRolledBack   EventType = "deploy.rolled_back"
	EventDocumentationWrite EventType = "documentation.write"
	EventLinearIssueCreated EventType = "linear.issue.created"
	EventLinearIssueUpdated EventType = "linear.issue.updated"
	EventFigmaDesignRead    EventType = "figma.design.read"
	EventPolicyUpdated      EventType = "policy.updated"
	EventPolicyViolation    EventType = "policy.violation"
)

const (
	ActorUser  = "user"
	ActorAgent = "agent"
)

type Actor struct {
	ActorType string `json:"actor_type"`
	ID        string `json:"id"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name"`
}

// Event is immutable once created: stamped exactly once, never edited, never
// deleted. Corrections are new events pointing back via ParentEventID.
type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	RunID         string    `json:"run_id"`
	WorkstreamID  string    `json:"workstream_id"`
	ProjectID     string    `json:"project_id"`
	Type          EventType `json:"event_type"`
	Actor         Actor     `json:"actor"`
	Payload       Payload   `json:"payload"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Digest        string    `json:"digest,omitempty"`
}

type eventWire struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	RunID         string          `json:"run_id"`
	WorkstreamID  string          `json:"workstream_id"`
	ProjectID     string          `json:"project_id"`
	Type          EventType       `json:"event_type"`
	Actor         Actor           `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	SpanID        string          `json:"span_id,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	Digest        string          `json:"digest,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return json.Marshal(eventWire{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		RunID:         e.RunID,
		WorkstreamID:  e.WorkstreamID,
		ProjectID:     e.ProjectID,
		Type:          e.Type,
		Actor:         e.Actor,
		Payload:       payload,
		ParentEventID: e.ParentEventID,
		SpanID:        e.SpanID,
		TraceID:       e.TraceID,
		Digest:        e.Digest,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := UnmarshalPayload(wire.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal event payload: %w", err)
	}
	*e = Event{
		ID:            wire.ID,
		Timestamp:     wire.Timestamp,
		RunID:         wire.RunID,
		WorkstreamID:  wire.WorkstreamID,
		ProjectID:     wire.ProjectID,
		Type:          wire.Type,
		Actor:         wire.Actor,
		Payload:       payload,
		ParentEventID: wire.ParentEventID,
		SpanID:        wire.SpanID,
		TraceID:       wire.TraceID,
		Digest:        wire.Digest,
	}
	return nil
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord aggregates one execution of a workstream request. Events hold
// the authoritative order: append order within the run, not wall clock.
type RunRecord struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	WorkstreamID string      `json:"workstream_id"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Status       RunStatus   `json:"status"`
	UserRequest  string      `json:"user_request"`
	Events       []Event     `json:"events"`
	Summary      *RunSummary `json:"summary,omitempty"`
}

// RunSummary is derived by a single fold over the run's events on
// completion. Read-only; never hand-edited.
type RunSummary struct {
	TotalEvents          int   `json:"total_events"`
	AgentDecisions       int   `json:"agent_decisions"`
	ToolCalls            int   `json:"tool_calls"`
	CodeChanges          int   `json:"code_changes"`
	TestsRun             int   `json:"tests_run"`
	TestsPassed          int   `json:"tests_passed"`
	TestsFailed          int   `json:"tests_failed"`
	GatesPassed          int   `json:"gates_passed"`
	GatesFailed          int   `json:"gates_failed"`
	DeploymentsCompleted int   `json:"deployments_completed"`
	DocumentationUpdates int   `json:"documentation_updates"`
	LinearUpdates        int   `json:"linear_updates"`
	DurationMS           int64 `json:"duration_ms"`
}

// ExportManifest describes a written export bundle: per-file sha256 digests
// plus a chain digest over the ordered event digests.
type ExportManifest struct {
	SchemaID        string              `json:"schema_id"`
	SchemaVersion   string              `json:"schema_version"`
	CreatedAt       time.Time           `json:"created_at"`
	ProducerVersion string              `json:"producer_version,omitempty"`
	RunID           string              `json:"run_id"`
	EventCount      int                 `json:"event_count"`
	Files           []ManifestFile      `json:"files"`
	ChainDigest     string              `json:"chain_digest"`
	Signatures      []ManifestSignature `json:"signatures,omitempty"`
}

type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ManifestSignature is a detached signature over the manifest with the
// signatures field removed.
type ManifestSignature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest,omitempty"`
}
