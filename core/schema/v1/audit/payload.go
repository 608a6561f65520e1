package audit

import (
	"encoding/json"
	"fmt"
)

type PayloadKind string

const (
	KindRun           PayloadKind = "run"
	KindUser          PayloadKind = "user"
	KindDecision      PayloadKind = "decision"
	KindDelegation    PayloadKind = "delegation"
	KindTool          PayloadKind = "tool"
	KindCode          PayloadKind = "code"
	KindTest          PayloadKind = "test"
	KindGate          PayloadKind = "gate"
	KindDeploy        PayloadKind = "deploy"
	KindDocumentation PayloadKind = "documentation"
	KindIssue         PayloadKind = "issue"
	KindDesign        PayloadKind = "design"
	KindPolicy        PayloadKind = "policy"
)

// Payload is the tagged union of event payload shapes. Each event type maps
// to exactly one kind; construction rejects mismatches.
type Payload interface {
	Kind() PayloadKind
}

type RunPayload struct {
	Status string `json:"status"`
	Input  string `json:"input,omitempty"`
}

func (RunPayload) Kind() PayloadKind { return KindRun }

type UserPayload struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}

func (UserPayload) Kind() PayloadKind { return KindUser }

type DecisionPayload struct {
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (DecisionPayload) Kind() PayloadKind { return KindDecision }

type DelegationPayload struct {
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Task      string `json:"task,omitempty"`
}

func (DelegationPayload) Kind() PayloadKind { return KindDelegation }

type ToolPayload struct {
	Tool         string `json:"tool"`
	Server       string `json:"server,omitempty"`
	ParamsDigest string `json:"params_digest,omitempty"`
	Status       string `json:"status,omitempty"`
	Output       string `json:"output,omitempty"`
}

func (ToolPayload) Kind() PayloadKind { return KindTool }

type CodePayload struct {
	Path         string `json:"path,omitempty"`
	Repository   string `json:"repository,omitempty"`
	CommitRef    string `json:"commit_ref,omitempty"`
	LinesChanged int    `json:"lines_changed,omitempty"`
}

func (CodePayload) Kind() PayloadKind { return KindCode }

type TestPayload struct {
	Suite      string `json:"suite,omitempty"`
	Name       string `json:"name,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Failure    string `json:"failure,omitempty"`
}

func (TestPayload) Kind() PayloadKind { return KindTest }

type GatePayload struct {
	GateID   string `json:"gate_id"`
	GateName string `json:"gate_name,omitempty"`
	Action   string `json:"action,omitempty"`
	Details  string `json:"details,omitempty"`
}

func (GatePayload) Kind() PayloadKind { return KindGate }

type DeployPayload struct {
	Environment string `json:"environment"`
	Strategy    string `json:"strategy,omitempty"`
	Version     string `json:"version,omitempty"`
}

func (DeployPayload) Kind() PayloadKind { return KindDeploy }

type DocumentationPayload struct {
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
}

func (DocumentationPayload) Kind() PayloadKind { return KindDocumentation }

type IssuePayload struct {
	IssueID string `json:"issue_id"`
	Title   string `json:"title,omitempty"`
	State   string `json:"state,omitempty"`
}

func (IssuePayload) Kind() PayloadKind { return KindIssue }

type DesignPayload struct {
	FileKey string `json:"file_key"`
	NodeID  string `json:"node_id,omitempty"`
}

func (DesignPayload) Kind() PayloadKind { return KindDesign }

type PolicyPayload struct {
	PolicyVersion string `json:"policy_version,omitempty"`
	Change        string `json:"change,omitempty"`
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (PolicyPayload) Kind() PayloadKind { return KindPolicy }

var payloadKindByEventType = map[EventType]PayloadKind{
	EventRunStarted:         KindRun,
	EventRunCompleted:       KindRun,
	EventRunFailed:          KindRun,
	EventUserRequest:        KindUser,
	EventUserApproval:       KindUser,
	EventAgentDecision:      KindDecision,
	EventAgentDelegation:    KindDelegation,
	EventToolCall:           KindTool,
	EventToolResult:         KindTool,
	EventCodeWrite:          KindCode,
	EventCodeCommit:         KindCode,
	EventTestStarted:        KindTest,
	EventTestPassed:         KindTest,
	EventTestFailed:         KindTest,
	EventGatePassed:         KindGate,
	EventGateFailed:         KindGate,
	EventDeployStarted:      KindDeploy,
	EventDeployCompleted:    KindDeploy,
	EventDeployRolledBack:   KindDeploy,
	EventDocumentationWrite: KindDocumentation,
	EventLinearIssueCreated: KindIssue,
	EventLinearIssueUpdated: KindIssue,
	EventFigmaDesignRead:    KindDesign,
	EventPolicyUpdated:      KindPolicy,
	EventPolicyViolation:    KindPolicy,
}

// PayloadKindFor reports the payload kind an event type requires. The second
// return is false for types outside the closed vocabulary.
func PayloadKindFor(eventType EventType) (PayloadKind, bool) {
	kind, ok := payloadKindByEventType[eventType]
	return kind, ok
}

// EventTypes lists the closed event-type vocabulary in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventRunStarted,
		EventRunCompleted,
		EventRunFailed,
		EventUserRequest,
		EventUserApproval,
		EventAgentDecision,
		EventAgentDelegation,
		EventToolCall,
		EventToolResult,
		EventCodeWrite,
		EventCodeCommit,
		EventTestStarted,
		EventTestPassed,
		EventTestFailed,
		EventGatePassed,
		EventGateFailed,
		EventDeployStarted,
		EventDeployCompleted,
		EventDeployRolledBack,
		EventDocumentationWrite,
		EventLinearIssueCreated,
		EventLinearIssueUpdated,
		EventFigmaDesignRead,
		EventPolicyUpdated,
		EventPolicyViolation,
	}
}

// MarshalPayload emits the payload fields with the discriminator injected as
// a "kind" property.
func MarshalPayload(payload Payload) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	fields["kind"] = string(payload.Kind())
	return json.Marshal(fields)
}

// UnmarshalPayload dispatches on the "kind" discriminator. Unknown kinds are
// rejected so interpreting code can switch exhaustively.
func UnmarshalPayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var tag struct {
		Kind PayloadKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("read payload kind: %w", err)
	}
	switch tag.Kind {
	case KindRun:
		return decodePayload[RunPayload](raw, tag.Kind)
	case KindUser:
		return decodePayload[UserPayload](raw, tag.Kind)
	case KindDecision:
		return decodePayload[DecisionPayload](raw, tag.Kind)
	case KindDelegation:
		return decodePayload[DelegationPayload](raw, tag.Kind)
	case KindTool:
		return decodePayload[ToolPayload](raw, tag.Kind)
	case KindCode:
		return decodePayload[CodePayload](raw, tag.Kind)
	case KindTest:
		return decodePayload[TestPayload](raw, tag.Kind)
	case KindGate:
		return decodePayload[GatePayload](raw, tag.Kind)
	case KindDeploy:
		return decodePayload[DeployPayload](raw, tag.Kind)
	case KindDocumentation:
		return decodePayload[DocumentationPayload](raw, tag.Kind)
	case KindIssue:
		return decodePayload[IssuePayload](raw, tag.Kind)
	case KindDesign:
		return decodePayload[DesignPayload](raw, tag.Kind)
	case KindPolicy:
		return decodePayload[PolicyPayload](raw, tag.Kind)
	default:
		return nil, fmt.Errorf("unknown payload kind %q", tag.Kind)
	}
}

func decodePayload[T Payload](raw json.RawMessage, kind PayloadKind) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return payload, nil
}
