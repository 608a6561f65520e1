package validate_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nebula-ide/warden/core/policy"
	"github.com/nebula-ide/warden/core/schema/validate"
)

func TestPolicyDocumentAcceptsDefault(t *testing.T) {
	document, err := policy.Normalize(policy.Default("proj-validate", time.Now()))
	if err != nil {
		t.Fatalf("normalize default: %v", err)
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := validate.PolicyDocument(encoded); err != nil {
		t.Fatalf("expected default policy to validate, got: %v", err)
	}
}

func TestPolicyDocumentRejectsUnknownFields(t *testing.T) {
	document, err := policy.Normalize(policy.Default("proj-validate", time.Now()))
	if err != nil {
		t.Fatalf("normalize default: %v", err)
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var loose map[string]any
	if err := json.Unmarshal(encoded, &loose); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	loose["surprise"] = true
	tampered, err := json.Marshal(loose)
	if err != nil {
		t.Fatalf("marshal tampered: %v", err)
	}
	if err := validate.PolicyDocument(tampered); err == nil {
		t.Fatalf("expected unknown top-level field to fail validation")
	}
}

func TestPolicyDocumentRejectsBadEnums(t *testing.T) {
	document, err := policy.Normalize(policy.Default("proj-validate", time.Now()))
	if err != nil {
		t.Fatalf("normalize default: %v", err)
	}
	document.Repositories.DefaultAccess = "root"
	encoded, err := json.Marshal(document)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := validate.PolicyDocument(encoded); err == nil {
		t.Fatalf("expected invalid default_access to fail validation")
	}
}

const validEventJSON = `{
  "id": "0b9f1d1e-9a1f-4f6e-8c2a-3f1d2e3c4b5a",
  "timestamp": "2026-01-02T03:04:05Z",
  "run_id": "run-1",
  "workstream_id": "ws-1",
  "project_id": "proj-1",
  "event_type": "tool.call",
  "actor": {"actor_type": "agent", "id": "agent-1", "role": "backend-worker", "name": "Backend Worker"},
  "payload": {"kind": "tool", "tool": "repository", "server": "nebula", "status": "requested"}
}`

func TestAuditEvent(t *testing.T) {
	if err := validate.AuditEvent([]byte(validEventJSON)); err != nil {
		t.Fatalf("expected valid event, got: %v", err)
	}

	tampered := strings.Replace(validEventJSON, `"tool.call"`, `"tool.invented"`, 1)
	if err := validate.AuditEvent([]byte(tampered)); err == nil {
		t.Fatalf("expected unknown event_type to fail validation")
	}
}

func TestAuditEventLines(t *testing.T) {
	single := compactJSON(t, validEventJSON)
	data := single + "\n\n" + single + "\n"
	if err := validate.AuditEventLines([]byte(data)); err != nil {
		t.Fatalf("expected valid jsonl, got: %v", err)
	}

	bad := single + "\n" + `{"event_type":"tool.call"}` + "\n"
	if err := validate.AuditEventLines([]byte(bad)); err == nil {
		t.Fatalf("expected incomplete event line to fail validation")
	}
}

func compactJSON(t *testing.T, in string) string {
	t.Helper()
	var value map[string]any
	if err := json.Unmarshal([]byte(in), &value); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	out, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return string(out)
}
