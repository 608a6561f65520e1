package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

func testClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	}
}

func TestNormalizeStampsAndDefaults(t *testing.T) {
	document, err := Normalize(schemapolicy.Document{ProjectID: "  proj-1  "})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if document.SchemaID != schemapolicy.SchemaID {
		t.Fatalf("schema_id = %q", document.SchemaID)
	}
	if document.SchemaVersion != schemapolicy.SchemaVersion {
		t.Fatalf("schema_version = %q", document.SchemaVersion)
	}
	if document.ProjectID != "proj-1" {
		t.Fatalf("project_id = %q", document.ProjectID)
	}
	if document.Version != "1.0.0" {
		t.Fatalf("version = %q", document.Version)
	}
	if document.Name != "proj-1" {
		t.Fatalf("name = %q", document.Name)
	}
	if document.Agents.MaxConcurrentRuns != 1 {
		t.Fatalf("max_concurrent_runs = %d", document.Agents.MaxConcurrentRuns)
	}
	if document.Repositories.DefaultAccess != schemapolicy.AccessReadOnly {
		t.Fatalf("default_access = %q", document.Repositories.DefaultAccess)
	}
	if document.DataClassification.DefaultClassification != "internal" {
		t.Fatalf("default_classification = %q", document.DataClassification.DefaultClassification)
	}
	if document.Gates.MergeGates == nil || document.Gates.DeployGates == nil {
		t.Fatalf("gate lists must be non-nil after normalize")
	}
}

func TestNormalizeRejectsUnsupportedSchema(t *testing.T) {
	_, err := Normalize(schemapolicy.Document{SchemaID: "other.policy", ProjectID: "proj-1"})
	if err == nil || !strings.Contains(err.Error(), "unsupported policy schema_id") {
		t.Fatalf("expected unsupported schema_id error, got: %v", err)
	}
}

func TestNormalizeLowercasesAndSorts(t *testing.T) {
	document, err := Normalize(schemapolicy.Document{
		ProjectID: "proj-1",
		Agents: schemapolicy.AgentPolicy{
			MergeToMain: schemapolicy.AgentPermission{
				AllowedAgentRoles: []string{"Reviewer", "planner", "reviewer", " "},
			},
			DeployPermissions: map[string]schemapolicy.AgentPermission{
				" Staging ": {Allowed: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	roles := document.Agents.MergeToMain.AllowedAgentRoles
	if len(roles) != 2 || roles[0] != "planner" || roles[1] != "reviewer" {
		t.Fatalf("roles = %v", roles)
	}
	if _, ok := document.Agents.DeployPermissions["staging"]; !ok {
		t.Fatalf("deploy environment key not lowercased: %v", document.Agents.DeployPermissions)
	}
}

func TestNormalizeGateChecks(t *testing.T) {
	testCases := []struct {
		name    string
		gates   []schemapolicy.Gate
		wantErr string
	}{
		{
			name: "duplicate id",
			gates: []schemapolicy.Gate{
				{ID: "build", GateType: "build"},
				{ID: "Build", GateType: "build"},
			},
			wantErr: "duplicate merge gate id",
		},
		{
			name:    "unknown type",
			gates:   []schemapolicy.Gate{{ID: "fuzz", GateType: "fuzzing"}},
			wantErr: "invalid gate_type",
		},
		{
			name:    "missing id",
			gates:   []schemapolicy.Gate{{Name: "Build"}},
			wantErr: "gate id is required",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Normalize(schemapolicy.Document{
				ProjectID: "proj-1",
				Gates:     schemapolicy.GatePolicy{MergeGates: testCase.gates},
			})
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected %q error, got: %v", testCase.wantErr, err)
			}
		})
	}
}

func TestNormalizeGateDefaultsTypeAndName(t *testing.T) {
	document, err := Normalize(schemapolicy.Document{
		ProjectID: "proj-1",
		Gates: schemapolicy.GatePolicy{
			MergeGates: []schemapolicy.Gate{{ID: " Lint "}},
		},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	gate := document.Gates.MergeGates[0]
	if gate.ID != "lint" || gate.Name != "lint" || gate.GateType != schemapolicy.GateTypeCustom {
		t.Fatalf("gate = %+v", gate)
	}
}

func TestNormalizeRejectsBadClassification(t *testing.T) {
	_, err := Normalize(schemapolicy.Document{
		ProjectID: "proj-1",
		DataClassification: schemapolicy.DataClassificationPolicy{
			DefaultClassification: "top-secret",
		},
	})
	if err == nil || !strings.Contains(err.Error(), "invalid default_classification") {
		t.Fatalf("expected classification error, got: %v", err)
	}
}

func TestNormalizeRejectsBadRedactionPattern(t *testing.T) {
	_, err := Normalize(schemapolicy.Document{
		ProjectID: "proj-1",
		DataClassification: schemapolicy.DataClassificationPolicy{
			RedactionPatterns: []schemapolicy.RedactionPattern{
				{Name: "broken", Pattern: "(unclosed"},
			},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "does not compile") {
		t.Fatalf("expected compile error, got: %v", err)
	}
}

func TestDefaultPolicyValidates(t *testing.T) {
	document := Default("proj-default", testClock()())
	if _, err := finishParse(document); err != nil {
		t.Fatalf("default policy must pass normalize and schema validation: %v", err)
	}
}

func TestDigestIgnoresInputOrdering(t *testing.T) {
	first := schemapolicy.Document{
		ProjectID: "proj-1",
		Agents: schemapolicy.AgentPolicy{
			MergeToMain: schemapolicy.AgentPermission{
				AllowedAgentRoles: []string{"reviewer", "planner"},
			},
		},
	}
	second := schemapolicy.Document{
		ProjectID: "proj-1",
		Agents: schemapolicy.AgentPolicy{
			MergeToMain: schemapolicy.AgentPermission{
				AllowedAgentRoles: []string{"Planner", "REVIEWER"},
			},
		},
	}
	digestFirst, err := Digest(first)
	if err != nil {
		t.Fatalf("digest first: %v", err)
	}
	digestSecond, err := Digest(second)
	if err != nil {
		t.Fatalf("digest second: %v", err)
	}
	if digestFirst != digestSecond {
		t.Fatalf("digests differ: %s vs %s", digestFirst, digestSecond)
	}
	if len(digestFirst) != 64 {
		t.Fatalf("digest length = %d", len(digestFirst))
	}
}

func TestParseDocumentYAML(t *testing.T) {
	input := []byte(`
project_id: proj-yaml
name: YAML Policy
agents:
  merge_to_main:
    allowed: true
    allowed_agent_roles: [Reviewer]
    require_approval: true
  max_concurrent_runs: 2
`)
	document, err := ParseDocumentYAML(input)
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if document.ProjectID != "proj-yaml" {
		t.Fatalf("project_id = %q", document.ProjectID)
	}
	if got := document.Agents.MergeToMain.AllowedAgentRoles; len(got) != 1 || got[0] != "reviewer" {
		t.Fatalf("roles = %v", got)
	}
	if document.Agents.MaxConcurrentRuns != 2 {
		t.Fatalf("max_concurrent_runs = %d", document.Agents.MaxConcurrentRuns)
	}
}

func TestParseDocumentJSONRejectsGarbage(t *testing.T) {
	_, err := ParseDocumentJSON([]byte("{not json"))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("category = %q", coreerrors.CategoryOf(err))
	}
}

type memoryPersister struct {
	policies map[string]schemapolicy.Document
	saves    int
	loads    int
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{policies: make(map[string]schemapolicy.Document)}
}

func (m *memoryPersister) LoadPolicy(_ context.Context, projectID string) (schemapolicy.Document, bool, error) {
	m.loads++
	document, ok := m.policies[projectID]
	return document, ok, nil
}

func (m *memoryPersister) SavePolicy(_ context.Context, document schemapolicy.Document) error {
	m.saves++
	m.policies[document.ProjectID] = document
	return nil
}

func TestStoreLazyDefaultIsNotPersisted(t *testing.T) {
	persister := newMemoryPersister()
	store := NewStore(WithPersister(persister), WithClock(testClock()))

	document, err := store.Get(context.Background(), "proj-lazy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if document.Name != "Default Policy" {
		t.Fatalf("expected default policy, got %q", document.Name)
	}
	if persister.saves != 0 {
		t.Fatalf("default policy must not be persisted, saves = %d", persister.saves)
	}

	// Second read is served from cache without another load.
	loadsBefore := persister.loads
	if _, err := store.Get(context.Background(), "proj-lazy"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if persister.loads != loadsBefore {
		t.Fatalf("expected cached read, loads went %d -> %d", loadsBefore, persister.loads)
	}
}

func TestStoreSetReplacesWholesale(t *testing.T) {
	persister := newMemoryPersister()
	store := NewStore(WithPersister(persister), WithClock(testClock()))

	document := Default("proj-set", testClock()())
	document.Name = "Custom Policy"
	document.Agents.MergeToMain.Allowed = true
	document.Agents.MergeToMain.AllowedAgentRoles = []string{"reviewer"}

	stored, err := store.Set(context.Background(), document)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stored.Name != "Custom Policy" {
		t.Fatalf("name = %q", stored.Name)
	}
	if !stored.UpdatedAt.Equal(testClock()()) {
		t.Fatalf("updated_at = %v", stored.UpdatedAt)
	}
	if persister.saves != 1 {
		t.Fatalf("saves = %d", persister.saves)
	}

	fetched, err := store.Get(context.Background(), "proj-set")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !fetched.Agents.MergeToMain.Allowed {
		t.Fatalf("expected replacement policy to be active")
	}
}

func TestStoreGetLoadsFromPersister(t *testing.T) {
	persister := newMemoryPersister()
	saved := Default("proj-persist", testClock()())
	saved.Name = "Persisted Policy"
	normalized, err := Normalize(saved)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	persister.policies["proj-persist"] = normalized

	store := NewStore(WithPersister(persister), WithClock(testClock()))
	document, err := store.Get(context.Background(), "proj-persist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if document.Name != "Persisted Policy" {
		t.Fatalf("expected persisted policy, got %q", document.Name)
	}
}

func TestStoreHandsOutCopies(t *testing.T) {
	store := NewStore(WithClock(testClock()))
	first, err := store.Get(context.Background(), "proj-copy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.ToolPermissions.DefaultPermissions[0].Operations[0] = "write"
	first.Name = "Mutated"

	second, err := store.Get(context.Background(), "proj-copy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Name == "Mutated" {
		t.Fatalf("store returned a shared document")
	}
	if second.ToolPermissions.DefaultPermissions[0].Operations[0] != "read" {
		t.Fatalf("nested slice mutation leaked into the store")
	}
}

func TestStoreGetRequiresProjectID(t *testing.T) {
	store := NewStore()
	_, err := store.Get(context.Background(), "   ")
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("category = %q", coreerrors.CategoryOf(err))
	}
}

func TestStoreSetRejectsInvalidDocument(t *testing.T) {
	store := NewStore(WithClock(testClock()))
	_, err := store.Set(context.Background(), schemapolicy.Document{})
	if err == nil {
		t.Fatalf("expected error for missing project id")
	}
}

func TestWriteAndLoadDocumentFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/policy.json"

	document := Default("proj-file", testClock()())
	normalized, err := Normalize(document)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := WriteDocumentFile(path, normalized); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadDocumentFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ProjectID != "proj-file" {
		t.Fatalf("project_id = %q", loaded.ProjectID)
	}

	digestBefore, err := Digest(normalized)
	if err != nil {
		t.Fatalf("digest before: %v", err)
	}
	digestAfter, err := Digest(loaded)
	if err != nil {
		t.Fatalf("digest after: %v", err)
	}
	if digestBefore != digestAfter {
		t.Fatalf("digest changed across write/load: %s vs %s", digestBefore, digestAfter)
	}
}
