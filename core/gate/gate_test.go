package gate

import (
	"testing"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

func gateDocument() *schemapolicy.Document {
	return &schemapolicy.Document{
		ProjectID: "proj-1",
		Gates: schemapolicy.GatePolicy{
			MergeGates: []schemapolicy.Gate{
				{ID: "build", Name: "Build", GateType: schemapolicy.GateTypeBuild, Required: true},
				{ID: "unit-test", Name: "Unit Tests", GateType: schemapolicy.GateTypeUnitTest, Required: true},
				{ID: "documentation", Name: "Documentation", GateType: schemapolicy.GateTypeDocumentation, Required: false},
			},
			DeployGates: []schemapolicy.Gate{
				{ID: "security-scan", Name: "Security Scan", GateType: schemapolicy.GateTypeSecurityScan, Required: true},
			},
		},
	}
}

func TestRequiredFiltersOptionalGates(t *testing.T) {
	required, err := Required(gateDocument(), "merge")
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	if len(required) != 2 {
		t.Fatalf("expected 2 required merge gates, got %d", len(required))
	}
	for _, gate := range required {
		if !gate.Required {
			t.Fatalf("optional gate leaked into required list: %+v", gate)
		}
	}
}

func TestDeclaredIncludesOptionalGates(t *testing.T) {
	declared, err := Declared(gateDocument(), "merge")
	if err != nil {
		t.Fatalf("declared: %v", err)
	}
	if len(declared) != 3 {
		t.Fatalf("expected 3 declared merge gates, got %d", len(declared))
	}
}

func TestRequiredUnknownAction(t *testing.T) {
	_, err := Required(gateDocument(), "release")
	if err == nil {
		t.Fatalf("expected error for unknown action")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("category = %q", coreerrors.CategoryOf(err))
	}
}

func TestRequiredWithoutPolicy(t *testing.T) {
	_, err := Required(nil, "merge")
	if err == nil {
		t.Fatalf("expected error without a policy")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryPolicyMissing {
		t.Fatalf("category = %q", coreerrors.CategoryOf(err))
	}
}

func TestEvaluateMissingResultFails(t *testing.T) {
	required, err := Required(gateDocument(), "merge")
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	evaluation := Evaluate(required, map[string]bool{"build": true})
	if evaluation.Passed {
		t.Fatalf("expected failure with a missing result")
	}
	if evaluation.TotalGates != 2 {
		t.Fatalf("total = %d", evaluation.TotalGates)
	}
	if len(evaluation.FailedNames) != 1 || evaluation.FailedNames[0] != "Unit Tests" {
		t.Fatalf("failed = %v", evaluation.FailedNames)
	}
	if len(evaluation.PassedNames) != 1 || evaluation.PassedNames[0] != "Build" {
		t.Fatalf("passed = %v", evaluation.PassedNames)
	}
}

func TestEvaluateFalseResultFails(t *testing.T) {
	required, err := Required(gateDocument(), "deploy")
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	evaluation := Evaluate(required, map[string]bool{"security-scan": false})
	if evaluation.Passed {
		t.Fatalf("expected explicit false to fail")
	}
	if len(evaluation.FailedNames) != 1 || evaluation.FailedNames[0] != "Security Scan" {
		t.Fatalf("failed = %v", evaluation.FailedNames)
	}
}

func TestEvaluateAllPassing(t *testing.T) {
	required, err := Required(gateDocument(), "merge")
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	evaluation := Evaluate(required, map[string]bool{"build": true, "unit-test": true})
	if !evaluation.Passed {
		t.Fatalf("expected pass, failed = %v", evaluation.FailedNames)
	}
	if len(evaluation.FailedNames) != 0 {
		t.Fatalf("failed = %v", evaluation.FailedNames)
	}
}

func TestEvaluateEmptyGateListPassesVacuously(t *testing.T) {
	evaluation := Evaluate(nil, nil)
	if !evaluation.Passed || evaluation.TotalGates != 0 {
		t.Fatalf("evaluation = %+v", evaluation)
	}
}

// Adding a passing result for a previously-missing gate can only move the
// outcome from fail toward pass, never the reverse.
func TestEvaluateMonotonic(t *testing.T) {
	required, err := Required(gateDocument(), "merge")
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	results := map[string]bool{}
	previousFailed := len(required) + 1
	order := []string{"build", "unit-test"}
	for _, gateID := range order {
		before := Evaluate(required, results)
		if len(before.FailedNames) >= previousFailed {
			t.Fatalf("failed count did not shrink: %v", before.FailedNames)
		}
		previousFailed = len(before.FailedNames)

		results[gateID] = true
		after := Evaluate(required, results)
		if len(after.FailedNames) > len(before.FailedNames) {
			t.Fatalf("adding a passing result increased failures: %v -> %v",
				before.FailedNames, after.FailedNames)
		}
		if before.Passed && !after.Passed {
			t.Fatalf("adding a passing result flipped pass to fail")
		}
	}
	final := Evaluate(required, results)
	if !final.Passed {
		t.Fatalf("expected pass after all gates reported, failed = %v", final.FailedNames)
	}
}
