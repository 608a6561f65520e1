// Package policytest runs authored regression suites against a policy
// document: each check states an authorization question and the expected
// answer, so policy edits can be validated before they go live.
package policytest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	"github.com/nebula-ide/warden/core/gate"
	"github.com/nebula-ide/warden/core/permission"
	"github.com/nebula-ide/warden/core/policy"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

const (
	resultSchemaID      = "warden.policytest.result"
	resultSchemaVersion = "1.0.0"
)

// Check kinds: each maps to one evaluator question.
const (
	KindTool   = "tool"
	KindMerge  = "merge"
	KindDeploy = "deploy"
	KindBranch = "branch"
	KindGates  = "gates"
)

// Suite is a YAML-authored list of checks against one policy document.
type Suite struct {
	Name   string  `yaml:"name"`
	Checks []Check `yaml:"checks"`
}

// Check is one expectation. Kind selects which fields apply: tool checks
// use role/capability/resource, merge checks use role, deploy checks use
// role/environment, branch checks use branch, and gates checks use
// action/results.
type Check struct {
	Name        string          `yaml:"name"`
	Kind        string          `yaml:"kind"`
	Role        string          `yaml:"role,omitempty"`
	Capability  string          `yaml:"capability,omitempty"`
	Resource    string          `yaml:"resource,omitempty"`
	Environment string          `yaml:"environment,omitempty"`
	Branch      string          `yaml:"branch,omitempty"`
	Action      string          `yaml:"action,omitempty"`
	Results     map[string]bool `yaml:"results,omitempty"`
	Expect      bool            `yaml:"expect"`
}

// CheckResult reports one executed check. Reason carries the evaluator's
// verbatim decision reason so a surprising outcome can be traced to the
// policy field that produced it.
type CheckResult struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Expected    bool     `json:"expected"`
	Actual      bool     `json:"actual"`
	Passed      bool     `json:"passed"`
	Reason      string   `json:"reason,omitempty"`
	FailedGates []string `json:"failed_gates,omitempty"`
}

// Result is the suite outcome.
type Result struct {
	SchemaID        string        `json:"schema_id"`
	SchemaVersion   string        `json:"schema_version"`
	CreatedAt       time.Time     `json:"created_at"`
	ProducerVersion string        `json:"producer_version,omitempty"`
	Suite           string        `json:"suite,omitempty"`
	PolicyDigest    string        `json:"policy_digest"`
	Total           int           `json:"total"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	Checks          []CheckResult `json:"checks"`
}

// OK reports whether every check matched its expectation.
func (r Result) OK() bool {
	return r.Failed == 0
}

// RunOptions carries run metadata.
type RunOptions struct {
	ProducerVersion string
	Now             time.Time
}

// LoadSuiteFile parses a YAML suite.
func LoadSuiteFile(path string) (Suite, error) {
	// #nosec G304 -- suite path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, coreerrors.Wrap(
			fmt.Errorf("read suite: %w", err),
			coreerrors.CategoryIOFailure,
			"suite_read_failed",
			"check the suite file path",
			false,
		)
	}
	var suite Suite
	if err := yaml.Unmarshal(content, &suite); err != nil {
		return Suite{}, coreerrors.Wrap(
			fmt.Errorf("parse suite yaml: %w", err),
			coreerrors.CategoryInvalidInput,
			"suite_parse_failed",
			"check suite syntax",
			false,
		)
	}
	if len(suite.Checks) == 0 {
		return Suite{}, coreerrors.Wrap(
			fmt.Errorf("suite declares no checks"),
			coreerrors.CategoryInvalidInput,
			"suite_empty",
			"add at least one check",
			false,
		)
	}
	return suite, nil
}

// Run executes every check in order. A malformed check is a hard error;
// an expectation mismatch is data on the result, not an error.
func Run(document *schemapolicy.Document, suite Suite, opts RunOptions) (Result, error) {
	if document == nil {
		return Result{}, coreerrors.Wrap(
			fmt.Errorf("policy document is required"),
			coreerrors.CategoryPolicyMissing,
			"policy_missing",
			"load a policy before running a suite",
			false,
		)
	}
	digest, err := policy.Digest(*document)
	if err != nil {
		return Result{}, fmt.Errorf("policy digest: %w", err)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	result := Result{
		SchemaID:        resultSchemaID,
		SchemaVersion:   resultSchemaVersion,
		CreatedAt:       now.UTC(),
		ProducerVersion: strings.TrimSpace(opts.ProducerVersion),
		Suite:           strings.TrimSpace(suite.Name),
		PolicyDigest:    digest,
		Checks:          make([]CheckResult, 0, len(suite.Checks)),
	}

	for index, check := range suite.Checks {
		executed, err := runCheck(document, check)
		if err != nil {
			return Result{}, coreerrors.Wrap(
				fmt.Errorf("check %d (%s): %w", index+1, check.Name, err),
				coreerrors.CategoryInvalidInput,
				"suite_check_invalid",
				"fix the reported check definition",
				false,
			)
		}
		result.Checks = append(result.Checks, executed)
		if executed.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	result.Total = len(result.Checks)
	return result, nil
}

func runCheck(document *schemapolicy.Document, check Check) (CheckResult, error) {
	out := CheckResult{
		Name:     strings.TrimSpace(check.Name),
		Kind:     strings.ToLower(strings.TrimSpace(check.Kind)),
		Expected: check.Expect,
	}

	switch out.Kind {
	case KindTool:
		if strings.TrimSpace(check.Capability) == "" {
			return CheckResult{}, fmt.Errorf("tool check requires a capability")
		}
		decision := permission.Authorize(document, check.Role, check.Capability, check.Resource)
		out.Actual = decision.Allowed
		out.Reason = decision.Reason
	case KindMerge:
		decision := permission.CanMergeToTrunk(document, check.Role)
		out.Actual = decision.Allowed
		out.Reason = decision.Reason
	case KindDeploy:
		if strings.TrimSpace(check.Environment) == "" {
			return CheckResult{}, fmt.Errorf("deploy check requires an environment")
		}
		decision := permission.CanDeploy(document, check.Role, check.Environment)
		out.Actual = decision.Allowed
		out.Reason = decision.Reason
	case KindBranch:
		if strings.TrimSpace(check.Branch) == "" {
			return CheckResult{}, fmt.Errorf("branch check requires a branch")
		}
		decision := permission.AutoMergeAllowed(document, check.Branch)
		out.Actual = decision.Allowed
		out.Reason = decision.Reason
	case KindGates:
		required, err := gate.Required(document, check.Action)
		if err != nil {
			return CheckResult{}, err
		}
		evaluation := gate.Evaluate(required, check.Results)
		out.Actual = evaluation.Passed
		out.FailedGates = evaluation.FailedNames
		if !evaluation.Passed {
			out.Reason = fmt.Sprintf("failed gates: %s", strings.Join(evaluation.FailedNames, ", "))
		}
	default:
		return CheckResult{}, fmt.Errorf("unknown check kind %q", check.Kind)
	}

	out.Passed = out.Actual == out.Expected
	return out, nil
}
