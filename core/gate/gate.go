// Package gate folds externally-reported check results against the gates a
// policy declares for an action. It never runs checks itself: builds, tests,
// and scans execute elsewhere, and this package only decides whether their
// reported outcomes satisfy the policy.
package gate

import (
	"fmt"
	"sort"
	"strings"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

const (
	ActionMerge  = "merge"
	ActionDeploy = "deploy"
)

// Evaluation reports one fold over required gates. A gate missing from the
// results map counts as failed: silence and explicit failure are the same
// outcome.
type Evaluation struct {
	Passed      bool     `json:"passed"`
	TotalGates  int      `json:"total_gates"`
	PassedNames []string `json:"passed_names"`
	FailedNames []string `json:"failed_names"`
}

// Declared returns every gate the policy declares for an action, required
// and optional alike.
func Declared(document *schemapolicy.Document, action string) ([]schemapolicy.Gate, error) {
	if document == nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("no policy found for project"),
			coreerrors.CategoryPolicyMissing,
			"policy_missing",
			"load or initialize a policy before listing gates",
			false,
		)
	}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionMerge:
		return append([]schemapolicy.Gate{}, document.Gates.MergeGates...), nil
	case ActionDeploy:
		return append([]schemapolicy.Gate{}, document.Gates.DeployGates...), nil
	default:
		return nil, coreerrors.Wrap(
			fmt.Errorf("unknown gate action: %s", action),
			coreerrors.CategoryInvalidInput,
			"gate_action_unknown",
			"use merge or deploy",
			false,
		)
	}
}

// Required filters the declared gate list for an action down to the gates
// marked required.
func Required(document *schemapolicy.Document, action string) ([]schemapolicy.Gate, error) {
	declared, err := Declared(document, action)
	if err != nil {
		return nil, err
	}
	required := make([]schemapolicy.Gate, 0, len(declared))
	for _, candidate := range declared {
		if candidate.Required {
			required = append(required, candidate)
		}
	}
	return required, nil
}

// Evaluate folds reported results over a gate list. Results are keyed by
// gate id; a missing or false entry fails that gate. Passed is true iff no
// gate failed, so an empty gate list passes vacuously.
func Evaluate(gates []schemapolicy.Gate, results map[string]bool) Evaluation {
	evaluation := Evaluation{
		TotalGates:  len(gates),
		PassedNames: []string{},
		FailedNames: []string{},
	}
	for _, candidate := range gates {
		if results[candidate.ID] {
			evaluation.PassedNames = append(evaluation.PassedNames, candidate.Name)
			continue
		}
		evaluation.FailedNames = append(evaluation.FailedNames, candidate.Name)
	}
	sort.Strings(evaluation.PassedNames)
	sort.Strings(evaluation.FailedNames)
	evaluation.Passed = len(evaluation.FailedNames) == 0
	return evaluation
}
