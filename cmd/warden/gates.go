package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nebula-ide/warden/core/gate"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

type gatesListOutput struct {
	OK      bool                `json:"ok"`
	Action  string              `json:"action,omitempty"`
	Gates   []schemapolicy.Gate `json:"gates,omitempty"`
	Project string              `json:"project,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type gatesEvalOutput struct {
	OK          bool     `json:"ok"`
	Action      string   `json:"action,omitempty"`
	Passed      bool     `json:"passed"`
	TotalGates  int      `json:"total_gates"`
	PassedNames []string `json:"passed_names,omitempty"`
	FailedNames []string `json:"failed_names,omitempty"`
	Project     string   `json:"project,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func runGates(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("List the gates a policy declares for merge or deploy, or fold reported check results over the required ones.")
	}
	if len(arguments) == 0 {
		printGatesUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "list":
		return runGatesList(arguments[1:])
	case "eval":
		return runGatesEval(arguments[1:])
	default:
		printGatesUsage()
		return exitInvalidInput
	}
}

func runGatesList(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("List every gate the policy declares for an action, required and optional alike.")
	}
	flagSet := flag.NewFlagSet("gates-list", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var action string
	var requiredOnly bool
	var policyPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&action, "action", "", "gated action: merge or deploy")
	flagSet.BoolVar(&requiredOnly, "required", false, "list only required gates")
	flagSet.StringVar(&policyPath, "policy", "", "evaluate a policy file instead of the stored policy")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeGatesListOutput(jsonOutput, gatesListOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printGatesUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeGatesListOutput(jsonOutput, gatesListOutput{Error: "unexpected positional arguments"}, exitInvalidInput)
	}

	document, resolvedProject, err := loadEvaluationPolicy(policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return writeGatesListOutput(jsonOutput, gatesListOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	var gates []schemapolicy.Gate
	if requiredOnly {
		gates, err = gate.Required(document, action)
	} else {
		gates, err = gate.Declared(document, action)
	}
	if err != nil {
		return writeGatesListOutput(jsonOutput, gatesListOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	return writeGatesListOutput(jsonOutput, gatesListOutput{
		OK:      true,
		Action:  strings.ToLower(strings.TrimSpace(action)),
		Gates:   gates,
		Project: resolvedProject,
	}, exitOK)
}

func runGatesEval(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Evaluate reported gate results against the required gates for an action; a gate with no reported result counts as failed.")
	}
	flagSet := flag.NewFlagSet("gates-eval", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var action string
	var resultsJSON string
	var passedCSV string
	var failedCSV string
	var policyPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&action, "action", "", "gated action: merge or deploy")
	flagSet.StringVar(&resultsJSON, "results", "", `gate results as JSON, e.g. {"build":true,"unit-test":false}`)
	flagSet.StringVar(&passedCSV, "passed", "", "comma-separated gate ids that passed")
	flagSet.StringVar(&failedCSV, "failed", "", "comma-separated gate ids that failed")
	flagSet.StringVar(&policyPath, "policy", "", "evaluate a policy file instead of the stored policy")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeGatesEvalOutput(jsonOutput, gatesEvalOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printGatesUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeGatesEvalOutput(jsonOutput, gatesEvalOutput{Error: "unexpected positional arguments"}, exitInvalidInput)
	}

	results, err := parseGateResults(resultsJSON, passedCSV, failedCSV)
	if err != nil {
		return writeGatesEvalOutput(jsonOutput, gatesEvalOutput{Error: err.Error()}, exitInvalidInput)
	}

	document, resolvedProject, err := loadEvaluationPolicy(policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return writeGatesEvalOutput(jsonOutput, gatesEvalOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	required, err := gate.Required(document, action)
	if err != nil {
		return writeGatesEvalOutput(jsonOutput, gatesEvalOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	evaluation := gate.Evaluate(required, results)

	exitCode := exitOK
	if !evaluation.Passed {
		exitCode = exitPolicyBlocked
	}
	return writeGatesEvalOutput(jsonOutput, gatesEvalOutput{
		OK:          true,
		Action:      strings.ToLower(strings.TrimSpace(action)),
		Passed:      evaluation.Passed,
		TotalGates:  evaluation.TotalGates,
		PassedNames: evaluation.PassedNames,
		FailedNames: evaluation.FailedNames,
		Project:     resolvedProject,
	}, exitCode)
}

// parseGateResults merges the three input forms into one result map keyed by
// gate id. --results JSON wins on conflicts; --failed beats --passed so a
// gate listed in both stays failed.
func parseGateResults(resultsJSON, passedCSV, failedCSV string) (map[string]bool, error) {
	results := map[string]bool{}
	for _, id := range parseCSV(passedCSV) {
		results[id] = true
	}
	for _, id := range parseCSV(failedCSV) {
		results[id] = false
	}
	if strings.TrimSpace(resultsJSON) != "" {
		parsed := map[string]bool{}
		if err := json.Unmarshal([]byte(resultsJSON), &parsed); err != nil {
			return nil, fmt.Errorf("parse --results json: %w", err)
		}
		for id, passed := range parsed {
			results[id] = passed
		}
	}
	return results, nil
}

func writeGatesListOutput(jsonOutput bool, output gatesListOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		for _, declared := range output.Gates {
			fmt.Printf("%s (%s) required=%t\n", declared.ID, declared.GateType, declared.Required)
		}
		return exitCode
	}
	fmt.Printf("gates list error: %s\n", output.Error)
	return exitCode
}

func writeGatesEvalOutput(jsonOutput bool, output gatesEvalOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("gates eval: passed=%t (%d gates)\n", output.Passed, output.TotalGates)
		if len(output.FailedNames) > 0 {
			fmt.Printf("failed: %s\n", strings.Join(output.FailedNames, ", "))
		}
		return exitCode
	}
	fmt.Printf("gates eval error: %s\n", output.Error)
	return exitCode
}

func printGatesUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden gates list --action merge|deploy [--required] [--project <id>] [--policy <file>] [--json]")
	fmt.Println("  warden gates eval --action merge|deploy [--results <json>] [--passed <csv>] [--failed <csv>] [--project <id>] [--policy <file>] [--json]")
}
