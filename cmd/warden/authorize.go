package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nebula-ide/warden/core/permission"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

type authorizeOutput struct {
	OK              bool     `json:"ok"`
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	Approvers       []string `json:"approvers,omitempty"`
	Project         string   `json:"project,omitempty"`
	Error           string   `json:"error,omitempty"`
}

func runAuthorize(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Evaluate a single authorization question against the project policy: tool capability, trunk merge, deploy, or auto-merge branch.")
	}
	if len(arguments) == 0 {
		printAuthorizeUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "tool", "merge", "deploy", "branch":
		return runAuthorizeQuestion(arguments[0], arguments[1:])
	default:
		printAuthorizeUsage()
		return exitInvalidInput
	}
}

func runAuthorizeQuestion(question string, arguments []string) int {
	flagSet := flag.NewFlagSet("authorize-"+question, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var role string
	var capability string
	var resource string
	var environment string
	var branch string
	var policyPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&role, "role", "", "agent role asking the question")
	flagSet.StringVar(&capability, "capability", "", "tool capability, e.g. nebula.repository")
	flagSet.StringVar(&resource, "resource", "", "resource the capability targets")
	flagSet.StringVar(&environment, "environment", "", "deployment environment")
	flagSet.StringVar(&branch, "branch", "", "branch name for auto-merge checks")
	flagSet.StringVar(&policyPath, "policy", "", "evaluate a policy file instead of the stored policy")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeAuthorizeOutput(jsonOutput, authorizeOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printAuthorizeUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeAuthorizeOutput(jsonOutput, authorizeOutput{Error: "unexpected positional arguments"}, exitInvalidInput)
	}

	switch question {
	case "tool":
		if strings.TrimSpace(capability) == "" {
			return writeAuthorizeOutput(jsonOutput, authorizeOutput{Error: "--capability is required"}, exitInvalidInput)
		}
	case "deploy":
		if strings.TrimSpace(environment) == "" {
			return writeAuthorizeOutput(jsonOutput, authorizeOutput{Error: "--environment is required"}, exitInvalidInput)
		}
	case "branch":
		if strings.TrimSpace(branch) == "" {
			return writeAuthorizeOutput(jsonOutput, authorizeOutput{Error: "--branch is required"}, exitInvalidInput)
		}
	}

	document, project, err := loadEvaluationPolicy(policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return writeAuthorizeOutput(jsonOutput, authorizeOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	var decision permission.Decision
	switch question {
	case "tool":
		decision = permission.Authorize(document, role, capability, resource)
	case "merge":
		decision = permission.CanMergeToTrunk(document, role)
	case "deploy":
		decision = permission.CanDeploy(document, role, environment)
	case "branch":
		decision = permission.AutoMergeAllowed(document, branch)
	}

	exitCode := exitOK
	if !decision.Allowed {
		exitCode = exitPolicyBlocked
	}
	return writeAuthorizeOutput(jsonOutput, authorizeOutput{
		OK:              true,
		Allowed:         decision.Allowed,
		Reason:          decision.Reason,
		RequireApproval: decision.RequireApproval,
		Approvers:       decision.Approvers,
		Project:         project,
	}, exitCode)
}

// loadEvaluationPolicy resolves the policy document an evaluation command
// runs against: an explicit --policy file wins, otherwise the stored policy
// for the project (which falls back to the documented default).
func loadEvaluationPolicy(policyPath, configPath string, disableConfig bool, statePath, project string) (*schemapolicy.Document, string, error) {
	if strings.TrimSpace(policyPath) != "" {
		document, err := loadPolicyFile(policyPath)
		if err != nil {
			return nil, "", err
		}
		return document, document.ProjectID, nil
	}

	state, err := openState(stateOptions{
		configPath:    configPath,
		disableConfig: disableConfig,
		statePath:     statePath,
		project:       project,
	})
	if err != nil {
		return nil, "", err
	}
	defer state.close()

	if err := state.requireProject(); err != nil {
		return nil, "", err
	}
	document, err := state.policies.Get(context.Background(), state.project)
	if err != nil {
		return nil, "", err
	}
	return &document, state.project, nil
}

func writeAuthorizeOutput(jsonOutput bool, output authorizeOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("authorize: allowed=%t reason=%q\n", output.Allowed, output.Reason)
		if output.RequireApproval {
			fmt.Printf("approval required; approvers: %s\n", strings.Join(output.Approvers, ", "))
		}
		return exitCode
	}
	fmt.Printf("authorize error: %s\n", output.Error)
	return exitCode
}

func printAuthorizeUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden authorize tool --role <role> --capability <cap> [--resource <res>] [--project <id>] [--policy <file>] [--state <db>] [--json]")
	fmt.Println("  warden authorize merge --role <role> [--project <id>] [--policy <file>] [--json]")
	fmt.Println("  warden authorize deploy --role <role> --environment <env> [--project <id>] [--policy <file>] [--json]")
	fmt.Println("  warden authorize branch --branch <name> [--project <id>] [--policy <file>] [--json]")
}
