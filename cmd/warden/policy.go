package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nebula-ide/warden/core/fsx"
	"github.com/nebula-ide/warden/core/policy"
	"github.com/nebula-ide/warden/core/policytest"
	"github.com/nebula-ide/warden/core/projectconfig"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

type policyInitOutput struct {
	OK      bool   `json:"ok"`
	Project string `json:"project,omitempty"`
	Path    string `json:"path,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Error   string `json:"error,omitempty"`
}

type policyShowOutput struct {
	OK       bool                   `json:"ok"`
	Project  string                 `json:"project,omitempty"`
	Document *schemapolicy.Document `json:"document,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type policySetOutput struct {
	OK      bool   `json:"ok"`
	Project string `json:"project,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Error   string `json:"error,omitempty"`
}

type policyDigestOutput struct {
	OK      bool   `json:"ok"`
	Project string `json:"project,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Error   string `json:"error,omitempty"`
}

type policyTestOutput struct {
	OK     bool               `json:"ok"`
	Result *policytest.Result `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func runPolicy(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Author, inspect, install, digest, and regression-test the per-project policy document.")
	}
	if len(arguments) == 0 {
		printPolicyUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "init":
		return runPolicyInit(arguments[1:])
	case "show":
		return runPolicyShow(arguments[1:])
	case "set":
		return runPolicySet(arguments[1:])
	case "digest":
		return runPolicyDigest(arguments[1:])
	case "test":
		return runPolicyTest(arguments[1:])
	default:
		printPolicyUsage()
		return exitInvalidInput
	}
}

func runPolicyInit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Write the conservative starter policy for a project to a file, as YAML for authoring or JSON for persistence.")
	}
	flagSet := flag.NewFlagSet("policy-init", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var outPath string
	var format string
	var force bool
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&outPath, "out", "", "destination file (extension does not change the format)")
	flagSet.StringVar(&format, "format", "yaml", "output format: yaml or json")
	flagSet.BoolVar(&force, "force", false, "overwrite an existing file")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printPolicyUsage()
		return exitOK
	}

	project = strings.TrimSpace(project)
	if project == "" && !disableConfig {
		project = configProject(configPath)
	}
	if project == "" {
		return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: "project id is required (--project or .warden/config.yaml)"}, exitInvalidInput)
	}
	outPath = strings.TrimSpace(outPath)
	if outPath == "" {
		return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: "--out is required"}, exitInvalidInput)
	}
	if !force {
		if _, err := os.Stat(outPath); err == nil {
			return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: fmt.Sprintf("destination already exists (use --force): %s", outPath)}, exitInvalidInput)
		}
	}

	document, err := policy.Normalize(policy.Default(project, time.Now().UTC()))
	if err != nil {
		return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	digest, err := policy.Digest(document)
	if err != nil {
		return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		encoded, err := policy.EncodeDocumentYAML(document)
		if err != nil {
			return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: err.Error()}, exitInternalFailure)
		}
		if err := fsx.WriteFileAtomic(outPath, encoded, 0o600); err != nil {
			return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: err.Error()}, exitInternalFailure)
		}
	case "json":
		if err := policy.WriteDocumentFile(outPath, document); err != nil {
			return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
		}
	default:
		return writePolicyInitOutput(jsonOutput, policyInitOutput{Error: fmt.Sprintf("unsupported --format %q (expected yaml or json)", format)}, exitInvalidInput)
	}

	return writePolicyInitOutput(jsonOutput, policyInitOutput{
		OK:      true,
		Project: project,
		Path:    outPath,
		Digest:  digest,
	}, exitOK)
}

func runPolicyShow(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Print the active policy for a project; a project with no stored policy shows the documented default.")
	}
	flagSet := flag.NewFlagSet("policy-show", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var format string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&format, "format", "json", "text output format: json or yaml")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyShowOutput(jsonOutput, format, policyShowOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printPolicyUsage()
		return exitOK
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath, project: project})
	if err != nil {
		return writePolicyShowOutput(jsonOutput, format, policyShowOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	defer state.close()
	if err := state.requireProject(); err != nil {
		return writePolicyShowOutput(jsonOutput, format, policyShowOutput{Error: err.Error()}, exitInvalidInput)
	}

	document, err := state.policies.Get(context.Background(), state.project)
	if err != nil {
		return writePolicyShowOutput(jsonOutput, format, policyShowOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writePolicyShowOutput(jsonOutput, format, policyShowOutput{
		OK:       true,
		Project:  state.project,
		Document: &document,
	}, exitOK)
}

func runPolicySet(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Validate a policy file and install it as the active policy for its project, replacing the previous document wholesale.")
	}
	flagSet := flag.NewFlagSet("policy-set", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var filePath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&filePath, "file", "", "policy document to install (.yaml/.yml parse as YAML, anything else as JSON)")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicySetOutput(jsonOutput, policySetOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printPolicyUsage()
		return exitOK
	}
	if strings.TrimSpace(filePath) == "" {
		return writePolicySetOutput(jsonOutput, policySetOutput{Error: "--file is required"}, exitInvalidInput)
	}

	document, err := policy.LoadDocumentFile(filePath)
	if err != nil {
		return writePolicySetOutput(jsonOutput, policySetOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath})
	if err != nil {
		return writePolicySetOutput(jsonOutput, policySetOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	defer state.close()

	installed, err := state.policies.Set(context.Background(), document)
	if err != nil {
		return writePolicySetOutput(jsonOutput, policySetOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	digest, err := policy.Digest(installed)
	if err != nil {
		return writePolicySetOutput(jsonOutput, policySetOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writePolicySetOutput(jsonOutput, policySetOutput{
		OK:      true,
		Project: installed.ProjectID,
		Digest:  digest,
	}, exitOK)
}

func runPolicyDigest(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Print the canonical sha256 digest of a policy; two documents that normalize identically share a digest.")
	}
	flagSet := flag.NewFlagSet("policy-digest", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var policyPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&policyPath, "policy", "", "digest a policy file instead of the stored policy")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyDigestOutput(jsonOutput, policyDigestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printPolicyUsage()
		return exitOK
	}

	document, resolvedProject, err := loadEvaluationPolicy(policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return writePolicyDigestOutput(jsonOutput, policyDigestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	digest, err := policy.Digest(*document)
	if err != nil {
		return writePolicyDigestOutput(jsonOutput, policyDigestOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writePolicyDigestOutput(jsonOutput, policyDigestOutput{
		OK:      true,
		Project: resolvedProject,
		Digest:  digest,
	}, exitOK)
}

func runPolicyTest(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Run an authored regression suite of expected allow/deny outcomes against a policy and report every mismatch.")
	}
	flagSet := flag.NewFlagSet("policy-test", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var suitePath string
	var project string
	var policyPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&suitePath, "suite", "", "path to the regression suite yaml")
	flagSet.StringVar(&project, "project", "", "project the policy belongs to")
	flagSet.StringVar(&policyPath, "policy", "", "test a policy file instead of the stored policy")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writePolicyTestOutput(jsonOutput, policyTestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printPolicyUsage()
		return exitOK
	}
	if strings.TrimSpace(suitePath) == "" {
		return writePolicyTestOutput(jsonOutput, policyTestOutput{Error: "--suite is required"}, exitInvalidInput)
	}

	suite, err := policytest.LoadSuiteFile(suitePath)
	if err != nil {
		return writePolicyTestOutput(jsonOutput, policyTestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	document, _, err := loadEvaluationPolicy(policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return writePolicyTestOutput(jsonOutput, policyTestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	result, err := policytest.Run(document, suite, policytest.RunOptions{ProducerVersion: version})
	if err != nil {
		return writePolicyTestOutput(jsonOutput, policyTestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	exitCode := exitOK
	if !result.OK() {
		exitCode = exitPolicyBlocked
	}
	return writePolicyTestOutput(jsonOutput, policyTestOutput{OK: result.OK(), Result: &result}, exitCode)
}

func loadPolicyFile(path string) (*schemapolicy.Document, error) {
	document, err := policy.LoadDocumentFile(path)
	if err != nil {
		return nil, err
	}
	return &document, nil
}

// configProject reads just the project id from the defaults file, for
// commands that do not otherwise open state.
func configProject(configPath string) string {
	if strings.TrimSpace(configPath) == "" {
		configPath = projectconfig.DefaultPath
	}
	configuration, err := projectconfig.Load(configPath, isDefaultProjectConfigPath(configPath))
	if err != nil {
		return ""
	}
	return configuration.Project
}

func writePolicyInitOutput(jsonOutput bool, output policyInitOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("policy init ok: project=%s path=%s digest=%s\n", output.Project, output.Path, output.Digest)
		return exitCode
	}
	fmt.Printf("policy init error: %s\n", output.Error)
	return exitCode
}

func writePolicyShowOutput(jsonOutput bool, format string, output policyShowOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		var encoded []byte
		var err error
		switch strings.ToLower(strings.TrimSpace(format)) {
		case "yaml", "yml":
			encoded, err = policy.EncodeDocumentYAML(*output.Document)
		default:
			encoded, err = policy.EncodeDocumentJSON(*output.Document)
		}
		if err != nil {
			fmt.Printf("policy show error: %v\n", err)
			return exitInternalFailure
		}
		fmt.Print(string(encoded))
		return exitCode
	}
	fmt.Printf("policy show error: %s\n", output.Error)
	return exitCode
}

func writePolicySetOutput(jsonOutput bool, output policySetOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("policy set ok: project=%s digest=%s\n", output.Project, output.Digest)
		return exitCode
	}
	fmt.Printf("policy set error: %s\n", output.Error)
	return exitCode
}

func writePolicyDigestOutput(jsonOutput bool, output policyDigestOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Println(output.Digest)
		return exitCode
	}
	fmt.Printf("policy digest error: %s\n", output.Error)
	return exitCode
}

func writePolicyTestOutput(jsonOutput bool, output policyTestOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Result != nil {
		fmt.Printf("policy test: %d/%d passed\n", output.Result.Passed, output.Result.Total)
		for _, check := range output.Result.Checks {
			if check.Passed {
				continue
			}
			fmt.Printf("  fail: %s expected=%t actual=%t reason=%q\n", check.Name, check.Expected, check.Actual, check.Reason)
		}
		return exitCode
	}
	fmt.Printf("policy test error: %s\n", output.Error)
	return exitCode
}

func printPolicyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden policy init --project <id> --out <file> [--format yaml|json] [--force] [--json]")
	fmt.Println("  warden policy show [--project <id>] [--format json|yaml] [--state <db>] [--json]")
	fmt.Println("  warden policy set --file <policy.yaml|policy.json> [--state <db>] [--json]")
	fmt.Println("  warden policy digest [--project <id>] [--policy <file>] [--state <db>] [--json]")
	fmt.Println("  warden policy test --suite <suite.yaml> [--project <id>] [--policy <file>] [--json]")
}
