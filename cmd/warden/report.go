package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nebula-ide/warden/core/fsx"
	"github.com/nebula-ide/warden/core/safety"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

type reportOutput struct {
	OK     bool                 `json:"ok"`
	Report *schemasafety.Report `json:"report,omitempty"`
	Path   string               `json:"path,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// runReport folds a run's recorded tool outputs and user content through the
// safety service and emits a signed-shape safety report.
func runReport(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Build a safety report for a run: every recorded tool output and user content field is scanned for secrets and validated.")
	}
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var runID string
	var outPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&runID, "run", "", "run to report on")
	flagSet.StringVar(&outPath, "out", "", "write the report JSON to this file")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeReportOutput(jsonOutput, reportOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printReportUsage()
		return exitOK
	}
	if strings.TrimSpace(runID) == "" {
		return writeReportOutput(jsonOutput, reportOutput{Error: "--run is required"}, exitInvalidInput)
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath, restoreLog: true})
	if err != nil {
		return writeReportOutput(jsonOutput, reportOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()

	run, err := state.log.GetRun(strings.TrimSpace(runID))
	if err != nil {
		return writeReportOutput(jsonOutput, reportOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	report := buildRunReport(run)
	if outPath != "" {
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return writeReportOutput(jsonOutput, reportOutput{Error: err.Error()}, exitInternalFailure)
		}
		if err := fsx.WriteFileAtomic(outPath, append(encoded, '\n'), 0o600); err != nil {
			return writeReportOutput(jsonOutput, reportOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
		}
	}

	exitCode := exitOK
	if report.Status != schemasafety.ReportStatusClean {
		exitCode = exitPolicyBlocked
	}
	return writeReportOutput(jsonOutput, reportOutput{OK: true, Report: &report, Path: outPath}, exitCode)
}

func buildRunReport(run schemaaudit.RunRecord) schemasafety.Report {
	service := safety.NewService(safety.WithProducerVersion(version))

	scans := []schemasafety.ScanResult{}
	outputValidations := []schemasafety.OutputValidation{}
	for _, event := range run.Events {
		switch payload := event.Payload.(type) {
		case schemaaudit.ToolPayload:
			if payload.Output == "" {
				continue
			}
			scans = append(scans, service.ScanSecrets(payload.Output))
			outputValidations = append(outputValidations, service.ValidateOutput(payload.Output))
		case schemaaudit.UserPayload:
			if payload.Content == "" {
				continue
			}
			scans = append(scans, service.ScanSecrets(payload.Content))
		}
	}
	return service.Report(scans, nil, outputValidations, nil)
}

func writeReportOutput(jsonOutput bool, output reportOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		report := output.Report
		fmt.Printf("safety report: %s\n", report.Status)
		fmt.Printf("  secret findings: %d\n", report.SecretFindings)
		fmt.Printf("  output issues: %d\n", report.OutputIssues)
		if output.Path != "" {
			fmt.Printf("  written to: %s\n", output.Path)
		}
		return exitCode
	}
	fmt.Printf("report error: %s\n", output.Error)
	return exitCode
}

func printReportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden report --run <id> [--out <file>] [--state <db>] [--json]")
}
