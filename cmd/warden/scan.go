package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/nebula-ide/warden/core/safety"
	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

type scanOutput struct {
	OK       bool                   `json:"ok"`
	Clean    bool                   `json:"clean"`
	Findings []schemasafety.Finding `json:"findings,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type redactOutput struct {
	OK       bool   `json:"ok"`
	Redacted string `json:"redacted,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runScan(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Scan text for secret-shaped content and report findings with severities and redacted previews.")
	}
	flagSet := flag.NewFlagSet("scan", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var text string
	var inPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&text, "text", "", "text to scan")
	flagSet.StringVar(&inPath, "in", "", "file to scan, or - for stdin")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeScanOutput(jsonOutput, scanOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printScanUsage()
		return exitOK
	}

	input, err := readTextInput(text, inPath, flagSet.Args())
	if err != nil {
		return writeScanOutput(jsonOutput, scanOutput{Error: err.Error()}, exitInvalidInput)
	}

	service := safety.NewService(safety.WithProducerVersion(version))
	result := service.ScanSecrets(input)

	exitCode := exitOK
	if !result.Clean {
		exitCode = exitPolicyBlocked
	}
	return writeScanOutput(jsonOutput, scanOutput{
		OK:       true,
		Clean:    result.Clean,
		Findings: result.Findings,
	}, exitCode)
}

func runRedact(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Rewrite secret-shaped regions of text with replacement tokens and print the redacted copy.")
	}
	flagSet := flag.NewFlagSet("redact", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var text string
	var inPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&text, "text", "", "text to redact")
	flagSet.StringVar(&inPath, "in", "", "file to redact, or - for stdin")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRedactOutput(jsonOutput, redactOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printScanUsage()
		return exitOK
	}

	input, err := readTextInput(text, inPath, flagSet.Args())
	if err != nil {
		return writeRedactOutput(jsonOutput, redactOutput{Error: err.Error()}, exitInvalidInput)
	}

	service := safety.NewService(safety.WithProducerVersion(version))
	return writeRedactOutput(jsonOutput, redactOutput{
		OK:       true,
		Redacted: service.Redact(input),
	}, exitOK)
}

func writeScanOutput(jsonOutput bool, output scanOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		if output.Clean {
			fmt.Println("scan: clean")
			return exitCode
		}
		fmt.Printf("scan: %d finding(s)\n", len(output.Findings))
		for _, finding := range output.Findings {
			fmt.Printf("  %s [%s] line %d: %s\n", finding.Pattern, finding.Severity, finding.Line, finding.Preview)
		}
		return exitCode
	}
	fmt.Printf("scan error: %s\n", output.Error)
	return exitCode
}

func writeRedactOutput(jsonOutput bool, output redactOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Println(output.Redacted)
		return exitCode
	}
	fmt.Printf("redact error: %s\n", output.Error)
	return exitCode
}

func printScanUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden scan [--text <text>|--in <file>|-] [--json]")
	fmt.Println("  warden redact [--text <text>|--in <file>|-] [--json]")
}
