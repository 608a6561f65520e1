package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nebula-ide/warden/core/safety"
)

type validateToolCallOutput struct {
	OK     bool     `json:"ok"`
	ToolID string   `json:"tool_id,omitempty"`
	Server string   `json:"server,omitempty"`
	Tool   string   `json:"tool,omitempty"`
	Safe   bool     `json:"safe"`
	Issues []string `json:"issues,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type validateOutputOutput struct {
	OK       bool     `json:"ok"`
	Safe     bool     `json:"safe"`
	Issues   []string `json:"issues,omitempty"`
	Redacted string   `json:"redacted_output,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func runValidate(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Validate a tool call's parameters for injection and traversal markers, or an agent output for leaked prompts and secrets.")
	}
	if len(arguments) == 0 {
		printValidateUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "tool-call":
		return runValidateToolCall(arguments[1:])
	case "output":
		return runValidateOutput(arguments[1:])
	default:
		printValidateUsage()
		return exitInvalidInput
	}
}

func runValidateToolCall(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Split a server.tool id and inspect every string parameter for command injection and path traversal; parameters are reported, never rewritten.")
	}
	flagSet := flag.NewFlagSet("validate-tool-call", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var toolID string
	var paramsJSON string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&toolID, "tool", "", "tool id in server.tool form")
	flagSet.StringVar(&paramsJSON, "params", "", "call parameters as a JSON object")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeValidateToolCallOutput(jsonOutput, validateToolCallOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printValidateUsage()
		return exitOK
	}
	if strings.TrimSpace(toolID) == "" {
		return writeValidateToolCallOutput(jsonOutput, validateToolCallOutput{Error: "--tool is required"}, exitInvalidInput)
	}

	parameters := map[string]any{}
	if strings.TrimSpace(paramsJSON) != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &parameters); err != nil {
			return writeValidateToolCallOutput(jsonOutput, validateToolCallOutput{Error: fmt.Sprintf("parse --params json: %v", err)}, exitInvalidInput)
		}
	}

	service := safety.NewService(safety.WithProducerVersion(version))
	validation, err := service.ValidateToolCall(toolID, parameters)
	if err != nil {
		return writeValidateToolCallOutput(jsonOutput, validateToolCallOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	exitCode := exitOK
	if !validation.Safe {
		exitCode = exitPolicyBlocked
	}
	return writeValidateToolCallOutput(jsonOutput, validateToolCallOutput{
		OK:     true,
		ToolID: validation.ToolID,
		Server: validation.Server,
		Tool:   validation.Tool,
		Safe:   validation.Safe,
		Issues: validation.Issues,
	}, exitCode)
}

func runValidateOutput(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check agent output for leaked system prompts and secrets, and print a fully redacted copy either way.")
	}
	flagSet := flag.NewFlagSet("validate-output", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var text string
	var inPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&text, "text", "", "output text to validate")
	flagSet.StringVar(&inPath, "in", "", "file to validate, or - for stdin")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeValidateOutputOutput(jsonOutput, validateOutputOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printValidateUsage()
		return exitOK
	}

	input, err := readTextInput(text, inPath, flagSet.Args())
	if err != nil {
		return writeValidateOutputOutput(jsonOutput, validateOutputOutput{Error: err.Error()}, exitInvalidInput)
	}

	service := safety.NewService(safety.WithProducerVersion(version))
	validation := service.ValidateOutput(input)

	exitCode := exitOK
	if !validation.Safe {
		exitCode = exitPolicyBlocked
	}
	return writeValidateOutputOutput(jsonOutput, validateOutputOutput{
		OK:       true,
		Safe:     validation.Safe,
		Issues:   validation.Issues,
		Redacted: validation.RedactedOutput,
	}, exitCode)
}

func writeValidateToolCallOutput(jsonOutput bool, output validateToolCallOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("validate tool-call: safe=%t tool=%s\n", output.Safe, output.ToolID)
		for _, issue := range output.Issues {
			fmt.Printf("  issue: %s\n", issue)
		}
		return exitCode
	}
	fmt.Printf("validate tool-call error: %s\n", output.Error)
	return exitCode
}

func writeValidateOutputOutput(jsonOutput bool, output validateOutputOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("validate output: safe=%t\n", output.Safe)
		for _, issue := range output.Issues {
			fmt.Printf("  issue: %s\n", issue)
		}
		return exitCode
	}
	fmt.Printf("validate output error: %s\n", output.Error)
	return exitCode
}

func printValidateUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden validate tool-call --tool <server.tool> [--params <json>] [--json]")
	fmt.Println("  warden validate output [--text <text>|--in <file>|-] [--json]")
}
