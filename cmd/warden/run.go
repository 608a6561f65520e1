package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nebula-ide/warden/core/audit"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

type runStartOutput struct {
	OK           bool   `json:"ok"`
	RunID        string `json:"run_id,omitempty"`
	Project      string `json:"project,omitempty"`
	WorkstreamID string `json:"workstream_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type runRecordOutput struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Type    string `json:"event_type,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Error   string `json:"error,omitempty"`
}

type runCompleteOutput struct {
	OK      bool                    `json:"ok"`
	RunID   string                  `json:"run_id,omitempty"`
	Status  string                  `json:"status,omitempty"`
	Summary *schemaaudit.RunSummary `json:"summary,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

type runShowOutput struct {
	OK    bool                   `json:"ok"`
	Run   *schemaaudit.RunRecord `json:"run,omitempty"`
	Error string                 `json:"error,omitempty"`
}

type runEventsOutput struct {
	OK     bool                `json:"ok"`
	Events []schemaaudit.Event `json:"events,omitempty"`
	Error  string              `json:"error,omitempty"`
}

type runListOutput struct {
	OK    bool                    `json:"ok"`
	Runs  []schemaaudit.RunRecord `json:"runs,omitempty"`
	Error string                  `json:"error,omitempty"`
}

func runRunCommand(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Start, record into, complete, and inspect audit runs; every event is stamped once and the append order is authoritative.")
	}
	if len(arguments) == 0 {
		printRunUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "start":
		return runRunStart(arguments[1:])
	case "record":
		return runRunRecord(arguments[1:])
	case "complete":
		return runRunComplete(arguments[1:])
	case "show":
		return runRunShow(arguments[1:])
	case "events":
		return runRunEvents(arguments[1:])
	case "list":
		return runRunList(arguments[1:])
	default:
		printRunUsage()
		return exitInvalidInput
	}
}

func runRunStart(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Create a run in status running and record its run.started marker in the project stream.")
	}
	flagSet := flag.NewFlagSet("run-start", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var workstream string
	var request string
	var statePath string
	var trailPath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the run belongs to")
	flagSet.StringVar(&workstream, "workstream", "", "workstream the run executes")
	flagSet.StringVar(&request, "request", "", "the user request that started the run")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&trailPath, "trail", "", "append events to this JSONL trail as well")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRunStartOutput(jsonOutput, runStartOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}

	state, err := openState(stateOptions{
		configPath:    configPath,
		disableConfig: disableConfig,
		statePath:     statePath,
		project:       project,
		trailPath:     trailPath,
		restoreLog:    true,
	})
	if err != nil {
		return writeRunStartOutput(jsonOutput, runStartOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()
	if err := state.requireProject(); err != nil {
		return writeRunStartOutput(jsonOutput, runStartOutput{Error: err.Error()}, exitInvalidInput)
	}

	run, err := state.log.StartRun(context.Background(), state.project, strings.TrimSpace(workstream), request)
	if err != nil {
		return writeRunStartOutput(jsonOutput, runStartOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writeRunStartOutput(jsonOutput, runStartOutput{
		OK:           true,
		RunID:        run.ID,
		Project:      run.ProjectID,
		WorkstreamID: run.WorkstreamID,
	}, exitOK)
}

func runRunRecord(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Stamp and append one audit event; the payload is a JSON object whose shape the event type dictates.")
	}
	flagSet := flag.NewFlagSet("run-record", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var runID string
	var workstream string
	var eventType string
	var payloadJSON string
	var actorType string
	var actorID string
	var actorRole string
	var actorName string
	var parentEventID string
	var spanID string
	var traceID string
	var statePath string
	var trailPath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project the event belongs to")
	flagSet.StringVar(&runID, "run", "", "run the event attaches to")
	flagSet.StringVar(&workstream, "workstream", "", "workstream the event belongs to")
	flagSet.StringVar(&eventType, "type", "", "event type, e.g. tool.call or agent.decision")
	flagSet.StringVar(&payloadJSON, "payload", "", "payload fields as a JSON object")
	flagSet.StringVar(&actorType, "actor-type", "", "actor type: user or agent (default agent)")
	flagSet.StringVar(&actorID, "actor-id", "", "acting user or agent id")
	flagSet.StringVar(&actorRole, "actor-role", "", "acting agent role")
	flagSet.StringVar(&actorName, "actor-name", "", "acting user or agent display name")
	flagSet.StringVar(&parentEventID, "parent", "", "event this one corrects or follows")
	flagSet.StringVar(&spanID, "span", "", "tracing span id")
	flagSet.StringVar(&traceID, "trace", "", "tracing trace id")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&trailPath, "trail", "", "append events to this JSONL trail as well")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRunRecordOutput(jsonOutput, runRecordOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}

	payload, err := decodeEventPayload(eventType, payloadJSON)
	if err != nil {
		return writeRunRecordOutput(jsonOutput, runRecordOutput{Error: err.Error()}, exitInvalidInput)
	}

	state, err := openState(stateOptions{
		configPath:    configPath,
		disableConfig: disableConfig,
		statePath:     statePath,
		project:       project,
		trailPath:     trailPath,
		restoreLog:    true,
	})
	if err != nil {
		return writeRunRecordOutput(jsonOutput, runRecordOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()
	if err := state.requireProject(); err != nil {
		return writeRunRecordOutput(jsonOutput, runRecordOutput{Error: err.Error()}, exitInvalidInput)
	}

	event, err := state.log.Record(context.Background(), audit.Draft{
		RunID:         strings.TrimSpace(runID),
		WorkstreamID:  strings.TrimSpace(workstream),
		ProjectID:     state.project,
		Type:          schemaaudit.EventType(strings.TrimSpace(eventType)),
		Actor:         state.actor(actorType, actorID, actorRole, actorName),
		Payload:       payload,
		ParentEventID: strings.TrimSpace(parentEventID),
		SpanID:        strings.TrimSpace(spanID),
		TraceID:       strings.TrimSpace(traceID),
	})
	if err != nil {
		return writeRunRecordOutput(jsonOutput, runRecordOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writeRunRecordOutput(jsonOutput, runRecordOutput{
		OK:      true,
		EventID: event.ID,
		RunID:   event.RunID,
		Type:    string(event.Type),
		Digest:  event.Digest,
	}, exitOK)
}

func runRunComplete(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Complete a run exactly once: stamp the completion time, flip the status, and derive the summary from the run's events.")
	}
	flagSet := flag.NewFlagSet("run-complete", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var runID string
	var failed bool
	var statePath string
	var trailPath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&runID, "run", "", "run to complete")
	flagSet.BoolVar(&failed, "failed", false, "mark the run failed instead of completed")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&trailPath, "trail", "", "append events to this JSONL trail as well")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRunCompleteOutput(jsonOutput, runCompleteOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}
	if strings.TrimSpace(runID) == "" {
		return writeRunCompleteOutput(jsonOutput, runCompleteOutput{Error: "--run is required"}, exitInvalidInput)
	}

	state, err := openState(stateOptions{
		configPath:    configPath,
		disableConfig: disableConfig,
		statePath:     statePath,
		trailPath:     trailPath,
		restoreLog:    true,
	})
	if err != nil {
		return writeRunCompleteOutput(jsonOutput, runCompleteOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()

	if err := state.log.CompleteRun(context.Background(), strings.TrimSpace(runID), !failed); err != nil {
		return writeRunCompleteOutput(jsonOutput, runCompleteOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	run, err := state.log.GetRun(strings.TrimSpace(runID))
	if err != nil {
		return writeRunCompleteOutput(jsonOutput, runCompleteOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writeRunCompleteOutput(jsonOutput, runCompleteOutput{
		OK:      true,
		RunID:   run.ID,
		Status:  string(run.Status),
		Summary: run.Summary,
	}, exitOK)
}

func runRunShow(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Print one run with its events and, once completed, its derived summary.")
	}
	flagSet := flag.NewFlagSet("run-show", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var runID string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&runID, "run", "", "run to show")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRunShowOutput(jsonOutput, runShowOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}
	if strings.TrimSpace(runID) == "" {
		return writeRunShowOutput(jsonOutput, runShowOutput{Error: "--run is required"}, exitInvalidInput)
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath, restoreLog: true})
	if err != nil {
		return writeRunShowOutput(jsonOutput, runShowOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()

	run, err := state.log.GetRun(strings.TrimSpace(runID))
	if err != nil {
		return writeRunShowOutput(jsonOutput, runShowOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	return writeRunShowOutput(jsonOutput, runShowOutput{OK: true, Run: &run}, exitOK)
}

func runRunEvents(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Print a project's recent audit events, newest first.")
	}
	flagSet := flag.NewFlagSet("run-events", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var limit int
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project whose events to list")
	flagSet.IntVar(&limit, "limit", 0, "maximum events to return (default 100)")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRunEventsOutput(jsonOutput, runEventsOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath, project: project, restoreLog: true})
	if err != nil {
		return writeRunEventsOutput(jsonOutput, runEventsOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()
	if err := state.requireProject(); err != nil {
		return writeRunEventsOutput(jsonOutput, runEventsOutput{Error: err.Error()}, exitInvalidInput)
	}

	events := state.log.RecentProjectEvents(state.project, limit)
	return writeRunEventsOutput(jsonOutput, runEventsOutput{OK: true, Events: events}, exitOK)
}

func runRunList(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("List a project's runs ordered by start time.")
	}
	flagSet := flag.NewFlagSet("run-list", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var project string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&project, "project", "", "project whose runs to list")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRunListOutput(jsonOutput, runListOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printRunUsage()
		return exitOK
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath, project: project, restoreLog: true})
	if err != nil {
		return writeRunListOutput(jsonOutput, runListOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()
	if err := state.requireProject(); err != nil {
		return writeRunListOutput(jsonOutput, runListOutput{Error: err.Error()}, exitInvalidInput)
	}

	runs := state.log.ProjectRuns(state.project)
	return writeRunListOutput(jsonOutput, runListOutput{OK: true, Runs: runs}, exitOK)
}

// decodeEventPayload parses the --payload JSON into the payload shape the
// event type requires, injecting the kind discriminator from the type.
func decodeEventPayload(eventType, payloadJSON string) (schemaaudit.Payload, error) {
	trimmedType := schemaaudit.EventType(strings.TrimSpace(eventType))
	if trimmedType == "" {
		return nil, fmt.Errorf("--type is required")
	}
	kind, known := schemaaudit.PayloadKindFor(trimmedType)
	if !known {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	fields := map[string]any{}
	if strings.TrimSpace(payloadJSON) != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
			return nil, fmt.Errorf("parse --payload json: %w", err)
		}
	}
	fields["kind"] = string(kind)
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return schemaaudit.UnmarshalPayload(raw)
}

func writeRunStartOutput(jsonOutput bool, output runStartOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("run started: %s\n", output.RunID)
		return exitCode
	}
	fmt.Printf("run start error: %s\n", output.Error)
	return exitCode
}

func writeRunRecordOutput(jsonOutput bool, output runRecordOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("event recorded: %s type=%s\n", output.EventID, output.Type)
		return exitCode
	}
	fmt.Printf("run record error: %s\n", output.Error)
	return exitCode
}

func writeRunCompleteOutput(jsonOutput bool, output runCompleteOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("run %s: status=%s\n", output.RunID, output.Status)
		if output.Summary != nil {
			fmt.Printf("summary: %d events, %d tool calls, %d/%d tests passed, duration %dms\n",
				output.Summary.TotalEvents, output.Summary.ToolCalls,
				output.Summary.TestsPassed, output.Summary.TestsRun, output.Summary.DurationMS)
		}
		return exitCode
	}
	fmt.Printf("run complete error: %s\n", output.Error)
	return exitCode
}

func writeRunShowOutput(jsonOutput bool, output runShowOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		run := output.Run
		fmt.Printf("run %s: project=%s status=%s events=%d\n", run.ID, run.ProjectID, run.Status, len(run.Events))
		for _, event := range run.Events {
			fmt.Printf("  %s %s %s\n", event.Timestamp.Format("2006-01-02T15:04:05Z"), event.Type, event.ID)
		}
		return exitCode
	}
	fmt.Printf("run show error: %s\n", output.Error)
	return exitCode
}

func writeRunEventsOutput(jsonOutput bool, output runEventsOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		for _, event := range output.Events {
			fmt.Printf("%s %s run=%s %s\n", event.Timestamp.Format("2006-01-02T15:04:05Z"), event.Type, event.RunID, event.ID)
		}
		return exitCode
	}
	fmt.Printf("run events error: %s\n", output.Error)
	return exitCode
}

func writeRunListOutput(jsonOutput bool, output runListOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		for _, run := range output.Runs {
			fmt.Printf("%s %s status=%s events=%d\n", run.StartedAt.Format("2006-01-02T15:04:05Z"), run.ID, run.Status, len(run.Events))
		}
		return exitCode
	}
	fmt.Printf("run list error: %s\n", output.Error)
	return exitCode
}

func printRunUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden run start [--project <id>] [--workstream <id>] [--request <text>] [--json]")
	fmt.Println("  warden run record --type <event.type> [--run <id>] [--payload <json>] [--actor-id <id>] [--actor-role <role>] [--json]")
	fmt.Println("  warden run complete --run <id> [--failed] [--json]")
	fmt.Println("  warden run show --run <id> [--json]")
	fmt.Println("  warden run events [--project <id>] [--limit <n>] [--json]")
	fmt.Println("  warden run list [--project <id>] [--json]")
}
