package audit

import (
	"time"

	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

// Summarize derives a run summary in a single pass over the run's events.
// Only event types with a summary counter contribute; everything else counts
// toward total_events alone.
func Summarize(events []schemaaudit.Event, startedAt, completedAt time.Time) schemaaudit.RunSummary {
	summary := schemaaudit.RunSummary{
		TotalEvents: len(events),
	}
	for _, event := range events {
		switch event.Type {
		case schemaaudit.EventAgentDecision:
			summary.AgentDecisions++
		case schemaaudit.EventToolCall:
			summary.ToolCalls++
		case schemaaudit.EventCodeWrite, schemaaudit.EventCodeCommit:
			summary.CodeChanges++
		case schemaaudit.EventTestStarted:
			summary.TestsRun++
		case schemaaudit.EventTestPassed:
			summary.TestsPassed++
		case schemaaudit.EventTestFailed:
			summary.TestsFailed++
		case schemaaudit.EventGatePassed:
			summary.GatesPassed++
		case schemaaudit.EventGateFailed:
			summary.GatesFailed++
		case schemaaudit.EventDeployCompleted:
			summary.DeploymentsCompleted++
		case schemaaudit.EventDocumentationWrite:
			summary.DocumentationUpdates++
		case schemaaudit.EventLinearIssueCreated, schemaaudit.EventLinearIssueUpdated:
			summary.LinearUpdates++
		}
	}
	if completedAt.After(startedAt) {
		summary.DurationMS = completedAt.Sub(startedAt).Milliseconds()
	}
	return summary
}
