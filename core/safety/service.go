// Package safety composes scanning, redaction, and classification into the
// operations agent orchestration calls before and after tool execution.
// Verdicts are values; the only hard error is a tool id that cannot be
// parsed at all.
package safety

import (
	"fmt"
	"sort"
	"strings"
	"time"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	"github.com/nebula-ide/warden/core/redact"
	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

// Service owns one redaction engine and stamps its results.
type Service struct {
	engine          *redact.Engine
	clock           func() time.Time
	producerVersion string
}

// Option configures a Service.
type Option func(*Service)

// WithEngine supplies a pre-built redaction engine, usually one extended
// with policy-supplied rules.
func WithEngine(engine *redact.Engine) Option {
	return func(service *Service) {
		service.engine = engine
	}
}

// WithClock overrides the report-timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(service *Service) {
		service.clock = clock
	}
}

// WithProducerVersion stamps reports with the producing binary's version.
func WithProducerVersion(version string) Option {
	return func(service *Service) {
		service.producerVersion = version
	}
}

// NewService builds a safety service around the default redaction engine.
func NewService(options ...Option) *Service {
	service := &Service{clock: time.Now}
	for _, option := range options {
		option(service)
	}
	if service.engine == nil {
		service.engine = redact.NewEngine(redact.WithClock(service.clock))
	}
	return service
}

// ScanSecrets runs the detection pass over text.
func (s *Service) ScanSecrets(text string) schemasafety.ScanResult {
	return s.engine.Scan(text)
}

// Redact rewrites secret-shaped regions of text with replacement tokens.
func (s *Service) Redact(text string) string {
	return s.engine.Redact(text)
}

// AddRedactionRule registers an additional redaction rule at runtime.
func (s *Service) AddRedactionRule(rule redact.Rule) {
	s.engine.AddRule(rule)
}

// SplitToolID splits a tool id into its server and tool parts. A tool id
// that cannot be split is a hard error, distinct from any permission
// denial.
func SplitToolID(toolID string) (server, tool string, err error) {
	toolID = strings.TrimSpace(toolID)
	server, tool, found := strings.Cut(toolID, ".")
	if !found || server == "" || tool == "" {
		return "", "", coreerrors.Wrap(
			fmt.Errorf("malformed tool id: %q", toolID),
			coreerrors.CategoryMalformedTool,
			"tool_id_malformed",
			"tool ids take the form server.tool",
			false,
		)
	}
	return server, tool, nil
}

// ValidateToolCall inspects every string-valued parameter for injection
// and path-traversal markers. Parameters are reported, never rewritten:
// the caller decides whether to block the call.
func (s *Service) ValidateToolCall(toolID string, parameters map[string]any) (schemasafety.ToolCallValidation, error) {
	server, tool, err := SplitToolID(toolID)
	if err != nil {
		return schemasafety.ToolCallValidation{}, err
	}

	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	issues := []string{}
	for _, name := range names {
		value, ok := parameters[name].(string)
		if !ok {
			continue
		}
		if redact.ContainsInjection(value) {
			issues = append(issues, fmt.Sprintf("parameter %s may contain command injection", name))
		}
		if redact.ContainsTraversal(value) {
			issues = append(issues, fmt.Sprintf("parameter %s contains a path traversal sequence", name))
		}
	}

	return schemasafety.ToolCallValidation{
		ToolID: strings.TrimSpace(toolID),
		Server: server,
		Tool:   tool,
		Safe:   len(issues) == 0,
		Issues: issues,
	}, nil
}

// ValidateOutput checks agent output for a leaked system prompt and for
// secrets, and always returns a fully redacted copy so callers can log or
// display the redacted form unconditionally.
func (s *Service) ValidateOutput(output string) schemasafety.OutputValidation {
	issues := []string{}
	if strings.Contains(output, "You are") && strings.Contains(output, "agent hierarchy") {
		issues = append(issues, "output may contain a leaked system prompt")
	}
	scan := s.engine.Scan(output)
	if !scan.Clean {
		issues = append(issues, fmt.Sprintf("output contains %d potential secret(s)", len(scan.Findings)))
	}
	return schemasafety.OutputValidation{
		Safe:           len(issues) == 0,
		Issues:         issues,
		RedactedOutput: s.engine.Redact(output),
	}
}

// CheckClassification decides whether data may be sent to a provider. The
// declared tier must be in the provider's allowed set, and the content
// must not look more sensitive than declared.
func (s *Service) CheckClassification(
	data string,
	declared schemasafety.Classification,
	provider string,
	allowed []schemasafety.Classification,
) schemasafety.ClassificationCheck {
	check := schemasafety.ClassificationCheck{
		Declared: declared,
		Provider: provider,
	}

	permitted := false
	for _, candidate := range allowed {
		if candidate == declared {
			permitted = true
			break
		}
	}
	if !permitted {
		check.Allowed = false
		check.Reason = fmt.Sprintf(
			"declared classification %s is not allowed for provider %s", declared, provider)
		check.Recommendation = fmt.Sprintf(
			"use a provider approved for %s data or reclassify the payload", declared)
		return check
	}

	inferred := redact.Classify(data)
	check.Inferred = inferred
	if schemasafety.Rank(inferred) > schemasafety.Rank(declared) {
		check.Allowed = false
		check.Reason = fmt.Sprintf(
			"content appears to be %s but was declared %s", inferred, declared)
		check.Recommendation = fmt.Sprintf(
			"reclassify the data as %s before sending it to %s", inferred, provider)
		return check
	}

	check.Allowed = true
	check.Reason = fmt.Sprintf(
		"declared classification %s is allowed for provider %s", declared, provider)
	return check
}

// Report aggregates results for one evaluation window. Status is clean iff
// the sum of findings, issues, and violations across all four categories
// is zero.
func (s *Service) Report(
	scans []schemasafety.ScanResult,
	toolValidations []schemasafety.ToolCallValidation,
	outputValidations []schemasafety.OutputValidation,
	classificationChecks []schemasafety.ClassificationCheck,
) schemasafety.Report {
	report := schemasafety.Report{
		SchemaID:             schemasafety.ReportSchemaID,
		SchemaVersion:        schemasafety.ReportSchemaVersion,
		GeneratedAt:          s.clock().UTC(),
		ProducerVersion:      s.producerVersion,
		Scans:                scans,
		ToolValidations:      toolValidations,
		OutputValidations:    outputValidations,
		ClassificationChecks: classificationChecks,
	}
	for _, scan := range scans {
		report.SecretFindings += len(scan.Findings)
	}
	for _, validation := range toolValidations {
		report.ToolIssues += len(validation.Issues)
	}
	for _, validation := range outputValidations {
		report.OutputIssues += len(validation.Issues)
	}
	for _, check := range classificationChecks {
		if !check.Allowed {
			report.ClassificationViolations++
		}
	}
	total := report.SecretFindings + report.ToolIssues + report.OutputIssues + report.ClassificationViolations
	if total == 0 {
		report.Status = schemasafety.ReportStatusClean
	} else {
		report.Status = schemasafety.ReportStatusFindings
	}
	return report
}
