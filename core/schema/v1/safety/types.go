package safety

import "time"

const (
	ReportSchemaID      = "warden.safety.report"
	ReportSchemaVersion = "1.0.0"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Classification is the data-sensitivity tier, ordered
// public < internal < confidential < regulated.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRegulated    Classification = "regulated"
)

var classificationRank = map[Classification]int{
	ClassificationPublic:       0,
	ClassificationInternal:     1,
	ClassificationConfidential: 2,
	ClassificationRegulated:    3,
}

// Rank places a classification on the total order. Unknown values rank
// highest so malformed input fails closed.
func Rank(classification Classification) int {
	rank, ok := classificationRank[classification]
	if !ok {
		return len(classificationRank)
	}
	return rank
}

// Valid reports whether the classification is one of the four tiers.
func Valid(classification Classification) bool {
	_, ok := classificationRank[classification]
	return ok
}

// Classifications lists the tiers from least to most sensitive.
func Classifications() []Classification {
	return []Classification{
		ClassificationPublic,
		ClassificationInternal,
		ClassificationConfidential,
		ClassificationRegulated,
	}
}

// Finding is one secret-pattern hit. Preview holds at most the first 20
// characters of the match so the finding cannot re-leak the secret.
type Finding struct {
	Pattern     string   `json:"pattern"`
	Severity    Severity `json:"severity"`
	Line        int      `json:"line"`
	Preview     string   `json:"preview"`
	Remediation string   `json:"remediation"`
}

type ScanResult struct {
	Clean     bool      `json:"clean"`
	Findings  []Finding `json:"findings"`
	ScannedAt time.Time `json:"scanned_at"`
}

type ToolCallValidation struct {
	ToolID string   `json:"tool_id"`
	Server string   `json:"server,omitempty"`
	Tool   string   `json:"tool,omitempty"`
	Safe   bool     `json:"safe"`
	Issues []string `json:"issues"`
}

type OutputValidation struct {
	Safe           bool     `json:"safe"`
	Issues         []string `json:"issues"`
	RedactedOutput string   `json:"redacted_output"`
}

type ClassificationCheck struct {
	Allowed        bool           `json:"allowed"`
	Declared       Classification `json:"declared"`
	Inferred       Classification `json:"inferred,omitempty"`
	Provider       string         `json:"provider"`
	Reason         string         `json:"reason"`
	Recommendation string         `json:"recommendation,omitempty"`
}

const (
	ReportStatusClean    = "clean"
	ReportStatusFindings = "findings"
)

// Report aggregates one evaluation window, typically one run. Status is
// clean iff every count is zero.
type Report struct {
	SchemaID                 string                `json:"schema_id"`
	SchemaVersion            string                `json:"schema_version"`
	GeneratedAt              time.Time             `json:"generated_at"`
	ProducerVersion          string                `json:"producer_version,omitempty"`
	Status                   string                `json:"status"`
	SecretFindings           int                   `json:"secret_findings"`
	ToolIssues               int                   `json:"tool_issues"`
	OutputIssues             int                   `json:"output_issues"`
	ClassificationViolations int                   `json:"classification_violations"`
	Scans                    []ScanResult          `json:"scans,omitempty"`
	ToolValidations          []ToolCallValidation  `json:"tool_validations,omitempty"`
	OutputValidations        []OutputValidation    `json:"output_validations,omitempty"`
	ClassificationChecks     []ClassificationCheck `json:"classification_checks,omitempty"`
}
