package policy

import "time"

const (
	SchemaID      = "warden.policy"
	SchemaVersion = "1.0.0"
)

// Document is the per-project governance policy. Exactly one document is
// active per project; updates replace it wholesale.
type Document struct {
	SchemaID           string                   `json:"schema_id,omitempty" yaml:"schema_id,omitempty"`
	SchemaVersion      string                   `json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	Version            string                   `json:"version" yaml:"version"`
	ProjectID          string                   `json:"project_id" yaml:"project_id"`
	Name               string                   `json:"name" yaml:"name"`
	Description        string                   `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt          time.Time                `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at" yaml:"updated_at"`
	Agents             AgentPolicy              `json:"agents" yaml:"agents"`
	Repositories       RepositoryPolicy         `json:"repositories" yaml:"repositories"`
	Deployment         DeploymentPolicy         `json:"deployment" yaml:"deployment"`
	Gates              GatePolicy               `json:"gates" yaml:"gates"`
	DataClassification DataClassificationPolicy `json:"data_classification" yaml:"data_classification"`
	ToolPermissions    ToolPermissionPolicy     `json:"tool_permissions" yaml:"tool_permissions"`
}

type AgentPolicy struct {
	MergeToMain       AgentPermission            `json:"merge_to_main" yaml:"merge_to_main"`
	DeployPermissions map[string]AgentPermission `json:"deploy_permissions" yaml:"deploy_permissions"`
	MaxConcurrentRuns int                        `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`
}

type AgentPermission struct {
	Allowed           bool     `json:"allowed" yaml:"allowed"`
	AllowedAgentRoles []string `json:"allowed_agent_roles" yaml:"allowed_agent_roles"`
	RequireApproval   bool     `json:"require_approval" yaml:"require_approval"`
	Approvers         []string `json:"approvers" yaml:"approvers"`
}

type RepositoryPolicy struct {
	DefaultAccess     string                 `json:"default_access" yaml:"default_access"`
	WriteScopes       []RepositoryWriteScope `json:"write_scopes" yaml:"write_scopes"`
	AutoMergeBranches []string               `json:"auto_merge_branches" yaml:"auto_merge_branches"`
	BranchPattern     string                 `json:"branch_pattern" yaml:"branch_pattern"`
}

type RepositoryWriteScope struct {
	RepositoryPattern string   `json:"repository_pattern" yaml:"repository_pattern"`
	AllowedPaths      []string `json:"allowed_paths" yaml:"allowed_paths"`
	DeniedPaths       []string `json:"denied_paths" yaml:"denied_paths"`
	AllowedAgentRoles []string `json:"allowed_agent_roles" yaml:"allowed_agent_roles"`
}

type DeploymentPolicy struct {
	Environments        map[string]EnvironmentPolicy `json:"environments" yaml:"environments"`
	ProgressiveDelivery ProgressiveDeliveryPolicy    `json:"progressive_delivery" yaml:"progressive_delivery"`
	Rollback            RollbackPolicy               `json:"rollback" yaml:"rollback"`
}

type EnvironmentPolicy struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	AutoDeployAllowed  bool     `json:"auto_deploy_allowed" yaml:"auto_deploy_allowed"`
	RequiredGates      []string `json:"required_gates" yaml:"required_gates"`
	MaxBlastRadius     float64  `json:"max_blast_radius" yaml:"max_blast_radius"`
	DeploymentStrategy string   `json:"deployment_strategy" yaml:"deployment_strategy"`
}

type ProgressiveDeliveryPolicy struct {
	CanarySteps       []float64 `json:"canary_steps" yaml:"canary_steps"`
	StepInterval      int64     `json:"step_interval" yaml:"step_interval"`
	EvaluationMetrics []string  `json:"evaluation_metrics" yaml:"evaluation_metrics"`
}

type RollbackPolicy struct {
	AutoRollback    bool              `json:"auto_rollback" yaml:"auto_rollback"`
	Triggers        []RollbackTrigger `json:"triggers" yaml:"triggers"`
	RollbackTimeout int64             `json:"rollback_timeout" yaml:"rollback_timeout"`
}

type RollbackTrigger struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Condition string  `json:"condition" yaml:"condition"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Window    int64   `json:"window" yaml:"window"`
}

type GatePolicy struct {
	MergeGates  []Gate `json:"merge_gates" yaml:"merge_gates"`
	DeployGates []Gate `json:"deploy_gates" yaml:"deploy_gates"`
}

// Gate declares a named check. Results are supplied externally at evaluation
// time and are never persisted on the declaration.
type Gate struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	GateType string         `json:"gate_type" yaml:"gate_type"`
	Required bool           `json:"required" yaml:"required"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type DataClassificationPolicy struct {
	DefaultClassification string             `json:"default_classification" yaml:"default_classification"`
	ProviderRules         []ProviderDataRule `json:"provider_rules" yaml:"provider_rules"`
	RedactionPatterns     []RedactionPattern `json:"redaction_patterns" yaml:"redaction_patterns"`
}

type ProviderDataRule struct {
	Provider               string   `json:"provider" yaml:"provider"`
	AllowedClassifications []string `json:"allowed_classifications" yaml:"allowed_classifications"`
	DataRetentionDays      int      `json:"data_retention_days" yaml:"data_retention_days"`
	EncryptionRequired     bool     `json:"encryption_required" yaml:"encryption_required"`
}

type RedactionPattern struct {
	Name        string `json:"name" yaml:"name"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement"`
}

type ToolPermissionPolicy struct {
	DefaultPermissions []ToolPermission            `json:"default_permissions" yaml:"default_permissions"`
	RolePermissions    map[string][]ToolPermission `json:"role_permissions" yaml:"role_permissions"`
}

type ToolPermission struct {
	ToolID        string   `json:"tool_id" yaml:"tool_id"`
	Operations    []string `json:"operations" yaml:"operations"`
	ResourceScope []string `json:"resource_scope" yaml:"resource_scope"`
}

const (
	GateTypeBuild           = "build"
	GateTypeUnitTest        = "unit-test"
	GateTypeIntegrationTest = "integration-test"
	GateTypeStaticAnalysis  = "static-analysis"
	GateTypeDependencyCheck = "dependency-check"
	GateTypeSecurityScan    = "security-scan"
	GateTypeSecretScan      = "secret-scan"
	GateTypeDocumentation   = "documentation"
	GateTypePerformance     = "performance"
	GateTypeCustom          = "custom"
)

// GateTypes lists the closed gate-type vocabulary.
func GateTypes() []string {
	return []string{
		GateTypeBuild,
		GateTypeUnitTest,
		GateTypeIntegrationTest,
		GateTypeStaticAnalysis,
		GateTypeDependencyCheck,
		GateTypeSecurityScan,
		GateTypeSecretScan,
		GateTypeDocumentation,
		GateTypePerformance,
		GateTypeCustom,
	}
}

const (
	AccessReadOnly  = "read-only"
	AccessReadWrite = "read-write"
	AccessNone      = "none"
)
