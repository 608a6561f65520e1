package policy

import (
	"time"

	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

// Default returns the conservative policy a project starts with before an
// operator writes one: agents cannot merge or deploy on their own, the
// repository is read-only outside a narrow write scope, and every gate that
// ships with the engine is required. The store hands this out lazily on
// first access without persisting it.
func Default(projectID string, now time.Time) schemapolicy.Document {
	return schemapolicy.Document{
		SchemaID:      schemapolicy.SchemaID,
		SchemaVersion: schemapolicy.SchemaVersion,
		ProjectID:     projectID,
		Version:       "1.0.0",
		Name:          "Default Policy",
		Description:   "Conservative starting policy: approval-gated merges, no agent deploys, read-only repository access.",
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
		Agents: schemapolicy.AgentPolicy{
			MergeToMain: schemapolicy.AgentPermission{
				Allowed:           false,
				RequireApproval:   true,
				AllowedAgentRoles: []string{},
				Approvers:         []string{},
			},
			DeployPermissions: map[string]schemapolicy.AgentPermission{
				"staging": {
					Allowed:           false,
					RequireApproval:   true,
					AllowedAgentRoles: []string{},
					Approvers:         []string{},
				},
				"production": {
					Allowed:           false,
					RequireApproval:   true,
					AllowedAgentRoles: []string{},
					Approvers:         []string{},
				},
			},
			MaxConcurrentRuns: 3,
		},
		Repositories: schemapolicy.RepositoryPolicy{
			DefaultAccess: schemapolicy.AccessReadOnly,
			WriteScopes: []schemapolicy.RepositoryWriteScope{
				{
					RepositoryPattern: "**",
					AllowedPaths:      []string{"docs/**", "src/**", "tests/**"},
					DeniedPaths:       []string{".github/**", "infra/**", "secrets/**"},
					AllowedAgentRoles: []string{"backend-worker", "frontend-worker"},
				},
			},
			AutoMergeBranches: []string{},
			BranchPattern:     "agent/**",
		},
		Deployment: schemapolicy.DeploymentPolicy{
			Environments: map[string]schemapolicy.EnvironmentPolicy{
				"staging": {
					Enabled:            true,
					AutoDeployAllowed:  false,
					RequiredGates:      []string{"build", "integration-test", "unit-test"},
					MaxBlastRadius:     1,
					DeploymentStrategy: "rolling",
				},
				"production": {
					Enabled:            false,
					AutoDeployAllowed:  false,
					RequiredGates:      []string{"build", "integration-test", "security-scan", "unit-test"},
					MaxBlastRadius:     0.25,
					DeploymentStrategy: "canary",
				},
			},
			ProgressiveDelivery: schemapolicy.ProgressiveDeliveryPolicy{
				CanarySteps:       []float64{5, 25, 50, 100},
				StepInterval:      300,
				EvaluationMetrics: []string{"error-rate", "latency-p99"},
			},
			Rollback: schemapolicy.RollbackPolicy{
				AutoRollback: true,
				Triggers: []schemapolicy.RollbackTrigger{
					{Metric: "error-rate", Condition: "gt", Threshold: 0.05, Window: 300},
				},
				RollbackTimeout: 600,
			},
		},
		Gates: schemapolicy.GatePolicy{
			MergeGates: []schemapolicy.Gate{
				{ID: "build", Name: "Build", GateType: schemapolicy.GateTypeBuild, Required: true},
				{ID: "unit-test", Name: "Unit Tests", GateType: schemapolicy.GateTypeUnitTest, Required: true},
				{ID: "static-analysis", Name: "Static Analysis", GateType: schemapolicy.GateTypeStaticAnalysis, Required: true},
				{ID: "secret-scan", Name: "Secret Scan", GateType: schemapolicy.GateTypeSecretScan, Required: true},
				{ID: "documentation", Name: "Documentation", GateType: schemapolicy.GateTypeDocumentation, Required: false},
			},
			DeployGates: []schemapolicy.Gate{
				{ID: "integration-test", Name: "Integration Tests", GateType: schemapolicy.GateTypeIntegrationTest, Required: true},
				{ID: "security-scan", Name: "Security Scan", GateType: schemapolicy.GateTypeSecurityScan, Required: true},
				{ID: "performance", Name: "Performance Baseline", GateType: schemapolicy.GateTypePerformance, Required: false},
			},
		},
		DataClassification: schemapolicy.DataClassificationPolicy{
			DefaultClassification: string(schemasafety.ClassificationInternal),
			ProviderRules: []schemapolicy.ProviderDataRule{
				{
					Provider:               "openai-api",
					AllowedClassifications: []string{string(schemasafety.ClassificationPublic)},
					DataRetentionDays:      30,
					EncryptionRequired:     true,
				},
				{
					Provider: "anthropic-api",
					AllowedClassifications: []string{
						string(schemasafety.ClassificationInternal),
						string(schemasafety.ClassificationPublic),
					},
					DataRetentionDays:  30,
					EncryptionRequired: true,
				},
				{
					Provider: "linear-api",
					AllowedClassifications: []string{
						string(schemasafety.ClassificationInternal),
						string(schemasafety.ClassificationPublic),
					},
					DataRetentionDays:  365,
					EncryptionRequired: true,
				},
				{
					Provider: "figma-api",
					AllowedClassifications: []string{
						string(schemasafety.ClassificationInternal),
						string(schemasafety.ClassificationPublic),
					},
					DataRetentionDays:  365,
					EncryptionRequired: true,
				},
			},
			RedactionPatterns: []schemapolicy.RedactionPattern{},
		},
		ToolPermissions: schemapolicy.ToolPermissionPolicy{
			DefaultPermissions: []schemapolicy.ToolPermission{
				{ToolID: "nebula.repository", Operations: []string{"read"}, ResourceScope: []string{"**"}},
			},
			RolePermissions: map[string][]schemapolicy.ToolPermission{
				"planner": {
					{ToolID: "nebula.repository", Operations: []string{"read"}, ResourceScope: []string{"**"}},
					{ToolID: "nebula.linear", Operations: []string{"read", "write"}, ResourceScope: []string{"**"}},
				},
				"frontend-worker": {
					{ToolID: "nebula.repository", Operations: []string{"read", "write"}, ResourceScope: []string{"public/**", "src/**"}},
					{ToolID: "nebula.figma", Operations: []string{"read"}, ResourceScope: []string{"**"}},
				},
				"backend-worker": {
					{ToolID: "nebula.repository", Operations: []string{"read", "write"}, ResourceScope: []string{"migrations/**", "src/**"}},
					{ToolID: "nebula.test", Operations: []string{"execute"}, ResourceScope: []string{"**"}},
				},
				"devops-worker": {
					{ToolID: "nebula.repository", Operations: []string{"read"}, ResourceScope: []string{"**"}},
					{ToolID: "nebula.deploy", Operations: []string{"execute"}, ResourceScope: []string{"staging"}},
				},
				"reviewer": {
					{ToolID: "nebula.repository", Operations: []string{"read"}, ResourceScope: []string{"**"}},
					{ToolID: "nebula.linear", Operations: []string{"read"}, ResourceScope: []string{"**"}},
				},
			},
		},
	}
}
