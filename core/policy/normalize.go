package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

const fallbackReplacement = "***REDACTED***"

var allowedAccessModes = map[string]struct{}{
	schemapolicy.AccessReadOnly:  {},
	schemapolicy.AccessReadWrite: {},
	schemapolicy.AccessNone:      {},
}

var allowedGateTypes = func() map[string]struct{} {
	out := make(map[string]struct{})
	for _, gateType := range schemapolicy.GateTypes() {
		out[gateType] = struct{}{}
	}
	return out
}()

// Normalize trims, lowercases, sorts, and defaults a policy document, and
// rejects values outside the closed vocabularies. The result is the
// canonical form all evaluation and digesting runs against.
func Normalize(input schemapolicy.Document) (schemapolicy.Document, error) {
	output := input

	if output.SchemaID == "" {
		output.SchemaID = schemapolicy.SchemaID
	}
	if output.SchemaID != schemapolicy.SchemaID {
		return schemapolicy.Document{}, fmt.Errorf("unsupported policy schema_id: %s", output.SchemaID)
	}
	if output.SchemaVersion == "" {
		output.SchemaVersion = schemapolicy.SchemaVersion
	}
	if output.SchemaVersion != schemapolicy.SchemaVersion {
		return schemapolicy.Document{}, fmt.Errorf("unsupported policy schema_version: %s", output.SchemaVersion)
	}

	output.ProjectID = strings.TrimSpace(output.ProjectID)
	if output.ProjectID == "" {
		return schemapolicy.Document{}, fmt.Errorf("policy project_id is required")
	}
	output.Version = strings.TrimSpace(output.Version)
	if output.Version == "" {
		output.Version = "1.0.0"
	}
	output.Name = strings.TrimSpace(output.Name)
	if output.Name == "" {
		output.Name = output.ProjectID
	}
	output.Description = strings.TrimSpace(output.Description)

	agents, err := normalizeAgents(output.Agents)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	output.Agents = agents

	repositories, err := normalizeRepositories(output.Repositories)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	output.Repositories = repositories

	deployment, err := normalizeDeployment(output.Deployment)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	output.Deployment = deployment

	mergeGates, err := normalizeGateList("merge", output.Gates.MergeGates)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	deployGates, err := normalizeGateList("deploy", output.Gates.DeployGates)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	output.Gates = schemapolicy.GatePolicy{MergeGates: mergeGates, DeployGates: deployGates}

	classification, err := normalizeDataClassification(output.DataClassification)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	output.DataClassification = classification

	permissions, err := normalizeToolPermissions(output.ToolPermissions)
	if err != nil {
		return schemapolicy.Document{}, err
	}
	output.ToolPermissions = permissions

	return output, nil
}

func normalizeAgents(input schemapolicy.AgentPolicy) (schemapolicy.AgentPolicy, error) {
	output := input
	output.MergeToMain = normalizeAgentPermission(output.MergeToMain)
	deploy := make(map[string]schemapolicy.AgentPermission, len(output.DeployPermissions))
	for environment, permission := range output.DeployPermissions {
		key := strings.ToLower(strings.TrimSpace(environment))
		if key == "" {
			continue
		}
		deploy[key] = normalizeAgentPermission(permission)
	}
	output.DeployPermissions = deploy
	if output.MaxConcurrentRuns < 0 {
		return schemapolicy.AgentPolicy{}, fmt.Errorf("max_concurrent_runs must be >= 0")
	}
	if output.MaxConcurrentRuns == 0 {
		output.MaxConcurrentRuns = 1
	}
	return output, nil
}

func normalizeAgentPermission(input schemapolicy.AgentPermission) schemapolicy.AgentPermission {
	output := input
	output.AllowedAgentRoles = normalizeStringListLower(output.AllowedAgentRoles)
	output.Approvers = normalizeStringList(output.Approvers)
	return output
}

func normalizeRepositories(input schemapolicy.RepositoryPolicy) (schemapolicy.RepositoryPolicy, error) {
	output := input
	output.DefaultAccess = strings.ToLower(strings.TrimSpace(output.DefaultAccess))
	if output.DefaultAccess == "" {
		output.DefaultAccess = schemapolicy.AccessReadOnly
	}
	if _, ok := allowedAccessModes[output.DefaultAccess]; !ok {
		return schemapolicy.RepositoryPolicy{}, fmt.Errorf("invalid repository default_access: %s", output.DefaultAccess)
	}

	output.WriteScopes = append([]schemapolicy.RepositoryWriteScope{}, output.WriteScopes...)
	for index := range output.WriteScopes {
		scope := &output.WriteScopes[index]
		scope.RepositoryPattern = strings.TrimSpace(scope.RepositoryPattern)
		if scope.RepositoryPattern == "" {
			return schemapolicy.RepositoryPolicy{}, fmt.Errorf("write scope repository_pattern is required")
		}
		scope.AllowedPaths = normalizeStringList(scope.AllowedPaths)
		scope.DeniedPaths = normalizeStringList(scope.DeniedPaths)
		scope.AllowedAgentRoles = normalizeStringListLower(scope.AllowedAgentRoles)
	}

	output.AutoMergeBranches = normalizeStringList(output.AutoMergeBranches)
	output.BranchPattern = strings.TrimSpace(output.BranchPattern)
	return output, nil
}

func normalizeDeployment(input schemapolicy.DeploymentPolicy) (schemapolicy.DeploymentPolicy, error) {
	output := input

	environments := make(map[string]schemapolicy.EnvironmentPolicy, len(output.Environments))
	for name, environment := range output.Environments {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		environment.RequiredGates = normalizeStringListLower(environment.RequiredGates)
		environment.DeploymentStrategy = strings.ToLower(strings.TrimSpace(environment.DeploymentStrategy))
		if environment.DeploymentStrategy == "" {
			environment.DeploymentStrategy = "rolling"
		}
		if environment.MaxBlastRadius < 0 {
			return schemapolicy.DeploymentPolicy{}, fmt.Errorf("environment %s max_blast_radius must be >= 0", key)
		}
		environments[key] = environment
	}
	output.Environments = environments

	for _, step := range output.ProgressiveDelivery.CanarySteps {
		if step < 0 {
			return schemapolicy.DeploymentPolicy{}, fmt.Errorf("canary steps must be >= 0")
		}
	}
	output.ProgressiveDelivery.CanarySteps = append([]float64{}, output.ProgressiveDelivery.CanarySteps...)
	if output.ProgressiveDelivery.StepInterval < 0 {
		return schemapolicy.DeploymentPolicy{}, fmt.Errorf("progressive_delivery step_interval must be >= 0")
	}
	output.ProgressiveDelivery.EvaluationMetrics = normalizeStringListLower(output.ProgressiveDelivery.EvaluationMetrics)

	if output.Rollback.RollbackTimeout < 0 {
		return schemapolicy.DeploymentPolicy{}, fmt.Errorf("rollback_timeout must be >= 0")
	}
	output.Rollback.Triggers = append([]schemapolicy.RollbackTrigger{}, output.Rollback.Triggers...)
	for index := range output.Rollback.Triggers {
		trigger := &output.Rollback.Triggers[index]
		trigger.Metric = strings.ToLower(strings.TrimSpace(trigger.Metric))
		if trigger.Metric == "" {
			return schemapolicy.DeploymentPolicy{}, fmt.Errorf("rollback trigger metric is required")
		}
		trigger.Condition = strings.ToLower(strings.TrimSpace(trigger.Condition))
		if trigger.Window < 0 {
			return schemapolicy.DeploymentPolicy{}, fmt.Errorf("rollback trigger window must be >= 0")
		}
	}
	return output, nil
}

func normalizeGateList(action string, gates []schemapolicy.Gate) ([]schemapolicy.Gate, error) {
	output := append([]schemapolicy.Gate{}, gates...)
	seen := make(map[string]struct{}, len(output))
	for index := range output {
		gate := &output[index]
		gate.ID = strings.ToLower(strings.TrimSpace(gate.ID))
		if gate.ID == "" {
			return nil, fmt.Errorf("%s gate id is required", action)
		}
		if _, exists := seen[gate.ID]; exists {
			return nil, fmt.Errorf("duplicate %s gate id: %s", action, gate.ID)
		}
		seen[gate.ID] = struct{}{}
		gate.Name = strings.TrimSpace(gate.Name)
		if gate.Name == "" {
			gate.Name = gate.ID
		}
		gate.GateType = strings.ToLower(strings.TrimSpace(gate.GateType))
		if gate.GateType == "" {
			gate.GateType = schemapolicy.GateTypeCustom
		}
		if _, ok := allowedGateTypes[gate.GateType]; !ok {
			return nil, fmt.Errorf("invalid gate_type %q for %s gate %s", gate.GateType, action, gate.ID)
		}
	}
	return output, nil
}

func normalizeDataClassification(input schemapolicy.DataClassificationPolicy) (schemapolicy.DataClassificationPolicy, error) {
	output := input
	output.DefaultClassification = strings.ToLower(strings.TrimSpace(output.DefaultClassification))
	if output.DefaultClassification == "" {
		output.DefaultClassification = string(schemasafety.ClassificationInternal)
	}
	if !schemasafety.Valid(schemasafety.Classification(output.DefaultClassification)) {
		return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("invalid default_classification: %s", output.DefaultClassification)
	}

	output.ProviderRules = append([]schemapolicy.ProviderDataRule{}, output.ProviderRules...)
	for index := range output.ProviderRules {
		rule := &output.ProviderRules[index]
		rule.Provider = strings.ToLower(strings.TrimSpace(rule.Provider))
		if rule.Provider == "" {
			return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("provider rule provider is required")
		}
		rule.AllowedClassifications = normalizeStringListLower(rule.AllowedClassifications)
		for _, classification := range rule.AllowedClassifications {
			if !schemasafety.Valid(schemasafety.Classification(classification)) {
				return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("invalid classification %q for provider %s", classification, rule.Provider)
			}
		}
		if rule.DataRetentionDays < 0 {
			return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("data_retention_days must be >= 0 for provider %s", rule.Provider)
		}
	}

	output.RedactionPatterns = append([]schemapolicy.RedactionPattern{}, output.RedactionPatterns...)
	for index := range output.RedactionPatterns {
		pattern := &output.RedactionPatterns[index]
		pattern.Name = strings.TrimSpace(pattern.Name)
		if pattern.Name == "" {
			return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("redaction pattern name is required")
		}
		pattern.Pattern = strings.TrimSpace(pattern.Pattern)
		if pattern.Pattern == "" {
			return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("redaction pattern %s requires a pattern", pattern.Name)
		}
		if _, err := regexp.Compile("(?i)" + pattern.Pattern); err != nil {
			return schemapolicy.DataClassificationPolicy{}, fmt.Errorf("redaction pattern %s does not compile: %w", pattern.Name, err)
		}
		if strings.TrimSpace(pattern.Replacement) == "" {
			pattern.Replacement = fallbackReplacement
		}
	}
	return output, nil
}

func normalizeToolPermissions(input schemapolicy.ToolPermissionPolicy) (schemapolicy.ToolPermissionPolicy, error) {
	output := input

	defaults, err := normalizePermissionList(output.DefaultPermissions)
	if err != nil {
		return schemapolicy.ToolPermissionPolicy{}, err
	}
	output.DefaultPermissions = defaults

	roles := make(map[string][]schemapolicy.ToolPermission, len(output.RolePermissions))
	for role, permissions := range output.RolePermissions {
		key := strings.ToLower(strings.TrimSpace(role))
		if key == "" {
			continue
		}
		normalized, err := normalizePermissionList(permissions)
		if err != nil {
			return schemapolicy.ToolPermissionPolicy{}, fmt.Errorf("role %s: %w", key, err)
		}
		roles[key] = normalized
	}
	output.RolePermissions = roles
	return output, nil
}

func normalizePermissionList(permissions []schemapolicy.ToolPermission) ([]schemapolicy.ToolPermission, error) {
	output := append([]schemapolicy.ToolPermission{}, permissions...)
	for index := range output {
		permission := &output[index]
		// Tool ids keep their case: capability matching is exact or
		// prefix over the requested string, never case-folded.
		permission.ToolID = strings.TrimSpace(permission.ToolID)
		if permission.ToolID == "" {
			return nil, fmt.Errorf("tool permission tool_id is required")
		}
		permission.Operations = normalizeStringListLower(permission.Operations)
		permission.ResourceScope = normalizeStringList(permission.ResourceScope)
	}
	return output, nil
}

func normalizeStringList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return uniqueSorted(out)
}

func normalizeStringListLower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return uniqueSorted(out)
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
