// Package permission evaluates agent requests against a policy document.
// Every outcome is a Decision value; denial is data, not an error, and the
// reason string surfaces verbatim to whoever is debugging the policy.
package permission

import (
	"fmt"
	"strings"

	"github.com/nebula-ide/warden/core/match"
	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

// Decision is the outcome of one authorization question. RequireApproval
// and Approvers surface the human-approval route when the policy demands
// one; they never flip Allowed on their own.
type Decision struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	Approvers       []string `json:"approvers,omitempty"`
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Authorize answers whether a role may exercise a capability against a
// resource. Role rules are consulted before project defaults; the first
// matching rule allows. The model is allow-list only: there are no deny
// rules, so absence of a match is the only denial.
func Authorize(document *schemapolicy.Document, role, capability, resource string) Decision {
	if document == nil {
		return deny("no policy found for project")
	}
	role = strings.ToLower(strings.TrimSpace(role))

	if rolePermissions, ok := document.ToolPermissions.RolePermissions[role]; ok {
		for _, rule := range rolePermissions {
			if match.Capability(capability, rule.ToolID) && match.ResourceScope(resource, rule.ResourceScope) {
				return Decision{
					Allowed: true,
					Reason:  fmt.Sprintf("allowed by role permission for %s", role),
				}
			}
		}
	}

	for _, rule := range document.ToolPermissions.DefaultPermissions {
		if match.Capability(capability, rule.ToolID) && match.ResourceScope(resource, rule.ResourceScope) {
			return Decision{Allowed: true, Reason: "allowed by default permission"}
		}
	}

	return deny(fmt.Sprintf(
		"no matching permission for agent=%s, action=%s, resource=%s",
		role, capability, resource,
	))
}

// CanMergeToTrunk answers whether a role may merge to the trunk branch.
// Fails closed: a missing policy, a cleared allow flag, or a role outside
// the allow list all deny. An empty allow list admits nobody.
func CanMergeToTrunk(document *schemapolicy.Document, role string) Decision {
	if document == nil {
		return deny("no policy found for project")
	}
	role = strings.ToLower(strings.TrimSpace(role))

	grant := document.Agents.MergeToMain
	if !grant.Allowed {
		return Decision{
			Allowed:         false,
			Reason:          "merge to trunk is not allowed for agents",
			RequireApproval: grant.RequireApproval,
			Approvers:       grant.Approvers,
		}
	}
	if !containsString(grant.AllowedAgentRoles, role) {
		return Decision{
			Allowed:         false,
			Reason:          fmt.Sprintf("role %s is not in the allowed merge roles", role),
			RequireApproval: grant.RequireApproval,
			Approvers:       grant.Approvers,
		}
	}
	return Decision{
		Allowed:         true,
		Reason:          fmt.Sprintf("merge to trunk allowed for role %s", role),
		RequireApproval: grant.RequireApproval,
		Approvers:       grant.Approvers,
	}
}

// CanDeploy answers whether a role may deploy to an environment. The
// environment must exist, be enabled, and permit auto-deploys, and the
// role must hold that environment's deploy grant. Any missing piece
// denies.
func CanDeploy(document *schemapolicy.Document, role, environment string) Decision {
	if document == nil {
		return deny("no policy found for project")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	environment = strings.ToLower(strings.TrimSpace(environment))

	environmentPolicy, ok := document.Deployment.Environments[environment]
	if !ok {
		return deny(fmt.Sprintf("no deployment policy for environment %s", environment))
	}
	if !environmentPolicy.Enabled {
		return deny(fmt.Sprintf("environment %s is disabled", environment))
	}

	grant, ok := document.Agents.DeployPermissions[environment]
	if !ok {
		return deny(fmt.Sprintf("no deploy permission configured for environment %s", environment))
	}
	if !environmentPolicy.AutoDeployAllowed {
		return Decision{
			Allowed:         false,
			Reason:          fmt.Sprintf("auto-deploy to %s is disabled", environment),
			RequireApproval: grant.RequireApproval,
			Approvers:       grant.Approvers,
		}
	}
	if !grant.Allowed {
		return Decision{
			Allowed:         false,
			Reason:          fmt.Sprintf("deploys to %s are not allowed for agents", environment),
			RequireApproval: grant.RequireApproval,
			Approvers:       grant.Approvers,
		}
	}
	if !containsString(grant.AllowedAgentRoles, role) {
		return Decision{
			Allowed:         false,
			Reason:          fmt.Sprintf("role %s is not allowed to deploy to %s", role, environment),
			RequireApproval: grant.RequireApproval,
			Approvers:       grant.Approvers,
		}
	}
	return Decision{
		Allowed:         true,
		Reason:          fmt.Sprintf("deploy to %s allowed for role %s", environment, role),
		RequireApproval: grant.RequireApproval,
		Approvers:       grant.Approvers,
	}
}

// AutoMergeAllowed answers whether a branch may merge without human
// review, by matching it against the policy's auto-merge branch patterns.
func AutoMergeAllowed(document *schemapolicy.Document, branch string) Decision {
	if document == nil {
		return deny("no policy found for project")
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return deny("branch name is required")
	}
	if match.Branch(branch, document.Repositories.AutoMergeBranches) {
		return Decision{
			Allowed: true,
			Reason:  fmt.Sprintf("branch %s matches an auto-merge branch pattern", branch),
		}
	}
	return deny(fmt.Sprintf("branch %s does not match any auto-merge branch pattern", branch))
}

func containsString(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
