package redact

import (
	"regexp"

	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

// Replacement tokens for the built-in redaction rules. The token text is
// part of the contract: downstream log pipelines grep for these markers.
const (
	TokenPrivateKey       = "***REDACTED_PRIVATE_KEY***"
	TokenConnectionString = "***REDACTED_CONNECTION_STRING***"
	TokenAWSKey           = "***REDACTED_AWS_KEY***"
	TokenAPIKey           = "***REDACTED_API_KEY***"
	TokenAccessToken      = "***REDACTED_TOKEN***"
	TokenPassword         = "***REDACTED_PASSWORD***"
	TokenSSN              = "***REDACTED_SSN***"
	TokenCard             = "***REDACTED_CARD***"
)

// SecretPattern is one detection rule: matching never mutates the input,
// and every match becomes a finding carrying the remediation suggestion.
type SecretPattern struct {
	Name        string
	Severity    schemasafety.Severity
	Remediation string
	regex       *regexp.Regexp
}

// Rule is one redaction rule: every match is replaced with the fixed
// replacement token.
type Rule struct {
	Name        string
	Replacement string
	regex       *regexp.Regexp
}

// Detection and redaction share expressions where their intent overlaps,
// but the two lists stay independent: detection reports, redaction
// rewrites.
var (
	privateKeyExpr       = `-----BEGIN [A-Z ]*PRIVATE KEY-----`
	privateKeyBlockExpr  = `-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`
	connectionStringExpr = `[a-z][a-z0-9+]*://[^\s/:@]+:[^\s@]+@[^\s]+`
	awsKeyExpr           = `AKIA[0-9A-Z]{16}`
	awsSecretExpr        = `(?:aws[_-]?)?secret[_-]?(?:access[_-]?)?key["']?\s*[:=]\s*["']?[A-Za-z0-9/+=]{20,}["']?`
	githubTokenExpr      = `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}`
	slackTokenExpr       = `xox[baprs]-[A-Za-z0-9-]{10,}`
	apiKeyExpr           = `(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{8,}["']?`
	accessTokenExpr      = `(?:bearer\s+|(?:access[_-]|auth[_-]|refresh[_-])?token["']?\s*[:=]\s*)["']?[A-Za-z0-9_\-.=]{12,}["']?`
	passwordExpr         = `(?:password|passwd|pwd)["']?\s*[:=]\s*["']?\S+`
	ssnExpr              = `\b\d{3}-\d{2}-\d{4}\b`
	cardExpr             = `\b\d{13,16}\b`
	jwtExpr              = `\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`
	genericSecretExpr    = `\bsecret["']?\s*[:=]\s*["']?\S{6,}`
)

func mustDetect(expr string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + expr)
}

// DefaultPatterns returns the built-in detection list in scan order.
func DefaultPatterns() []SecretPattern {
	return []SecretPattern{
		{
			Name:        "Private Key",
			Severity:    schemasafety.SeverityCritical,
			Remediation: "remove the key material and rotate the key pair",
			regex:       mustDetect(privateKeyExpr),
		},
		{
			Name:        "Connection String",
			Severity:    schemasafety.SeverityCritical,
			Remediation: "move connection credentials into a secret manager",
			regex:       mustDetect(connectionStringExpr),
		},
		{
			Name:        "AWS Access Key",
			Severity:    schemasafety.SeverityCritical,
			Remediation: "rotate the AWS key and audit recent usage",
			regex:       mustDetect(awsKeyExpr),
		},
		{
			Name:        "AWS Secret Key",
			Severity:    schemasafety.SeverityCritical,
			Remediation: "rotate the secret key and move it into a secret manager",
			regex:       mustDetect(awsSecretExpr),
		},
		{
			Name:        "GitHub Token",
			Severity:    schemasafety.SeverityCritical,
			Remediation: "revoke the token in GitHub settings and issue a scoped replacement",
			regex:       mustDetect(githubTokenExpr),
		},
		{
			Name:        "Slack Token",
			Severity:    schemasafety.SeverityHigh,
			Remediation: "revoke the token from the Slack app dashboard",
			regex:       mustDetect(slackTokenExpr),
		},
		{
			Name:        "API Key",
			Severity:    schemasafety.SeverityHigh,
			Remediation: "revoke the key and read it from the environment instead",
			regex:       mustDetect(apiKeyExpr),
		},
		{
			Name:        "Access Token",
			Severity:    schemasafety.SeverityHigh,
			Remediation: "revoke the token and issue a short-lived replacement",
			regex:       mustDetect(accessTokenExpr),
		},
		{
			Name:        "Password Assignment",
			Severity:    schemasafety.SeverityHigh,
			Remediation: "remove the literal password and use a secret reference",
			regex:       mustDetect(passwordExpr),
		},
		{
			Name:        "Social Security Number",
			Severity:    schemasafety.SeverityHigh,
			Remediation: "remove personal identifiers from agent-visible text",
			regex:       mustDetect(ssnExpr),
		},
		{
			Name:        "Payment Card Number",
			Severity:    schemasafety.SeverityHigh,
			Remediation: "remove card numbers from agent-visible text",
			regex:       mustDetect(cardExpr),
		},
		{
			Name:        "JSON Web Token",
			Severity:    schemasafety.SeverityMedium,
			Remediation: "expire the token and rotate the signing secret",
			regex:       mustDetect(jwtExpr),
		},
		{
			Name:        "Secret Assignment",
			Severity:    schemasafety.SeverityMedium,
			Remediation: "move the literal secret into a secret manager",
			regex:       mustDetect(genericSecretExpr),
		},
	}
}

// DefaultRules returns the built-in redaction list. Order is part of the
// contract: each rule runs over the output of the rules before it, so
// broader patterns sit ahead of the keyword rules they would otherwise
// shadow.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "private-key", Replacement: TokenPrivateKey, regex: mustDetect(privateKeyBlockExpr)},
		{Name: "connection-string", Replacement: TokenConnectionString, regex: mustDetect(connectionStringExpr)},
		{Name: "aws-key", Replacement: TokenAWSKey, regex: mustDetect(awsKeyExpr)},
		{Name: "api-key", Replacement: TokenAPIKey, regex: mustDetect(apiKeyExpr)},
		{Name: "access-token", Replacement: TokenAccessToken, regex: mustDetect(accessTokenExpr)},
		{Name: "password", Replacement: TokenPassword, regex: mustDetect(passwordExpr)},
		{Name: "ssn", Replacement: TokenSSN, regex: mustDetect(ssnExpr)},
		{Name: "card", Replacement: TokenCard, regex: mustDetect(cardExpr)},
	}
}

// CompileRule builds a redaction rule from a policy-supplied or runtime
// pattern. Expressions are applied case-insensitively, matching the
// built-in rules.
func CompileRule(name, pattern, replacement string) (Rule, error) {
	regex, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Name: name, Replacement: replacement, regex: regex}, nil
}
