package redact

import (
	"regexp"
	"strings"

	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

const shellMetacharacters = ";&|`$"

var injectionKeywordPattern = regexp.MustCompile(`(?i)\b(?:exec|eval|system|spawn)\b`)

var injectionLiterals = []string{
	"__import__",
	"os.system",
	"os.popen",
	"os.exec",
	"subprocess.",
	"child_process",
}

var (
	ssnShapedPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardShapedPattern = regexp.MustCompile(`\b\d{13,16}\b`)
)

// ContainsInjection reports whether a string parameter looks like an
// attempt to smuggle command execution: shell metacharacters, exec-style
// keywords, or known process-spawning APIs.
func ContainsInjection(value string) bool {
	if strings.ContainsAny(value, shellMetacharacters) {
		return true
	}
	if injectionKeywordPattern.MatchString(value) {
		return true
	}
	lowered := strings.ToLower(value)
	for _, literal := range injectionLiterals {
		if strings.Contains(lowered, literal) {
			return true
		}
	}
	return false
}

// ContainsTraversal reports whether a string parameter carries a path
// traversal marker or reaches into /etc/.
func ContainsTraversal(value string) bool {
	return strings.Contains(value, "../") ||
		strings.Contains(value, `..\`) ||
		strings.Contains(value, "/etc/")
}

// Classify triages free text into a sensitivity tier, most sensitive rule
// first: regulated beats confidential beats internal, and the fallback is
// public. Best-effort keyword and shape matching, nothing more.
func Classify(text string) schemasafety.Classification {
	lowered := strings.ToLower(text)
	if ssnShapedPattern.MatchString(text) ||
		cardShapedPattern.MatchString(text) ||
		strings.Contains(lowered, "social security") ||
		strings.Contains(lowered, "passport number") {
		return schemasafety.ClassificationRegulated
	}
	for _, keyword := range []string{"confidential", "secret", "private key", "password"} {
		if strings.Contains(lowered, keyword) {
			return schemasafety.ClassificationConfidential
		}
	}
	for _, keyword := range []string{"internal", "proprietary", "company"} {
		if strings.Contains(lowered, keyword) {
			return schemasafety.ClassificationInternal
		}
	}
	return schemasafety.ClassificationPublic
}
