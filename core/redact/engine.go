// Package redact detects and rewrites secret-shaped text. Detection is a
// read-only pass producing findings; redaction rewrites matches with fixed
// tokens. Both are regex heuristics: a clean scan means no known pattern
// matched, not that the text is safe.
package redact

import (
	"strings"
	"sync"
	"time"

	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

const previewLength = 20

// Engine applies a fixed detection list and an ordered, extensible
// redaction list. Detection patterns are fixed at construction; redaction
// rules may be appended at runtime.
type Engine struct {
	mu       sync.RWMutex
	patterns []SecretPattern
	rules    []Rule
	clock    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules appends redaction rules after the built-in list, in the order
// given. Policy-supplied rules arrive through this option.
func WithRules(rules ...Rule) Option {
	return func(engine *Engine) {
		engine.rules = append(engine.rules, rules...)
	}
}

// WithClock overrides the scan-timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

// NewEngine builds an engine with the built-in detection patterns and
// redaction rules.
func NewEngine(options ...Option) *Engine {
	engine := &Engine{
		patterns: DefaultPatterns(),
		rules:    DefaultRules(),
		clock:    time.Now,
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

// AddRule appends a redaction rule at runtime. It runs after every rule
// already registered.
func (e *Engine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// Scan runs every detection pattern over the text and reports findings.
// The input is never mutated; zero matches is a valid clean result, not an
// error.
func (e *Engine) Scan(text string) schemasafety.ScanResult {
	findings := []schemasafety.Finding{}
	for _, pattern := range e.patterns {
		for _, location := range pattern.regex.FindAllStringIndex(text, -1) {
			findings = append(findings, schemasafety.Finding{
				Pattern:     pattern.Name,
				Severity:    pattern.Severity,
				Line:        1 + strings.Count(text[:location[0]], "\n"),
				Preview:     preview(text[location[0]:location[1]]),
				Remediation: pattern.Remediation,
			})
		}
	}
	return schemasafety.ScanResult{
		Clean:     len(findings) == 0,
		Findings:  findings,
		ScannedAt: e.clock().UTC(),
	}
}

// Redact applies the redaction rules strictly in list order. Each rule
// rewrites the output of the rules before it, so ordering decides which
// overlapping pattern wins a region of text.
func (e *Engine) Redact(text string) string {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	for _, rule := range rules {
		text = rule.regex.ReplaceAllString(text, rule.Replacement)
	}
	return text
}

// The preview deliberately truncates so a finding cannot re-leak the full
// secret it reports.
func preview(match string) string {
	runes := []rune(match)
	if len(runes) > previewLength {
		runes = runes[:previewLength]
	}
	return string(runes) + "..."
}
