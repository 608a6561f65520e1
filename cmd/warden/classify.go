package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/nebula-ide/warden/core/safety"
	schemasafety "github.com/nebula-ide/warden/core/schema/v1/safety"
)

type classifyOutput struct {
	OK             bool   `json:"ok"`
	Allowed        bool   `json:"allowed"`
	Declared       string `json:"declared,omitempty"`
	Inferred       string `json:"inferred,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	Error          string `json:"error,omitempty"`
}

func runClassify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Decide whether data may be sent to an external provider: the declared tier must be in the provider's allowed set and the content must not look more sensitive than declared.")
	}
	flagSet := flag.NewFlagSet("classify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var text string
	var inPath string
	var declared string
	var provider string
	var allowedCSV string
	var project string
	var policyPath string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&text, "text", "", "data to classify")
	flagSet.StringVar(&inPath, "in", "", "file holding the data, or - for stdin")
	flagSet.StringVar(&declared, "declared", "", "declared classification: public|internal|confidential|regulated")
	flagSet.StringVar(&provider, "provider", "", "provider the data would be sent to")
	flagSet.StringVar(&allowedCSV, "allowed", "", "comma-separated allowed classifications (default: the policy's provider rules)")
	flagSet.StringVar(&project, "project", "", "project whose policy supplies the provider rules")
	flagSet.StringVar(&policyPath, "policy", "", "evaluate a policy file instead of the stored policy")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeClassifyOutput(jsonOutput, classifyOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printClassifyUsage()
		return exitOK
	}
	if strings.TrimSpace(provider) == "" {
		return writeClassifyOutput(jsonOutput, classifyOutput{Error: "--provider is required"}, exitInvalidInput)
	}

	declaredTier := schemasafety.Classification(strings.ToLower(strings.TrimSpace(declared)))
	if !schemasafety.Valid(declaredTier) {
		return writeClassifyOutput(jsonOutput, classifyOutput{Error: fmt.Sprintf("unknown classification %q", declared)}, exitInvalidInput)
	}

	input, err := readTextInput(text, inPath, flagSet.Args())
	if err != nil {
		return writeClassifyOutput(jsonOutput, classifyOutput{Error: err.Error()}, exitInvalidInput)
	}

	allowed, err := resolveAllowedClassifications(allowedCSV, provider, policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return writeClassifyOutput(jsonOutput, classifyOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	service := safety.NewService(safety.WithProducerVersion(version))
	check := service.CheckClassification(input, declaredTier, provider, allowed)

	exitCode := exitOK
	if !check.Allowed {
		exitCode = exitPolicyBlocked
	}
	return writeClassifyOutput(jsonOutput, classifyOutput{
		OK:             true,
		Allowed:        check.Allowed,
		Declared:       string(check.Declared),
		Inferred:       string(check.Inferred),
		Provider:       check.Provider,
		Reason:         check.Reason,
		Recommendation: check.Recommendation,
	}, exitCode)
}

// resolveAllowedClassifications prefers an explicit --allowed list; without
// one it reads the provider's rule from the policy. A provider with no rule
// gets an empty allowed set, which denies every declared tier.
func resolveAllowedClassifications(allowedCSV, provider, policyPath, configPath string, disableConfig bool, statePath, project string) ([]schemasafety.Classification, error) {
	if strings.TrimSpace(allowedCSV) != "" {
		values := parseCSV(allowedCSV)
		allowed := make([]schemasafety.Classification, 0, len(values))
		for _, value := range values {
			tier := schemasafety.Classification(strings.ToLower(value))
			if !schemasafety.Valid(tier) {
				return nil, fmt.Errorf("unknown classification %q in --allowed", value)
			}
			allowed = append(allowed, tier)
		}
		return allowed, nil
	}

	document, _, err := loadEvaluationPolicy(policyPath, configPath, disableConfig, statePath, project)
	if err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, rule := range document.DataClassification.ProviderRules {
		if strings.ToLower(rule.Provider) != provider {
			continue
		}
		allowed := make([]schemasafety.Classification, 0, len(rule.AllowedClassifications))
		for _, value := range rule.AllowedClassifications {
			allowed = append(allowed, schemasafety.Classification(value))
		}
		return allowed, nil
	}
	return nil, nil
}

func writeClassifyOutput(jsonOutput bool, output classifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("classify: allowed=%t reason=%q\n", output.Allowed, output.Reason)
		if output.Recommendation != "" {
			fmt.Printf("recommendation: %s\n", output.Recommendation)
		}
		return exitCode
	}
	fmt.Printf("classify error: %s\n", output.Error)
	return exitCode
}

func printClassifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden classify --provider <name> --declared public|internal|confidential|regulated [--text <text>|--in <file>|-] [--allowed <csv>] [--project <id>] [--policy <file>] [--json]")
}
