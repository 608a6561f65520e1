package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/nebula-ide/warden/core/audit"
	"github.com/nebula-ide/warden/core/sign"
)

type exportRunOutput struct {
	OK          bool   `json:"ok"`
	RunID       string `json:"run_id,omitempty"`
	Dir         string `json:"dir,omitempty"`
	EventCount  int    `json:"event_count,omitempty"`
	ChainDigest string `json:"chain_digest,omitempty"`
	Signed      bool   `json:"signed"`
	Error       string `json:"error,omitempty"`
}

type exportVerifyOutput struct {
	OK     bool                      `json:"ok"`
	Result *audit.ExportVerifyResult `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

func runExport(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Write a run as a verifiable bundle (events.jsonl, run.json, manifest.json) or re-check a bundle's digests, chain, and signatures.")
	}
	if len(arguments) == 0 {
		printExportUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "run":
		return runExportRun(arguments[1:])
	case "verify":
		return runExportVerify(arguments[1:])
	default:
		printExportUsage()
		return exitInvalidInput
	}
}

func runExportRun(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Export one run as a bundle whose manifest carries per-file sha256 digests and a chain digest; pass a signing key to sign the manifest.")
	}
	flagSet := flag.NewFlagSet("export-run", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var runID string
	var outDir string
	var signKeyPath string
	var signKeyEnv string
	var statePath string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&runID, "run", "", "run to export")
	flagSet.StringVar(&outDir, "out", "", "directory to write the bundle into")
	flagSet.StringVar(&signKeyPath, "sign-key", "", "path to a base64 ed25519 private key to sign the manifest")
	flagSet.StringVar(&signKeyEnv, "sign-key-env", "", "environment variable holding the private key")
	flagSet.StringVar(&statePath, "state", "", "path to the state database")
	flagSet.StringVar(&configPath, "config", "", "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeExportRunOutput(jsonOutput, exportRunOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printExportUsage()
		return exitOK
	}
	if strings.TrimSpace(runID) == "" {
		return writeExportRunOutput(jsonOutput, exportRunOutput{Error: "--run is required"}, exitInvalidInput)
	}

	state, err := openState(stateOptions{configPath: configPath, disableConfig: disableConfig, statePath: statePath, restoreLog: true})
	if err != nil {
		return writeExportRunOutput(jsonOutput, exportRunOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	defer state.close()

	dir := strings.TrimSpace(outDir)
	if dir == "" {
		if state.config.Export.Dir == "" {
			return writeExportRunOutput(jsonOutput, exportRunOutput{Error: "--out is required (or set export.dir in the project config)"}, exitInvalidInput)
		}
		dir = filepath.Join(state.config.Export.Dir, strings.TrimSpace(runID))
	}

	options := audit.ExportOptions{
		Dir:             dir,
		RunID:           strings.TrimSpace(runID),
		ProducerVersion: version,
	}
	if signKeyPath != "" || signKeyEnv != "" {
		pair, err := sign.LoadSigningKey(sign.KeyConfig{PrivateKeyPath: signKeyPath, PrivateKeyEnv: signKeyEnv})
		if err != nil {
			return writeExportRunOutput(jsonOutput, exportRunOutput{Error: err.Error()}, exitInvalidInput)
		}
		options.SignKey = pair.Private
	}

	manifest, err := state.log.Export(options)
	if err != nil {
		return writeExportRunOutput(jsonOutput, exportRunOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	return writeExportRunOutput(jsonOutput, exportRunOutput{
		OK:          true,
		RunID:       manifest.RunID,
		Dir:         dir,
		EventCount:  manifest.EventCount,
		ChainDigest: manifest.ChainDigest,
		Signed:      len(manifest.Signatures) > 0,
	}, exitOK)
}

func runExportVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Re-check a bundle: file digests against the manifest, each event against the schema and its canonical digest, the chain digest, and any signatures.")
	}
	flagSet := flag.NewFlagSet("export-verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var dir string
	var publicKeyPath string
	var publicKeyEnv string
	var requireSignature bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&dir, "dir", "", "bundle directory to verify")
	flagSet.StringVar(&publicKeyPath, "public-key", "", "path to a base64 ed25519 public key")
	flagSet.StringVar(&publicKeyEnv, "public-key-env", "", "environment variable holding the public key")
	flagSet.BoolVar(&requireSignature, "require-signature", false, "fail when the manifest carries no valid signature")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeExportVerifyOutput(jsonOutput, exportVerifyOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printExportUsage()
		return exitOK
	}
	if strings.TrimSpace(dir) == "" {
		return writeExportVerifyOutput(jsonOutput, exportVerifyOutput{Error: "--dir is required"}, exitInvalidInput)
	}

	options := audit.VerifyExportOptions{Dir: dir, RequireSignature: requireSignature}
	if publicKeyPath != "" || publicKeyEnv != "" {
		publicKey, err := sign.LoadVerifyKey(sign.KeyConfig{PublicKeyPath: publicKeyPath, PublicKeyEnv: publicKeyEnv})
		if err != nil {
			return writeExportVerifyOutput(jsonOutput, exportVerifyOutput{Error: err.Error()}, exitInvalidInput)
		}
		options.PublicKey = publicKey
	}

	result, err := audit.VerifyExport(options)
	if err != nil {
		return writeExportVerifyOutput(jsonOutput, exportVerifyOutput{Error: err.Error()}, exitCodeForError(err, exitVerifyFailed))
	}
	if !result.OK() {
		return writeExportVerifyOutput(jsonOutput, exportVerifyOutput{Result: &result}, exitVerifyFailed)
	}
	return writeExportVerifyOutput(jsonOutput, exportVerifyOutput{OK: true, Result: &result}, exitOK)
}

func writeExportRunOutput(jsonOutput bool, output exportRunOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("exported run %s: %d event(s) -> %s\n", output.RunID, output.EventCount, output.Dir)
		fmt.Printf("chain digest: %s\n", output.ChainDigest)
		if output.Signed {
			fmt.Println("manifest signed")
		}
		return exitCode
	}
	fmt.Printf("export error: %s\n", output.Error)
	return exitCode
}

func writeExportVerifyOutput(jsonOutput bool, output exportVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("verify error: %s\n", output.Error)
		return exitCode
	}
	result := output.Result
	if output.OK {
		fmt.Printf("bundle verified: run %s, %d event(s), %d file(s), signature %s\n",
			result.RunID, result.EventCount, result.FilesChecked, result.SignatureStatus)
		return exitCode
	}
	fmt.Println("bundle verification failed:")
	for _, missing := range result.MissingFiles {
		fmt.Printf("  missing file: %s\n", missing)
	}
	for _, mismatch := range result.HashMismatches {
		fmt.Printf("  hash mismatch: %s\n", mismatch.Path)
	}
	for _, issue := range result.EventErrors {
		fmt.Printf("  event: %s\n", issue)
	}
	for _, issue := range result.SignatureErrors {
		fmt.Printf("  signature: %s\n", issue)
	}
	return exitCode
}

func printExportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden export run --run <id> [--out <dir>] [--sign-key <file>] [--json]")
	fmt.Println("  warden export verify --dir <dir> [--public-key <file>] [--require-signature] [--json]")
}
