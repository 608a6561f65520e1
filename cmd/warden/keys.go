package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nebula-ide/warden/core/fsx"
	"github.com/nebula-ide/warden/core/sign"
)

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type keysVerifyOutput struct {
	OK    bool   `json:"ok"`
	KeyID string `json:"key_id,omitempty"`
	Error string `json:"error,omitempty"`
}

func runKeys(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Generate and check the ed25519 keypair used to sign export manifests.")
	}
	if len(arguments) == 0 {
		printKeysUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "init":
		return runKeysInit(arguments[1:])
	case "verify":
		return runKeysVerify(arguments[1:])
	default:
		printKeysUsage()
		return exitInvalidInput
	}
}

func runKeysInit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Generate a signing keypair and write both halves base64-encoded next to each other; refuses to overwrite without --force.")
	}
	flagSet := flag.NewFlagSet("keys-init", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outDir string
	var prefix string
	var force bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&outDir, "out-dir", ".warden/keys", "directory to write the keypair into")
	flagSet.StringVar(&prefix, "prefix", "warden", "key file name prefix")
	flagSet.BoolVar(&force, "force", false, "overwrite existing key files")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printKeysUsage()
		return exitOK
	}

	privatePath := filepath.Join(outDir, prefix+"_private.key")
	publicPath := filepath.Join(outDir, prefix+"_public.key")
	if !force {
		for _, path := range []string{privatePath, publicPath} {
			if _, err := os.Stat(path); err == nil {
				return writeKeysInitOutput(jsonOutput, keysInitOutput{
					Error: fmt.Sprintf("%s already exists (use --force to overwrite)", path),
				}, exitInvalidInput)
			}
		}
	}

	pair, err := sign.GenerateKeyPair()
	if err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{Error: err.Error()}, exitInternalFailure)
	}
	encodedPrivate := base64.StdEncoding.EncodeToString(pair.Private) + "\n"
	encodedPublic := base64.StdEncoding.EncodeToString(pair.Public) + "\n"
	if err := fsx.WriteFileAtomic(privatePath, []byte(encodedPrivate), 0o600); err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	if err := fsx.WriteFileAtomic(publicPath, []byte(encodedPublic), 0o600); err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	return writeKeysInitOutput(jsonOutput, keysInitOutput{
		OK:             true,
		PrivateKeyPath: privatePath,
		PublicKeyPath:  publicPath,
		KeyID:          sign.KeyID(pair.Public),
	}, exitOK)
}

func runKeysVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Load the configured keys and check that the public half matches the private one.")
	}
	flagSet := flag.NewFlagSet("keys-verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var privateKeyPath string
	var privateKeyEnv string
	var publicKeyPath string
	var publicKeyEnv string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&privateKeyPath, "private-key", "", "path to the base64 private key")
	flagSet.StringVar(&privateKeyEnv, "private-key-env", "", "environment variable holding the private key")
	flagSet.StringVar(&publicKeyPath, "public-key", "", "path to the base64 public key")
	flagSet.StringVar(&publicKeyEnv, "public-key-env", "", "environment variable holding the public key")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printKeysUsage()
		return exitOK
	}

	cfg := sign.KeyConfig{
		PrivateKeyPath: privateKeyPath,
		PrivateKeyEnv:  privateKeyEnv,
		PublicKeyPath:  publicKeyPath,
		PublicKeyEnv:   publicKeyEnv,
	}
	if privateKeyPath != "" || privateKeyEnv != "" {
		pair, err := sign.LoadSigningKey(cfg)
		if err != nil {
			return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{Error: err.Error()}, exitVerifyFailed)
		}
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: true, KeyID: sign.KeyID(pair.Public)}, exitOK)
	}
	publicKey, err := sign.LoadVerifyKey(cfg)
	if err != nil {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{Error: err.Error()}, exitVerifyFailed)
	}
	return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: true, KeyID: sign.KeyID(publicKey)}, exitOK)
}

func writeKeysInitOutput(jsonOutput bool, output keysInitOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("keypair written: %s, %s\n", output.PrivateKeyPath, output.PublicKeyPath)
		fmt.Printf("key id: %s\n", output.KeyID)
		return exitCode
	}
	fmt.Printf("keys init error: %s\n", output.Error)
	return exitCode
}

func writeKeysVerifyOutput(jsonOutput bool, output keysVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("keys ok: %s\n", output.KeyID)
		return exitCode
	}
	fmt.Printf("keys verify error: %s\n", output.Error)
	return exitCode
}

func printKeysUsage() {
	fmt.Println("Usage:")
	fmt.Println("  warden keys init [--out-dir <dir>] [--prefix <name>] [--force] [--json]")
	fmt.Println("  warden keys verify [--private-key <file>] [--public-key <file>] [--json]")
}
