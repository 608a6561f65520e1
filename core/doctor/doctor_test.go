package doctor

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/nebula-ide/warden/core/sign"
)

func TestRunPassesInWritableWorkspace(t *testing.T) {
	workDir := t.TempDir()
	result := Run(Options{
		WorkDir:         workDir,
		StateDB:         filepath.Join(workDir, ".warden", "warden.db"),
		ProducerVersion: "test",
	})

	if result.Status == statusFail {
		t.Fatalf("expected non-failing status, got: %s (%s)", result.Status, result.Summary)
	}
	if result.NonFixable {
		t.Fatalf("expected non-fixable to be false")
	}
	if !checkStatus(result.Checks, "workdir", statusPass) {
		t.Fatalf("expected workdir pass check: %#v", result.Checks)
	}
	if !checkStatus(result.Checks, "state_db", statusPass) {
		t.Fatalf("expected state_db pass check: %#v", result.Checks)
	}
	if !checkStatus(result.Checks, "policy_schema", statusPass) {
		t.Fatalf("expected policy_schema pass check: %#v", result.Checks)
	}
	// No key configured: exports still work, so this only warns.
	if !checkStatus(result.Checks, "key_config", statusWarn) {
		t.Fatalf("expected key_config warn check: %#v", result.Checks)
	}
}

func TestRunDetectsBadSigningKey(t *testing.T) {
	workDir := t.TempDir()
	result := Run(Options{
		WorkDir:         workDir,
		StateDB:         filepath.Join(workDir, ".warden", "warden.db"),
		ProducerVersion: "test",
		KeyConfig:       sign.KeyConfig{PrivateKeyPath: filepath.Join(workDir, "missing.key")},
	})

	if result.Status != statusFail {
		t.Fatalf("expected fail status for bad signing key, got: %s", result.Status)
	}
	if result.NonFixable {
		t.Fatalf("expected fixable failure for key config")
	}
	if !checkStatus(result.Checks, "key_config", statusFail) {
		t.Fatalf("expected key_config fail check")
	}
}

func TestRunIncludesOptionalDirChecks(t *testing.T) {
	workDir := t.TempDir()
	exportDir := filepath.Join(workDir, "exports")
	if err := os.MkdirAll(exportDir, 0o750); err != nil {
		t.Fatalf("create export dir: %v", err)
	}

	result := Run(Options{
		WorkDir:         workDir,
		StateDB:         filepath.Join(workDir, ".warden", "warden.db"),
		ExportDir:       exportDir,
		TrailPath:       filepath.Join(workDir, "trail.jsonl"),
		ProducerVersion: "test",
	})

	if !checkStatus(result.Checks, "export_dir", statusPass) {
		t.Fatalf("expected export_dir pass check: %#v", result.Checks)
	}
	if !checkStatus(result.Checks, "trail", statusPass) {
		t.Fatalf("expected trail pass check: %#v", result.Checks)
	}
}

func TestDoctorHelperBranches(t *testing.T) {
	workDir := t.TempDir()
	if got := shellQuote(""); got != "''" {
		t.Fatalf("shellQuote empty mismatch: %s", got)
	}
	if got := shellQuote("a'b"); got != "'a'\\''b'" {
		t.Fatalf("shellQuote quote mismatch: %s", got)
	}

	filePath := filepath.Join(workDir, "out-file")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file path: %v", err)
	}
	check := checkExportDir(filePath)
	if check.Status != statusFail {
		t.Fatalf("checkExportDir file should fail, got %s", check.Status)
	}

	missingDir := filepath.Join(workDir, "missing")
	check = checkExportDir(missingDir)
	if check.Status != statusWarn || !strings.Contains(check.FixCommand, "mkdir -p") {
		t.Fatalf("checkExportDir missing should warn with mkdir command: %#v", check)
	}

	check = checkWorkDirWritable(filepath.Join(workDir, "missing-workdir"))
	if check.Status != statusFail {
		t.Fatalf("checkWorkDirWritable missing should fail: %#v", check)
	}

	check = checkTrailPath(filepath.Join(workDir, "nested", "deep", "trail.jsonl"))
	if check.Status != statusWarn || !strings.Contains(check.FixCommand, "mkdir -p") {
		t.Fatalf("checkTrailPath missing parent should warn: %#v", check)
	}

	check = checkKeyConfig(sign.KeyConfig{})
	if check.Status != statusWarn {
		t.Fatalf("missing key config should warn: %#v", check)
	}

	check = checkKeyConfig(sign.KeyConfig{PrivateKeyPath: filepath.Join(workDir, "absent.key")})
	if check.Status != statusFail {
		t.Fatalf("unreadable private key should fail: %#v", check)
	}

	keyPair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	privateKeyPath := filepath.Join(workDir, "private.key")
	publicKeyPath := filepath.Join(workDir, "public.key")
	if err := os.WriteFile(privateKeyPath, []byte(base64.StdEncoding.EncodeToString(keyPair.Private)), 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	if err := os.WriteFile(publicKeyPath, []byte(base64.StdEncoding.EncodeToString(keyPair.Public)), 0o600); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	check = checkKeyConfig(sign.KeyConfig{PrivateKeyPath: privateKeyPath, PublicKeyPath: publicKeyPath})
	if check.Status != statusPass {
		t.Fatalf("valid keypair should pass: %#v", check)
	}
	check = checkKeyConfig(sign.KeyConfig{PublicKeyPath: publicKeyPath})
	if check.Status != statusPass {
		t.Fatalf("valid public key alone should pass: %#v", check)
	}
}

func TestCheckStateDBFailsOnUnusablePath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced the same way on windows")
	}
	parent := filepath.Join(t.TempDir(), "readonly")
	if err := os.MkdirAll(parent, 0o500); err != nil {
		t.Fatalf("mkdir readonly parent: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chmod(parent, 0o700)
	})

	check := checkStateDB(filepath.Join(parent, "sub", "warden.db"))
	if check.Status != statusFail {
		t.Fatalf("expected state_db failure for readonly parent, got %#v", check)
	}
}

func checkStatus(checks []Check, name string, status string) bool {
	for _, check := range checks {
		if check.Name == name && check.Status == status {
			return true
		}
	}
	return false
}
