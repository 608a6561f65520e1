// Package doctor runs local environment checks so a failing setup is
// diagnosed before a run starts instead of mid-run.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nebula-ide/warden/core/policy"
	"github.com/nebula-ide/warden/core/sign"
	"github.com/nebula-ide/warden/core/store"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

type Options struct {
	WorkDir         string
	StateDB         string
	ExportDir       string
	TrailPath       string
	ProducerVersion string
	KeyConfig       sign.KeyConfig
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

func Run(opts Options) Result {
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		workDir = "."
	}
	stateDB := strings.TrimSpace(opts.StateDB)
	if stateDB == "" {
		stateDB = filepath.Join(workDir, ".warden", "warden.db")
	}

	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}

	checks := []Check{
		checkWorkDirWritable(workDir),
		checkStateDB(stateDB),
		checkPolicySchema(),
		checkKeyConfig(opts.KeyConfig),
	}
	if strings.TrimSpace(opts.ExportDir) != "" {
		checks = append(checks, checkExportDir(strings.TrimSpace(opts.ExportDir)))
	}
	if strings.TrimSpace(opts.TrailPath) != "" {
		checks = append(checks, checkTrailPath(strings.TrimSpace(opts.TrailPath)))
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := statusPass
	if failed > 0 {
		status = statusFail
	} else if warned > 0 {
		status = statusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		SchemaID:        "warden.doctor.result",
		SchemaVersion:   "1.0.0",
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

func checkWorkDirWritable(workDir string) Check {
	info, err := os.Stat(workDir)
	if err != nil {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    fmt.Sprintf("workdir not accessible: %v", err),
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(workDir)),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    "workdir is not a directory",
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(workDir)),
		}
	}
	testPath := filepath.Join(workDir, ".warden-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    fmt.Sprintf("workdir not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(workDir)),
		}
	}
	_ = os.Remove(testPath)
	return Check{
		Name:    "workdir",
		Status:  statusPass,
		Message: "workdir is writable",
	}
}

// checkStateDB opens the state database for real, so a bad path,
// permissions problem, or corrupt file surfaces here with sqlite's own
// error instead of a vague failure later.
func checkStateDB(stateDB string) Check {
	db, err := store.NewDB(stateDB)
	if err != nil {
		return Check{
			Name:       "state_db",
			Status:     statusFail,
			Message:    fmt.Sprintf("state database not usable: %v", err),
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(filepath.Dir(stateDB))),
		}
	}
	_ = db.Close()
	return Check{
		Name:    "state_db",
		Status:  statusPass,
		Message: fmt.Sprintf("state database opens at %s", stateDB),
	}
}

// checkPolicySchema round-trips the built-in default policy through the
// JSON codec, which compiles the embedded schema and validates against it.
func checkPolicySchema() Check {
	document := policy.Default("doctor-check", time.Now().UTC())
	encoded, err := policy.EncodeDocumentJSON(document)
	if err != nil {
		return Check{
			Name:       "policy_schema",
			Status:     statusFail,
			Message:    fmt.Sprintf("default policy does not encode: %v", err),
			NonFixable: true,
		}
	}
	if _, err := policy.ParseDocumentJSON(encoded); err != nil {
		return Check{
			Name:       "policy_schema",
			Status:     statusFail,
			Message:    fmt.Sprintf("default policy does not validate: %v", err),
			NonFixable: true,
		}
	}
	return Check{
		Name:    "policy_schema",
		Status:  statusPass,
		Message: "policy schema compiles and the default policy validates",
	}
}

func checkExportDir(exportDir string) Check {
	info, err := os.Stat(exportDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       "export_dir",
				Status:     statusWarn,
				Message:    "export directory does not exist",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(exportDir)),
			}
		}
		return Check{
			Name:    "export_dir",
			Status:  statusFail,
			Message: fmt.Sprintf("export directory check failed: %v", err),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    "export_dir",
			Status:  statusFail,
			Message: "export path is not a directory",
		}
	}
	testPath := filepath.Join(exportDir, ".warden-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       "export_dir",
			Status:     statusFail,
			Message:    fmt.Sprintf("export directory not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(exportDir)),
		}
	}
	_ = os.Remove(testPath)
	return Check{
		Name:    "export_dir",
		Status:  statusPass,
		Message: "export directory is writable",
	}
}

func checkTrailPath(trailPath string) Check {
	parent := filepath.Dir(trailPath)
	info, err := os.Stat(parent)
	if err != nil {
		return Check{
			Name:       "trail",
			Status:     statusWarn,
			Message:    fmt.Sprintf("trail directory not accessible: %v", err),
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(parent)),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    "trail",
			Status:  statusFail,
			Message: "trail parent path is not a directory",
		}
	}
	file, err := os.OpenFile(filepath.Clean(trailPath), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return Check{
			Name:       "trail",
			Status:     statusFail,
			Message:    fmt.Sprintf("trail file not appendable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(trailPath)),
		}
	}
	_ = file.Close()
	return Check{
		Name:    "trail",
		Status:  statusPass,
		Message: "trail file is appendable",
	}
}

// checkKeyConfig treats an absent signing key as a warning: exports still
// work, they are just unsigned.
func checkKeyConfig(cfg sign.KeyConfig) Check {
	hasPrivate := strings.TrimSpace(cfg.PrivateKeyPath) != "" || strings.TrimSpace(cfg.PrivateKeyEnv) != ""
	hasPublic := strings.TrimSpace(cfg.PublicKeyPath) != "" || strings.TrimSpace(cfg.PublicKeyEnv) != ""
	if !hasPrivate && !hasPublic {
		return Check{
			Name:       "key_config",
			Status:     statusWarn,
			Message:    "no signing key configured; export manifests will be unsigned",
			FixCommand: "warden keys init",
		}
	}
	if hasPrivate {
		if _, err := sign.LoadSigningKey(cfg); err != nil {
			return Check{
				Name:       "key_config",
				Status:     statusFail,
				Message:    fmt.Sprintf("invalid signing key config: %v", err),
				FixCommand: "set a valid --sign-key <path> or key env variable",
			}
		}
		return Check{
			Name:    "key_config",
			Status:  statusPass,
			Message: "signing key configuration is valid",
		}
	}
	if _, err := sign.LoadVerifyKey(cfg); err != nil {
		return Check{
			Name:       "key_config",
			Status:     statusFail,
			Message:    fmt.Sprintf("invalid verify key config: %v", err),
			FixCommand: "set a valid --public-key <path> or key env variable",
		}
	}
	return Check{
		Name:    "key_config",
		Status:  statusPass,
		Message: "verify key configuration is valid",
	}
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
