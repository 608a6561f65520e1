package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nebula-ide/warden/core/audit"
	"github.com/nebula-ide/warden/core/policy"
	"github.com/nebula-ide/warden/core/projectconfig"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
	"github.com/nebula-ide/warden/core/store"
)

const defaultStateDBPath = ".warden/warden.db"

// cliState wires the persistence collaborators for one command invocation:
// the SQLite database, the policy store backed by it, and the audit log.
// Commands that only need the policy skip the log restore.
type cliState struct {
	db       *sql.DB
	policies *policy.Store
	log      *audit.Log
	config   projectconfig.Config
	project  string
}

type stateOptions struct {
	configPath    string
	disableConfig bool
	statePath     string
	project       string
	trailPath     string
	restoreLog    bool
}

func openState(options stateOptions) (*cliState, error) {
	state := &cliState{}

	if !options.disableConfig {
		configPath := options.configPath
		if strings.TrimSpace(configPath) == "" {
			configPath = projectconfig.DefaultPath
		}
		allowMissing := isDefaultProjectConfigPath(configPath)
		configuration, err := projectconfig.Load(configPath, allowMissing)
		if err != nil {
			return nil, err
		}
		state.config = configuration
	}

	state.project = strings.TrimSpace(options.project)
	if state.project == "" {
		state.project = state.config.Project
	}

	statePath := strings.TrimSpace(options.statePath)
	if statePath == "" {
		statePath = state.config.StateDB
	}
	if statePath == "" {
		statePath = defaultStateDBPath
	}

	db, err := store.NewDB(statePath)
	if err != nil {
		return nil, err
	}
	state.db = db

	state.policies = policy.NewStore(policy.WithPersister(store.NewPolicyRepo(db)))

	auditRepo := store.NewAuditRepo(db)
	archiver := audit.Archiver(auditRepo)
	trailPath := strings.TrimSpace(options.trailPath)
	if trailPath == "" {
		trailPath = state.config.Trail
	}
	if trailPath != "" {
		trail, err := audit.NewTrail(trailPath)
		if err != nil {
			db.Close()
			return nil, err
		}
		archiver = audit.Tee(auditRepo, trail)
	}
	state.log = audit.NewLog(audit.WithArchiver(archiver))

	if options.restoreLog {
		ctx := context.Background()
		events, err := auditRepo.LoadEvents(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		runs, err := auditRepo.LoadRuns(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := state.log.Restore(events, runs); err != nil {
			db.Close()
			return nil, err
		}
	}
	return state, nil
}

func (s *cliState) close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *cliState) requireProject() error {
	if s.project == "" {
		return fmt.Errorf("project id is required (--project or .warden/config.yaml)")
	}
	return nil
}

// actor resolves the recording actor from flags with config defaults behind
// them.
func (s *cliState) actor(actorType, id, role, name string) schemaaudit.Actor {
	resolved := schemaaudit.Actor{
		ActorType: strings.ToLower(strings.TrimSpace(actorType)),
		ID:        strings.TrimSpace(id),
		Role:      strings.ToLower(strings.TrimSpace(role)),
		Name:      strings.TrimSpace(name),
	}
	if resolved.ActorType == "" {
		resolved.ActorType = schemaaudit.ActorAgent
	}
	if resolved.ID == "" {
		resolved.ID = s.config.Actor.ID
	}
	if resolved.Role == "" {
		resolved.Role = s.config.Actor.Role
	}
	if resolved.Name == "" {
		resolved.Name = s.config.Actor.Name
	}
	if resolved.Name == "" {
		resolved.Name = resolved.ID
	}
	return resolved
}

func isDefaultProjectConfigPath(path string) bool {
	return filepath.Clean(strings.TrimSpace(path)) == filepath.Clean(projectconfig.DefaultPath)
}

// readTextInput resolves the text a scanning command operates on: --text
// wins, then --in (where "-" reads stdin), then a bare "-" positional.
func readTextInput(text, inPath string, positionals []string) (string, error) {
	if text != "" {
		return text, nil
	}
	source := strings.TrimSpace(inPath)
	if source == "" && len(positionals) == 1 && positionals[0] == "-" {
		source = "-"
	}
	if source == "" {
		return "", fmt.Errorf("no input: pass --text, --in <file>, or - for stdin")
	}
	if source == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(content), nil
	}
	// #nosec G304 -- input path is explicit local user input.
	content, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(content), nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
