// Package projectconfig loads per-project CLI defaults from
// .warden/config.yaml. The file is optional; flag values always win over
// file values.
package projectconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".warden/config.yaml"

type Config struct {
	Project string         `yaml:"project"`
	StateDB string         `yaml:"state_db"`
	Trail   string         `yaml:"trail"`
	Actor   ActorDefaults  `yaml:"actor"`
	Export  ExportDefaults `yaml:"export"`
}

// ActorDefaults pre-fills the recording actor for run subcommands so an
// agent harness does not repeat its identity on every call.
type ActorDefaults struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
	Name string `yaml:"name"`
}

type ExportDefaults struct {
	Dir string `yaml:"dir"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

func (configuration *Config) normalize() {
	configuration.Project = strings.TrimSpace(configuration.Project)
	configuration.StateDB = strings.TrimSpace(configuration.StateDB)
	configuration.Trail = strings.TrimSpace(configuration.Trail)
	configuration.Actor.ID = strings.TrimSpace(configuration.Actor.ID)
	configuration.Actor.Role = strings.ToLower(strings.TrimSpace(configuration.Actor.Role))
	configuration.Actor.Name = strings.TrimSpace(configuration.Actor.Name)
	configuration.Export.Dir = strings.TrimSpace(configuration.Export.Dir)
}
