// Package template generates starter project configurations for the
// common game-server families. The output is a complete project.toml a
// user drops into a server directory before adding it to the daemon.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/craftd/craftd/internal/project"
)

// Kind selects a server family template.
type Kind string

const (
	KindVanilla Kind = "vanilla"
	KindPaper   Kind = "paper"
	KindPurpur  Kind = "purpur"
	KindFabric  Kind = "fabric"
	KindForge   Kind = "forge"
	KindBedrock Kind = "bedrock"
)

// Kinds lists every supported template kind.
func Kinds() []string {
	return []string{
		string(KindVanilla),
		string(KindPaper),
		string(KindPurpur),
		string(KindFabric),
		string(KindForge),
		string(KindBedrock),
	}
}

// Generate returns the starter configuration for the given kind. The name
// must satisfy the daemon's project name rules.
func Generate(kind Kind, name string) (project.Config, error) {
	cfg := project.Default(name)
	cfg.Project.Created = time.Now().UTC()

	switch kind {
	case KindVanilla:
		// Defaults already describe a vanilla server.
	case KindPaper, KindPurpur:
		cfg.Project.ServerType = string(kind)
		// Paper-family servers are usually run with a larger heap and
		// explicit G1 settings.
		cfg.Java.XmsMB = 2048
		cfg.Java.XmxMB = 4096
		cfg.Java.Arguments = []string{"-XX:+UseG1GC", "-XX:MaxGCPauseMillis=200"}
	case KindFabric:
		cfg.Project.ServerType = string(kind)
		cfg.Project.Execute = "fabric-server-launch.jar"
		cfg.Plugins.Manage = true
	case KindForge:
		cfg.Project.ServerType = string(kind)
		cfg.Project.Execute = "forge-server.jar"
		cfg.Java.XmsMB = 2048
		cfg.Java.XmxMB = 4096
	case KindBedrock:
		cfg.Project.ServerType = project.TypeBedrock
		cfg.Project.Execute = "bedrock_server"
	default:
		return project.Config{}, fmt.Errorf("unknown template kind %q (supported: %v)", kind, Kinds())
	}

	if err := cfg.Validate(); err != nil {
		return project.Config{}, err
	}
	return cfg, nil
}

// TOML renders the starter configuration as project.toml content.
func TOML(kind Kind, name string) ([]byte, error) {
	cfg, err := Generate(kind, name)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return data, nil
}

// Write renders the template to path, creating parent directories. An
// existing file is only replaced when force is set.
func Write(path string, kind Kind, name string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s exists (use force to overwrite)", path)
		}
	}
	data, err := TOML(kind, name)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
