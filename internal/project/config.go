// Package project holds the per-project configuration file and turns it
// into launch specifications. A project directory is self-describing: the
// daemon reads its project.toml on every start, so edits apply without
// re-adding the project.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// ConfigFileName is the per-project configuration file, kept inside the
// project directory itself.
const ConfigFileName = "project.toml"

// ErrInvalidConfig wraps every validation failure of a project.toml.
var ErrInvalidConfig = errors.New("invalid project config")

// Java management modes.
const (
	JavaModeAuto   = "auto"
	JavaModeManual = "manual"
)

// Java editions. Custom points at a user-supplied JAVA_HOME.
const (
	EditionGraalVM = "graalvm"
	EditionOracle  = "oracle"
	EditionOpenJDK = "openjdk"
	EditionCustom  = "custom"
)

// Server types with special handling. Anything else is treated as a Java
// family server run through -jar.
const (
	TypeVanilla = "vanilla"
	TypePaper   = "paper"
	TypeBedrock = "bedrock"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// cronParser accepts the standard 5-field expressions used in [backup.time].
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config is the full project.toml.
type Config struct {
	Project Meta    `toml:"project" json:"project"`
	Java    Java    `toml:"java" json:"java"`
	Backup  Backup  `toml:"backup" json:"backup"`
	Plugins Plugins `toml:"plugins" json:"plugins"`
}

// Meta identifies the server this project runs.
type Meta struct {
	Name        string    `toml:"name" json:"name"`
	ServerType  string    `toml:"server_type" json:"server_type"`
	Version     string    `toml:"version" json:"version"`
	VersionType string    `toml:"version_type" json:"version_type"`
	Execute     string    `toml:"execute" json:"execute"`
	Created     time.Time `toml:"created" json:"created"`
}

// Java configures the runtime for Java family servers. Ignored for bedrock.
type Java struct {
	Mode    string `toml:"mode" json:"mode"`
	Edition string `toml:"edition" json:"edition"`
	Version int    `toml:"version" json:"version"`
	// Custom is the JAVA_HOME used when Edition is "custom".
	Custom string `toml:"custom" json:"custom,omitempty"`
	// Arguments are extra JVM flags placed before -jar.
	Arguments []string `toml:"arguments" json:"arguments,omitempty"`
	XmsMB     int      `toml:"xms" json:"xms"`
	XmxMB     int      `toml:"xmx" json:"xmx"`
}

// Backup controls the project's backup scopes and triggers.
type Backup struct {
	Enabled bool        `toml:"enabled" json:"enabled"`
	World   bool        `toml:"world" json:"world"`
	Other   bool        `toml:"other" json:"other"`
	Time    BackupTime  `toml:"time" json:"time"`
	Event   BackupEvent `toml:"event" json:"event"`
}

// BackupTime holds the runtime-only timed triggers.
type BackupTime struct {
	// Interval in seconds between backups while the server runs. 0 is off.
	Interval int `toml:"interval" json:"interval"`
	// Cron is a standard 5-field expression, evaluated while the server
	// runs. Empty is off.
	Cron string `toml:"cron" json:"cron,omitempty"`
}

// BackupEvent holds the lifecycle-triggered backups.
type BackupEvent struct {
	Start  bool `toml:"start" json:"start"`
	Stop   bool `toml:"stop" json:"stop"`
	Update bool `toml:"update" json:"update"`
}

// Plugins gates the plugin management hooks.
type Plugins struct {
	Manage bool `toml:"manage" json:"manage"`
}

// Default returns the configuration written for newly created projects.
// Loading merges the file over these values, so sections a project.toml
// leaves out keep their defaults.
func Default(name string) Config {
	return Config{
		Project: Meta{
			Name:        name,
			ServerType:  TypeVanilla,
			Version:     "latest",
			VersionType: "release",
			Execute:     "server.jar",
			Created:     time.Now().UTC(),
		},
		Java: Java{
			Mode:    JavaModeAuto,
			Edition: EditionGraalVM,
			Version: 21,
			XmsMB:   1024,
			XmxMB:   2048,
		},
		Backup: Backup{
			Enabled: true,
			World:   true,
			Other:   false,
			Event:   BackupEvent{Start: false, Stop: true, Update: true},
		},
		Plugins: Plugins{Manage: false},
	}
}

// Bedrock reports whether the project runs the Bedrock dedicated server,
// which launches its native binary directly instead of a JVM.
func (c *Config) Bedrock() bool { return c.Project.ServerType == TypeBedrock }

func (c *Config) Validate() error {
	if !nameRe.MatchString(c.Project.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidConfig, c.Project.Name, nameRe)
	}
	if c.Project.ServerType == "" {
		return fmt.Errorf("%w: missing server_type", ErrInvalidConfig)
	}
	if c.Project.Execute == "" {
		return fmt.Errorf("%w: missing execute", ErrInvalidConfig)
	}
	if !c.Bedrock() {
		if c.Java.Mode != JavaModeAuto && c.Java.Mode != JavaModeManual {
			return fmt.Errorf("%w: java.mode %q", ErrInvalidConfig, c.Java.Mode)
		}
		switch c.Java.Edition {
		case EditionGraalVM, EditionOracle, EditionOpenJDK, EditionCustom:
		default:
			return fmt.Errorf("%w: java.edition %q", ErrInvalidConfig, c.Java.Edition)
		}
		if c.Java.Edition == EditionCustom && c.Java.Custom == "" {
			return fmt.Errorf("%w: java.edition custom requires java.custom", ErrInvalidConfig)
		}
		if c.Java.XmsMB <= 0 || c.Java.XmxMB <= 0 {
			return fmt.Errorf("%w: heap sizes must be positive, got xms=%d xmx=%d",
				ErrInvalidConfig, c.Java.XmsMB, c.Java.XmxMB)
		}
		if c.Java.XmsMB > c.Java.XmxMB {
			return fmt.Errorf("%w: xms %dMB exceeds xmx %dMB",
				ErrInvalidConfig, c.Java.XmsMB, c.Java.XmxMB)
		}
	}
	if c.Backup.Time.Interval < 0 {
		return fmt.Errorf("%w: backup interval %d", ErrInvalidConfig, c.Backup.Time.Interval)
	}
	if expr := c.Backup.Time.Cron; expr != "" {
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("%w: backup cron %q: %v", ErrInvalidConfig, expr, err)
		}
	}
	return nil
}

// Load reads and validates dir's project.toml. Missing keys keep the
// defaults, so hand-written minimal files are accepted.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg := Default("")
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as dir's project.toml.
func Save(dir string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode project config: %w", err)
	}
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
