// Package config loads and validates the daemon's TOML configuration file.
// One file configures everything: workspace layout, the control API and its
// tokens, security limits, persistence DSNs, logging, and metrics.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/craftd/craftd/internal/env"
	"github.com/craftd/craftd/internal/logger"
	"github.com/craftd/craftd/internal/metrics"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// DefaultFileName is the config file looked up when --config is not given.
const DefaultFileName = "craftd.toml"

// Defaults applied by Default and by Load for omitted fields.
const (
	DefaultListen        = "127.0.0.1:8137"
	DefaultUploadLimitMB = 2
	DefaultTerminalTTL   = 10  // seconds
	DefaultTerminalIdle  = 300 // seconds
	DefaultStopTimeout   = 30  // seconds
	DefaultReadyGrace    = 3   // seconds
	DefaultRingSize      = 1000
)

// Config is the top-level TOML structure.
type Config struct {
	// WorkDir is the daemon workspace. Projects live under
	// <work_dir>/projects, managed Java runtimes under <work_dir>/runtimes.
	WorkDir string `mapstructure:"work_dir" toml:"work_dir"`

	Server   ServerConfig      `mapstructure:"server" toml:"server"`
	Security SecurityConfig    `mapstructure:"security" toml:"security"`
	Tokens   []Token           `mapstructure:"tokens" toml:"tokens"`
	Registry RegistryConfig    `mapstructure:"registry" toml:"registry"`
	History  HistoryConfig     `mapstructure:"history" toml:"history"`
	Log      logger.SlogConfig `mapstructure:"log" toml:"log"`
	Console  logger.FileConfig `mapstructure:"console_log" toml:"console_log"`
	Metrics  MetricsConfig     `mapstructure:"metrics" toml:"metrics"`
	Env      map[string]string `mapstructure:"env" toml:"env"`
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	Listen   string     `mapstructure:"listen" toml:"listen"`
	BasePath string     `mapstructure:"base_path" toml:"base_path"`
	PIDFile  string     `mapstructure:"pidfile" toml:"pidfile"`
	TLS      *TLSConfig `mapstructure:"tls" toml:"tls"`
}

// TLSConfig enables HTTPS on the control API. Either point CertFile/KeyFile
// at existing material or set Dir (optionally with AutoGenerate) to use
// tls.crt/tls.key under that directory.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled" toml:"enabled"`
	Dir          string      `mapstructure:"dir" toml:"dir"`
	CertFile     string      `mapstructure:"cert_file" toml:"cert_file"`
	KeyFile      string      `mapstructure:"key_file" toml:"key_file"`
	AutoGenerate bool        `mapstructure:"auto_generate" toml:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version" toml:"min_version"`
	MaxVersion   string      `mapstructure:"max_version" toml:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen" toml:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name" toml:"common_name"`
	Organization string   `mapstructure:"organization" toml:"organization"`
	DNSNames     []string `mapstructure:"dns_names" toml:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses" toml:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days" toml:"valid_days"`
}

// SecurityConfig bounds the daemon's externally reachable surfaces.
// Durations are plain seconds in the file.
type SecurityConfig struct {
	UploadLimitMB int `mapstructure:"upload_limit_mb" toml:"upload_limit_mb"`
	TerminalTTL   int `mapstructure:"terminal_ttl" toml:"terminal_ttl"`
	TerminalIdle  int `mapstructure:"terminal_idle" toml:"terminal_idle"`
	StopTimeout   int `mapstructure:"stop_timeout" toml:"stop_timeout"`
	ReadyGrace    int `mapstructure:"ready_grace" toml:"ready_grace"`
	RingSize      int `mapstructure:"ring_size" toml:"ring_size"`
}

// Token is one bearer token accepted by the control API. A zero ExpiresAt
// never expires.
type Token struct {
	Value     string    `mapstructure:"value" toml:"value"`
	ExpiresAt time.Time `mapstructure:"expires_at" toml:"expires_at,omitempty"`
}

// RegistryConfig selects the project registry backend by DSN. Empty means
// sqlite under the work dir.
type RegistryConfig struct {
	DSN string `mapstructure:"dsn" toml:"dsn"`
}

// HistoryConfig selects optional history sinks by DSN. Empty disables
// history export.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn" toml:"dsn"`
}

// MetricsConfig gates the Prometheus endpoint and the usage sampler.
type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled" toml:"enabled"`
	Usage   metrics.UsageConfig `mapstructure:"usage" toml:"usage"`
}

// UploadLimit returns the file upload cap in bytes.
func (s SecurityConfig) UploadLimit() int64 {
	mb := s.UploadLimitMB
	if mb <= 0 {
		mb = DefaultUploadLimitMB
	}
	return int64(mb) << 20
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// TerminalTTLDuration is the single-use token lifetime.
func (s SecurityConfig) TerminalTTLDuration() time.Duration {
	return secondsOr(s.TerminalTTL, DefaultTerminalTTL)
}

// TerminalIdleDuration is the attached-session idle timeout.
func (s SecurityConfig) TerminalIdleDuration() time.Duration {
	return secondsOr(s.TerminalIdle, DefaultTerminalIdle)
}

// StopTimeoutDuration is the graceful-stop window before the process group
// is killed.
func (s SecurityConfig) StopTimeoutDuration() time.Duration {
	return secondsOr(s.StopTimeout, DefaultStopTimeout)
}

// ReadyGraceDuration is how long a silent child may take before it is
// considered running anyway.
func (s SecurityConfig) ReadyGraceDuration() time.Duration {
	return secondsOr(s.ReadyGrace, DefaultReadyGrace)
}

// Expired reports whether the token is past its expiry.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ProjectsDir is where daemon-created projects live.
func (c *Config) ProjectsDir() string { return filepath.Join(c.WorkDir, "projects") }

// RuntimesDir holds managed Java runtimes, laid out as <edition>-<version>.
func (c *Config) RuntimesDir() string { return filepath.Join(c.WorkDir, "runtimes") }

// RunDir receives one pidfile per running server process.
func (c *Config) RunDir() string { return filepath.Join(c.WorkDir, "run") }

// RegistryDSN returns the configured registry DSN, defaulting to a sqlite
// database under the work dir.
func (c *Config) RegistryDSN() string {
	if c.Registry.DSN != "" {
		return c.Registry.DSN
	}
	return "sqlite://" + filepath.Join(c.WorkDir, "registry.db")
}

// ChildEnv returns the [env] table applied to every launched server.
func (c *Config) ChildEnv() env.Table {
	if len(c.Env) == 0 {
		return nil
	}
	t := make(env.Table, len(c.Env))
	for k, v := range c.Env {
		t[k] = v
	}
	return t
}

// Default returns the configuration the daemon runs with when no file is
// given: workspace under $HOME/.craftd, loopback listener, sqlite registry.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		WorkDir: filepath.Join(home, ".craftd"),
		Server:  ServerConfig{Listen: DefaultListen},
		Security: SecurityConfig{
			UploadLimitMB: DefaultUploadLimitMB,
			TerminalTTL:   DefaultTerminalTTL,
			TerminalIdle:  DefaultTerminalIdle,
			StopTimeout:   DefaultStopTimeout,
			ReadyGrace:    DefaultReadyGrace,
			RingSize:      DefaultRingSize,
		},
		Log: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true},
		Metrics: MetricsConfig{
			Enabled: true,
			Usage:   metrics.UsageConfig{Enabled: true, Interval: 5 * time.Second},
		},
	}
}

// Load reads the TOML file at path and merges it over Default. Relative
// work_dir and TLS paths are resolved against the file's directory.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.WorkDir = resolvePath(base, cfg.WorkDir)
	if cfg.Server.TLS != nil {
		cfg.Server.TLS.Dir = resolvePath(base, cfg.Server.TLS.Dir)
		cfg.Server.TLS.CertFile = resolvePath(base, cfg.Server.TLS.CertFile)
		cfg.Server.TLS.KeyFile = resolvePath(base, cfg.Server.TLS.KeyFile)
	}
	cfg.Console.Dir = resolvePath(base, cfg.Console.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks the parts that would otherwise fail deep inside the
// daemon: listener, work dir, token values, TLS combinations.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return errors.New("config: work_dir is required")
	}
	if c.Server.Listen == "" {
		return errors.New("config: server.listen is required")
	}
	for i, t := range c.Tokens {
		if t.Value == "" {
			return fmt.Errorf("config: tokens[%d] has an empty value", i)
		}
	}
	if tls := c.Server.TLS; tls != nil && tls.Enabled {
		fileMode := tls.CertFile != "" || tls.KeyFile != ""
		if fileMode && (tls.CertFile == "" || tls.KeyFile == "") {
			return errors.New("config: server.tls needs both cert_file and key_file")
		}
		if !fileMode && tls.Dir == "" {
			return errors.New("config: server.tls needs cert_file/key_file or dir")
		}
	}
	if c.Security.UploadLimitMB < 0 {
		return fmt.Errorf("config: security.upload_limit_mb %d is negative", c.Security.UploadLimitMB)
	}
	return nil
}

// Save writes cfg as TOML, creating parent directories. Used by init and
// by tests.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
