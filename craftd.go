// Package craftd embeds the game-server supervision daemon in another Go
// program: open a Daemon from a Config, drive project lifecycle directly,
// and mount the control API on any mux. The craftd binary is a thin CLI
// over this same surface.
package craftd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/craftd/craftd/internal/backup"
	"github.com/craftd/craftd/internal/config"
	"github.com/craftd/craftd/internal/history"
	histfactory "github.com/craftd/craftd/internal/history/factory"
	"github.com/craftd/craftd/internal/manager"
	"github.com/craftd/craftd/internal/metrics"
	"github.com/craftd/craftd/internal/project"
	"github.com/craftd/craftd/internal/registry"
	regfactory "github.com/craftd/craftd/internal/registry/factory"
	"github.com/craftd/craftd/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Token = config.Token

type Overview = manager.Overview

type Summary = manager.Summary

type Detail = manager.Detail

type Grant = manager.Grant

type Record = registry.Record

type ProjectConfig = project.Config

type BackupResult = backup.Result

type HistoryEvent = history.Event

type HistorySink = history.Sink

// DefaultConfig returns the daemon defaults used when no config file is
// given: loopback listener, sqlite registry under the work dir.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads and validates a craftd.toml.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultProjectConfig returns the project.toml defaults for name, the
// same document Create writes for new projects.
func DefaultProjectConfig(name string) ProjectConfig { return project.Default(name) }

// Daemon is a thin facade over the internal manager for embedding.
type Daemon struct{ inner *manager.Manager }

// Open wires a daemon from configuration: registry, optional history
// sink, supervisor and backup schedules. The registry's projects are
// restored before Open returns, so the daemon is immediately usable. The
// caller must Close it.
func Open(ctx context.Context, c Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	reg, err := regfactory.NewFromDSN(c.RegistryDSN())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := reg.EnsureSchema(ctx); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("registry schema: %w", err)
	}

	var recorder *history.Recorder
	if c.History.DSN != "" {
		sink, err := histfactory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		recorder = history.NewRecorder(log, sink)
	}

	m, err := manager.New(manager.Config{
		WorkDir:      c.WorkDir,
		Registry:     reg,
		History:      recorder,
		ChildEnv:     c.ChildEnv(),
		ConsoleLogs:  c.Console,
		PIDDir:       c.RunDir(),
		StopTimeout:  c.Security.StopTimeoutDuration(),
		ReadyGrace:   c.Security.ReadyGraceDuration(),
		RingSize:     c.Security.RingSize,
		TerminalTTL:  c.Security.TerminalTTLDuration(),
		TerminalIdle: c.Security.TerminalIdleDuration(),
		UploadLimit:  c.Security.UploadLimit(),
		Logger:       log,
	})
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	if err := m.Restore(ctx); err != nil {
		_ = m.Shutdown(context.Background())
		return nil, err
	}
	return &Daemon{inner: m}, nil
}

// Close stops every live server gracefully and releases persistence.
func (d *Daemon) Close(ctx context.Context) error { return d.inner.Shutdown(ctx) }

func (d *Daemon) Overview(ctx context.Context) (Overview, error) { return d.inner.Overview(ctx) }
func (d *Daemon) List(ctx context.Context) ([]Summary, error)    { return d.inner.List(ctx) }
func (d *Daemon) Describe(ctx context.Context, id int64) (Detail, error) {
	return d.inner.Describe(ctx, id)
}

func (d *Daemon) Create(ctx context.Context, cfg ProjectConfig) (Record, error) {
	return d.inner.Create(ctx, cfg)
}

func (d *Daemon) Add(ctx context.Context, path string) (Record, error) {
	return d.inner.Add(ctx, path)
}
func (d *Daemon) Remove(ctx context.Context, id int64) error { return d.inner.Remove(ctx, id) }
func (d *Daemon) Start(ctx context.Context, id int64) error  { return d.inner.Start(ctx, id) }
func (d *Daemon) Stop(ctx context.Context, id int64) error   { return d.inner.Stop(ctx, id) }

// Backup runs a manual backup now, regardless of the project's automatic
// backup settings.
func (d *Daemon) Backup(ctx context.Context, id int64) (BackupResult, error) {
	return d.inner.BackupNow(ctx, id)
}

// Connect issues a single-use terminal ticket for the websocket endpoint.
func (d *Daemon) Connect(ctx context.Context, id int64) (Grant, error) {
	return d.inner.Connect(ctx, id)
}

// WriteCommand sends one command line to the project's console.
func (d *Daemon) WriteCommand(id int64, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return d.inner.Write(id, []byte(line))
}

// NewHTTPHandler mounts the daemon's control API under basePath, ready
// for any mux or server. An empty token list leaves the API open.
func NewHTTPHandler(d *Daemon, basePath string, tokens []Token, withMetrics bool, log *slog.Logger) http.Handler {
	r := server.NewRouter(server.Config{
		Manager:  d.inner,
		BasePath: basePath,
		Tokens:   tokens,
		Metrics:  withMetrics,
		Logger:   log,
	})
	return r.Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler exposes the default registry, for callers that mount
// /metrics on their own mux instead of the control API.
func MetricsHandler() http.Handler { return metrics.Handler() }
