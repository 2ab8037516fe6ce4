// Package manager is the daemon's lifecycle engine. It composes the
// registry, supervisor, terminal bridge and backup coordinator into the
// operations the control API exposes, and keeps durable state in sync with
// live process truth. Operations on the same project are serialized by a
// per-project lock; different projects never wait on each other.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/craftd/craftd/internal/backup"
	"github.com/craftd/craftd/internal/env"
	"github.com/craftd/craftd/internal/history"
	"github.com/craftd/craftd/internal/logger"
	"github.com/craftd/craftd/internal/metrics"
	"github.com/craftd/craftd/internal/project"
	"github.com/craftd/craftd/internal/registry"
	"github.com/craftd/craftd/internal/supervisor"
	"github.com/craftd/craftd/internal/terminal"
)

var (
	// ErrNotAllowed is returned by Remove for projects that were added
	// rather than created; the daemon does not own their directories.
	ErrNotAllowed = errors.New("project not managed by this daemon")
	// ErrProjectRunning is returned by Remove while the project's process
	// is live.
	ErrProjectRunning = errors.New("project is running")
	// ErrPathEscapes rejects file paths that resolve outside the project
	// directory.
	ErrPathEscapes = errors.New("path escapes project directory")
	// ErrTooLarge rejects uploads past the configured size limit.
	ErrTooLarge = errors.New("upload too large")
	// ErrNotAFile is returned when a file operation targets a directory
	// or other non-regular entry.
	ErrNotAFile = errors.New("not a regular file")
)

// PluginSyncFunc runs before a start for projects with plugin management
// enabled. Failures are logged and do not block the start.
type PluginSyncFunc func(ctx context.Context, rec registry.Record, cfg project.Config) error

// Config wires a Manager. Registry and WorkDir are required; everything
// else has usable zero values.
type Config struct {
	// WorkDir is the daemon workspace; projects are created under
	// <WorkDir>/projects and managed runtimes live in <WorkDir>/runtimes.
	WorkDir  string
	Registry registry.Store
	// History receives lifecycle and backup events; nil disables export.
	History *history.Recorder

	// ChildEnv is layered onto every launched server process.
	ChildEnv    env.Table
	ConsoleLogs logger.FileConfig
	PIDDir      string

	StopTimeout  time.Duration
	ReadyGrace   time.Duration
	RingSize     int
	TerminalTTL  time.Duration
	TerminalIdle time.Duration
	// UploadLimit caps WriteFile bodies in bytes. Zero means 1<<21 (2MB).
	UploadLimit int64

	// Usage, when set, contributes live resource samples to Describe.
	Usage *metrics.UsageCollector

	PluginSync PluginSyncFunc

	Logger *slog.Logger
}

// DefaultUploadLimit caps file uploads when the config does not.
const DefaultUploadLimit int64 = 2 << 20

// Manager owns all project lifecycle operations.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	reg    registry.Store
	hist   *history.Recorder
	sup    *supervisor.Supervisor
	bridge *terminal.Bridge
	coord  *backup.Coordinator
	locks  *lockTable

	resolver  project.Resolver
	startedAt time.Time
}

// New builds the engine and its workspace directories. It does not touch
// the registry; call Restore to adopt persisted projects.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("manager: registry is required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("manager: work dir is required")
	}
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("manager: resolve work dir: %w", err)
	}
	cfg.WorkDir = workDir
	if cfg.UploadLimit <= 0 {
		cfg.UploadLimit = DefaultUploadLimit
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	for _, dir := range []string{workDir, filepath.Join(workDir, "projects"), filepath.Join(workDir, "runtimes")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("manager: prepare %s: %w", dir, err)
		}
	}

	m := &Manager{
		cfg:       cfg,
		log:       log,
		reg:       cfg.Registry,
		hist:      cfg.History,
		locks:     newLockTable(),
		resolver:  project.Resolver{RuntimesDir: filepath.Join(workDir, "runtimes")},
		startedAt: time.Now(),
	}
	m.sup = supervisor.New(supervisor.Config{
		ChildEnv:    cfg.ChildEnv,
		ConsoleLogs: cfg.ConsoleLogs,
		PIDDir:      cfg.PIDDir,
		StopTimeout: cfg.StopTimeout,
		ReadyGrace:  cfg.ReadyGrace,
		RingSize:    cfg.RingSize,
		OnExit:      m.handleExit,
		OnRunning:   m.handleRunning,
		Logger:      log,
	})
	m.bridge = terminal.New(m.sup, terminal.Config{
		TTL:    cfg.TerminalTTL,
		Idle:   cfg.TerminalIdle,
		Logger: log,
	})
	m.coord = backup.New(backup.Config{
		Running:  m.projectRunning,
		OnResult: m.recordBackupResult,
		Logger:   log,
	})
	return m, nil
}

// ProjectsDir is where created projects live.
func (m *Manager) ProjectsDir() string { return filepath.Join(m.cfg.WorkDir, "projects") }

// LiveTargets lists the running processes for the resource usage sampler.
func (m *Manager) LiveTargets() []metrics.UsageTarget { return m.sup.LiveTargets() }

// Restore adopts the registry's projects after a daemon restart: stale
// live states are reset (processes are never re-attached), every project
// is registered with the supervisor, and backup schedules are installed.
func (m *Manager) Restore(ctx context.Context) error {
	reset, err := m.reg.ResetLiveStates(ctx, supervisor.StateStopped.String())
	if err != nil {
		return fmt.Errorf("manager: reset stale states: %w", err)
	}
	if reset > 0 {
		m.log.Info("reset stale project states from previous run", "count", reset)
	}

	recs, err := m.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("manager: list projects: %w", err)
	}
	for _, rec := range recs {
		m.sup.Ensure(rec.ID, rec.Name)
		cfg, err := project.Load(rec.Path)
		if err != nil {
			m.log.Warn("project config unreadable, backups not scheduled",
				"project", rec.Name, "path", rec.Path, "error", err)
			continue
		}
		m.scheduleBackups(rec, cfg)
	}
	m.log.Info("projects restored", "count", len(recs))
	return nil
}

// Shutdown tears the engine down: backup jobs finish, terminals close,
// every live process is stopped gracefully, then persistence is closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.coord.Close()
	m.bridge.Close()
	err := m.sup.Shutdown(ctx)
	if herr := m.hist.Close(); herr != nil && err == nil {
		err = herr
	}
	if rerr := m.reg.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// handleRunning records readiness in the registry. Invoked by the
// supervisor once a starting process produces output or outlives its
// ready grace.
func (m *Manager) handleRunning(projectID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.reg.UpdateState(ctx, projectID, supervisor.StateRunning.String()); err != nil {
		m.log.Warn("registry state update failed", "project_id", projectID,
			"state", supervisor.StateRunning, "error", err)
	}
}

// handleExit runs once per finished run, after the supervisor has closed
// the console ring. It persists the final state, exports the history
// event, and fires the project's on-stop backup. The supervisor closes the
// run's done channel before invoking this, so a Stop caller holding the
// project lock has already returned by the time the lock is taken here.
func (m *Manager) handleExit(ev supervisor.ExitEvent) {
	defer m.locks.Lock(ev.ProjectID)()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A quick restart may already have a new live run; its states win.
	if st, err := m.sup.Status(ev.ProjectID); err != nil || !st.State.Live() {
		if err := m.reg.UpdateState(ctx, ev.ProjectID, ev.State.String()); err != nil {
			m.log.Warn("registry state update failed", "project_id", ev.ProjectID,
				"state", ev.State, "error", err)
		}
	}

	rec, err := m.reg.Get(ctx, ev.ProjectID)
	if err != nil {
		// Removed while crashing; nothing left to report on.
		m.log.Debug("exit for unregistered project", "project_id", ev.ProjectID, "error", err)
		return
	}

	evType := history.EventStopped
	if !ev.Requested {
		evType = history.EventCrashed
	}
	m.hist.Record(ctx, history.Event{
		Type:       evType,
		OccurredAt: ev.ExitedAt,
		ProjectID:  ev.ProjectID,
		Project:    ev.Name,
		State:      ev.State.String(),
		PID:        ev.PID,
		ExitCode:   ev.ExitCode,
		Detail:     fmt.Sprintf("exit code %d after %s", ev.ExitCode, ev.ExitedAt.Sub(ev.StartedAt).Round(time.Second)),
	})

	// The on-stop hook covers requested stops and crashes alike; the
	// coordinator applies the project's policy.
	if cfg, err := project.Load(rec.Path); err == nil {
		m.coord.OnEvent(m.backupRef(rec, cfg), backup.EventStop)
	}
}

// recordBackupResult exports every backup outcome, including skips.
func (m *Manager) recordBackupResult(res backup.Result) {
	detail := fmt.Sprintf("%s via %s", res.Outcome, res.Trigger)
	if res.Archive != "" {
		detail = fmt.Sprintf("%s: %s (%d bytes)", detail, filepath.Base(res.Archive), res.Size)
	}
	if res.Err != nil {
		detail = fmt.Sprintf("%s: %v", detail, res.Err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.hist.Record(ctx, history.Event{
		Type:       history.EventBackup,
		OccurredAt: res.StartedAt,
		ProjectID:  res.ProjectID,
		Project:    res.Project,
		Detail:     detail,
	})
}

// projectRunning gates timer-triggered backups on an actually running
// process.
func (m *Manager) projectRunning(projectID int64) bool {
	st, err := m.sup.Status(projectID)
	return err == nil && st.State == supervisor.StateRunning
}

func (m *Manager) backupRef(rec registry.Record, cfg project.Config) backup.Ref {
	return backup.Ref{
		ProjectID: rec.ID,
		Name:      rec.Name,
		Dir:       rec.Path,
		Policy:    backup.PolicyFrom(cfg.Backup),
	}
}

func (m *Manager) scheduleBackups(rec registry.Record, cfg project.Config) {
	if err := m.coord.Schedule(m.backupRef(rec, cfg)); err != nil {
		m.log.Warn("backup schedule rejected", "project", rec.Name, "error", err)
	}
}

func (m *Manager) recordEvent(ctx context.Context, t history.EventType, rec registry.Record, state, detail string) {
	m.hist.Record(ctx, history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		ProjectID:  rec.ID,
		Project:    rec.Name,
		State:      state,
		Detail:     detail,
	})
}
