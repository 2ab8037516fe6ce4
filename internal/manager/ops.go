package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/craftd/craftd/internal/backup"
	"github.com/craftd/craftd/internal/history"
	"github.com/craftd/craftd/internal/metrics"
	"github.com/craftd/craftd/internal/project"
	"github.com/craftd/craftd/internal/registry"
	"github.com/craftd/craftd/internal/supervisor"
	"github.com/craftd/craftd/internal/terminal"
)

// Overview is the daemon-level status snapshot.
type Overview struct {
	Projects  int       `json:"projects"`
	Running   int       `json:"running"`
	StartedAt time.Time `json:"started_at"`
}

// Summary is one row of List: the registry record merged with live
// process state and the highlights of the project's configuration.
type Summary struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Manual     bool   `json:"manual"`
	State      string `json:"state"`
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	ServerType string `json:"server_type,omitempty"`
	Version    string `json:"version,omitempty"`
}

// Detail is the full Describe payload.
type Detail struct {
	Record registry.Record   `json:"record"`
	Config *project.Config   `json:"config,omitempty"`
	Status supervisor.Status `json:"status"`
	Usage  *metrics.Usage    `json:"usage,omitempty"`
}

// Grant is a single-use terminal ticket.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Overview counts registered projects and live processes.
func (m *Manager) Overview(ctx context.Context) (Overview, error) {
	recs, err := m.reg.List(ctx)
	if err != nil {
		return Overview{}, err
	}
	running := 0
	for _, st := range m.sup.Statuses() {
		if st.Running() {
			running++
		}
	}
	return Overview{Projects: len(recs), Running: running, StartedAt: m.startedAt}, nil
}

// Create makes a new project directory under the workspace, writes its
// project.toml, and registers it. The record marks the project as
// daemon-created, which is what later permits Remove.
func (m *Manager) Create(ctx context.Context, cfg project.Config) (registry.Record, error) {
	if cfg.Project.Created.IsZero() {
		cfg.Project.Created = time.Now().UTC()
	}
	if err := cfg.Validate(); err != nil {
		return registry.Record{}, err
	}

	dir := filepath.Join(m.ProjectsDir(), cfg.Project.Name)
	if _, err := os.Stat(dir); err == nil {
		return registry.Record{}, fmt.Errorf("%w: directory %s exists", registry.ErrDuplicatePath, dir)
	}

	rec, err := m.reg.Register(ctx, registry.Record{
		Path:   dir,
		Name:   cfg.Project.Name,
		Manual: false,
		State:  supervisor.StateStopped.String(),
	})
	if err != nil {
		return registry.Record{}, err
	}
	if err := os.MkdirAll(dir, 0o750); err == nil {
		err = project.Save(dir, cfg)
	}
	if err != nil {
		_ = m.reg.Remove(ctx, rec.ID)
		_ = os.RemoveAll(dir)
		return registry.Record{}, fmt.Errorf("create project %s: %w", cfg.Project.Name, err)
	}

	m.sup.Ensure(rec.ID, rec.Name)
	m.scheduleBackups(rec, cfg)
	m.recordEvent(ctx, history.EventCreated, rec, rec.State, "")
	m.log.Info("project created", "project", rec.Name, "id", rec.ID, "path", dir)
	return rec, nil
}

// Add registers an existing directory as an externally managed project.
// The directory must already hold a valid project.toml.
func (m *Manager) Add(ctx context.Context, path string) (registry.Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return registry.Record{}, fmt.Errorf("add %s: %w", path, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return registry.Record{}, fmt.Errorf("add: %w", err)
	}
	if !fi.IsDir() {
		return registry.Record{}, fmt.Errorf("%w: add %s: not a directory", project.ErrInvalidConfig, abs)
	}
	cfg, err := project.Load(abs)
	if err != nil {
		return registry.Record{}, fmt.Errorf("add %s: %w", abs, err)
	}

	rec, err := m.reg.Register(ctx, registry.Record{
		Path:   abs,
		Name:   cfg.Project.Name,
		Manual: true,
		State:  supervisor.StateStopped.String(),
	})
	if err != nil {
		return registry.Record{}, err
	}
	m.sup.Ensure(rec.ID, rec.Name)
	m.scheduleBackups(rec, cfg)
	m.recordEvent(ctx, history.EventAdded, rec, rec.State, abs)
	m.log.Info("project added", "project", rec.Name, "id", rec.ID, "path", abs)
	return rec, nil
}

// Remove deregisters a daemon-created project. The process must not be
// live; files on disk are kept.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	defer m.locks.Lock(id)()

	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Manual {
		return fmt.Errorf("%w: %s was added, not created", ErrNotAllowed, rec.Name)
	}
	if st, err := m.sup.Status(id); err == nil && st.State.Live() {
		return fmt.Errorf("%w: %s is %s", ErrProjectRunning, rec.Name, st.State)
	}

	m.coord.Unschedule(id)
	if err := m.sup.Forget(id); err != nil && !errors.Is(err, supervisor.ErrUnknownProject) {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			return fmt.Errorf("%w: %s", ErrProjectRunning, rec.Name)
		}
		return err
	}
	if err := m.reg.Remove(ctx, id); err != nil {
		return err
	}
	m.recordEvent(ctx, history.EventRemoved, rec, "", rec.Path)
	m.log.Info("project removed, files kept", "project", rec.Name, "id", id, "path", rec.Path)
	return nil
}

// Start launches the project's server process. The project configuration
// is re-read so edits apply, the backup schedule is refreshed, and policy
// hooks (on-start backup, plugin sync) run before spawn.
func (m *Manager) Start(ctx context.Context, id int64) error {
	defer m.locks.Lock(id)()

	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	cfg, err := project.Load(rec.Path)
	if err != nil {
		return err
	}
	m.sup.Ensure(rec.ID, rec.Name)
	if st, err := m.sup.Status(id); err == nil && st.State.Live() {
		return fmt.Errorf("%w: %s", supervisor.ErrAlreadyRunning, rec.Name)
	}
	m.scheduleBackups(rec, cfg)

	if res, ran := m.coord.OnEvent(m.backupRef(rec, cfg), backup.EventStart); ran && res.Err != nil {
		m.log.Warn("pre-start backup failed", "project", rec.Name, "error", res.Err)
	}
	if cfg.Plugins.Manage && m.cfg.PluginSync != nil {
		if err := m.cfg.PluginSync(ctx, rec, cfg); err != nil {
			m.log.Warn("plugin sync failed", "project", rec.Name, "error", err)
		}
	}

	spec, err := project.BuildSpec(rec.ID, rec.Path, cfg, m.resolver)
	if err != nil {
		return err
	}
	if err := m.sup.Start(spec); err != nil {
		return err
	}
	if err := m.reg.UpdateState(ctx, id, supervisor.StateStarting.String()); err != nil {
		m.log.Warn("registry state update failed", "project", rec.Name, "error", err)
	}
	st, _ := m.sup.Status(id)
	m.hist.Record(ctx, history.Event{
		Type:       history.EventStarted,
		OccurredAt: time.Now().UTC(),
		ProjectID:  rec.ID,
		Project:    rec.Name,
		State:      supervisor.StateStarting.String(),
		PID:        st.PID,
	})
	return nil
}

// Stop asks the server to shut down and waits for the process to exit.
// Final state, history and the on-stop backup are handled by the exit
// callback.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	defer m.locks.Lock(id)()

	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	m.sup.Ensure(rec.ID, rec.Name)
	return m.sup.Stop(id, 0)
}

// Connect issues a single-use terminal ticket for the project.
func (m *Manager) Connect(ctx context.Context, id int64) (Grant, error) {
	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	// Terminals may attach before the first start; make sure a console
	// ring exists to subscribe to.
	m.sup.Ensure(rec.ID, rec.Name)
	token, expires := m.bridge.Issue(rec.ID)
	return Grant{Token: token, ExpiresAt: expires}, nil
}

// Exchange redeems a terminal ticket for its attached session.
func (m *Manager) Exchange(token string) (*terminal.Session, error) {
	return m.bridge.Exchange(token)
}

// Write forwards one console command line to the project's stdin.
func (m *Manager) Write(id int64, data []byte) error {
	return m.sup.Write(id, data)
}

// List merges registry records with live process state. Registry state is
// last-known truth; a live supervisor state overrides it.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	recs, err := m.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	statuses := m.sup.Statuses()

	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		s := Summary{
			ID:     rec.ID,
			Name:   rec.Name,
			Path:   rec.Path,
			Manual: rec.Manual,
			State:  rec.State,
		}
		if st, ok := statuses[rec.ID]; ok && st.State.Live() {
			s.State = st.State.String()
			s.Running = true
			s.PID = st.PID
		}
		if cfg, err := project.Load(rec.Path); err == nil {
			s.ServerType = cfg.Project.ServerType
			s.Version = cfg.Project.Version
		}
		out = append(out, s)
	}
	return out, nil
}

// Describe returns everything known about one project.
func (m *Manager) Describe(ctx context.Context, id int64) (Detail, error) {
	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{Record: rec}
	if cfg, err := project.Load(rec.Path); err == nil {
		d.Config = &cfg
	}
	if st, err := m.sup.Status(id); err == nil {
		d.Status = st
		if m.cfg.Usage != nil && st.Running() {
			if u, ok := m.cfg.Usage.Latest(id); ok {
				d.Usage = &u
			}
		}
	} else {
		d.Status = supervisor.Status{ProjectID: rec.ID, Name: rec.Name}
	}
	return d, nil
}

// ReadFile opens a file inside the project directory. The caller owns the
// returned handle.
func (m *Manager) ReadFile(ctx context.Context, id int64, rel string) (*os.File, os.FileInfo, error) {
	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	path, err := secureJoin(rec.Path, rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotAFile, rel)
	}
	return f, fi, nil
}

// WriteFile atomically replaces a file inside the project directory,
// creating parent directories as needed. Projects with an on-update
// backup policy get their snapshot before the file changes. Uploading
// project.toml refreshes the backup schedule.
func (m *Manager) WriteFile(ctx context.Context, id int64, rel string, r io.Reader) (int64, error) {
	defer m.locks.Lock(id)()

	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	path, err := secureJoin(rec.Path, rel)
	if err != nil {
		return 0, err
	}

	// Pre-edit snapshot. An unreadable config also means no policy, so a
	// broken project.toml can still be replaced through this path.
	if cfg, err := project.Load(rec.Path); err == nil {
		m.coord.OnEvent(m.backupRef(rec, cfg), backup.EventUpdate)
	}

	n, err := writeFileAtomic(path, r, m.cfg.UploadLimit)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", rel, err)
	}
	m.log.Info("file updated", "project", rec.Name, "file", rel, "bytes", n)

	if filepath.Clean(rel) == project.ConfigFileName {
		if cfg, err := project.Load(rec.Path); err != nil {
			m.log.Warn("uploaded project.toml does not validate", "project", rec.Name, "error", err)
		} else {
			m.scheduleBackups(rec, cfg)
		}
	}
	return n, nil
}

// BackupNow runs a manual backup immediately. It bypasses the enabled
// flag but not the one-job-per-project admission: a backup already in
// flight yields a skipped result, never a queued one.
func (m *Manager) BackupNow(ctx context.Context, id int64) (backup.Result, error) {
	rec, err := m.reg.Get(ctx, id)
	if err != nil {
		return backup.Result{}, err
	}
	cfg, err := project.Load(rec.Path)
	if err != nil {
		return backup.Result{}, fmt.Errorf("backup %s: %w", rec.Name, err)
	}
	res := m.coord.Run(m.backupRef(rec, cfg), backup.TriggerManual)
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}
