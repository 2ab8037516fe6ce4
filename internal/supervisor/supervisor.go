// Package supervisor owns the OS child process behind each project: spawn,
// readiness, console draining, graceful stop with kill escalation, and
// asynchronous exit handling. It holds live process truth; durable project
// state lives in the registry and is maintained by the lifecycle engine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/craftd/craftd/internal/console"
	"github.com/craftd/craftd/internal/env"
	"github.com/craftd/craftd/internal/logger"
	"github.com/craftd/craftd/internal/metrics"
)

var (
	// ErrUnknownProject is returned for ids the supervisor has never seen.
	ErrUnknownProject = errors.New("project not supervised")
	// ErrAlreadyRunning is returned by Start while a live process exists.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrNotRunning is returned by Stop and Write without a live process.
	ErrNotRunning = errors.New("process not running")
	// ErrLaunch wraps spawn failures and invalid launch specs.
	ErrLaunch = errors.New("launch failed")
	// ErrProcessEnded is the ring close reason after a process exits;
	// attached terminals observe it as their termination signal.
	ErrProcessEnded = errors.New("process ended")
)

// ExitEvent describes one finished run. Delivered to Config.OnExit from the
// run's waiter goroutine, after the final state is recorded and the console
// ring is closed.
type ExitEvent struct {
	ProjectID int64
	Name      string
	PID       int
	ExitCode  int
	Requested bool // a stop was asked for; false means crash
	State     State
	StartedAt time.Time
	ExitedAt  time.Time
}

// Status is a point-in-time snapshot of one project's process.
type Status struct {
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
}

// Running reports whether a live process exists.
func (s Status) Running() bool { return s.State.Live() }

// Config carries supervisor-wide settings; per-launch values come from Spec.
type Config struct {
	// ChildEnv is applied to every launched process on top of the daemon's
	// environment (JAVA_HOME and friends).
	ChildEnv env.Table
	// ConsoleLogs configures the rotating per-project console files.
	ConsoleLogs logger.FileConfig
	// PIDDir receives one pidfile per running project when set.
	PIDDir string

	StopTimeout time.Duration
	ReadyGrace  time.Duration
	RingSize    int

	// OnExit is invoked once per finished run.
	OnExit func(ExitEvent)
	// OnRunning is invoked when a starting process reaches Running.
	OnRunning func(projectID int64)

	Logger *slog.Logger
}

// Supervisor manages the set of supervised projects. All methods are safe
// for concurrent use; operations on different projects never block each
// other.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	instances map[int64]*instance
}

func New(cfg Config) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		log:       log,
		instances: make(map[int64]*instance),
	}
}

// Ensure registers a project with the supervisor without starting it. The
// instance gets an empty open console ring, so terminals may attach before
// the first start and will see the startup output live.
func (s *Supervisor) Ensure(projectID int64, name string) {
	s.ensure(projectID, name)
}

func (s *Supervisor) ensure(projectID int64, name string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[projectID]; ok {
		return inst
	}
	inst := newInstance(s, projectID, name)
	s.instances[projectID] = inst
	return inst
}

func (s *Supervisor) get(projectID int64) (*instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownProject, projectID)
	}
	return inst, nil
}

// Start spawns the process described by spec. It fails with ErrAlreadyRunning
// while a live process exists for the project and with ErrLaunch when the OS
// refuses to create one.
func (s *Supervisor) Start(spec Spec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	spec.applyDefaults(s.cfg)
	inst := s.ensure(spec.ProjectID, spec.Name)
	return inst.start(spec)
}

// Stop asks the project's process to shut down via its console stop line and
// waits up to timeout (the spec's stop timeout when <= 0) before killing the
// process group. It returns once the process has exited.
func (s *Supervisor) Stop(projectID int64, timeout time.Duration) error {
	inst, err := s.get(projectID)
	if err != nil {
		return err
	}
	return inst.stop(timeout)
}

// Write forwards data to the process's stdin.
func (s *Supervisor) Write(projectID int64, data []byte) error {
	inst, err := s.get(projectID)
	if err != nil {
		return err
	}
	return inst.write(data)
}

// Subscribe returns an independent cursor over the project's console ring,
// replaying retained history strictly before live output.
func (s *Supervisor) Subscribe(projectID int64) (*console.Cursor, error) {
	inst, err := s.get(projectID)
	if err != nil {
		return nil, err
	}
	return inst.subscribe(), nil
}

// Status returns the project's current snapshot.
func (s *Supervisor) Status(projectID int64) (Status, error) {
	inst, err := s.get(projectID)
	if err != nil {
		return Status{}, err
	}
	return inst.status(), nil
}

// Statuses snapshots every supervised project, keyed by project id.
func (s *Supervisor) Statuses() map[int64]Status {
	s.mu.RLock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	out := make(map[int64]Status, len(insts))
	for _, inst := range insts {
		st := inst.status()
		out[st.ProjectID] = st
	}
	return out
}

// LiveTargets lists the processes currently worth sampling for resource
// usage.
func (s *Supervisor) LiveTargets() []metrics.UsageTarget {
	var out []metrics.UsageTarget
	for _, st := range s.Statuses() {
		if st.Running() && st.PID > 0 {
			out = append(out, metrics.UsageTarget{ProjectID: st.ProjectID, Name: st.Name, PID: int32(st.PID)})
		}
	}
	return out
}

// Forget removes a project from the supervisor. It fails while a live
// process exists. The project's ring is closed so any lingering subscribers
// drain and finish.
func (s *Supervisor) Forget(projectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[projectID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownProject, projectID)
	}
	if inst.status().Running() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, inst.name)
	}
	inst.closeRing(nil)
	delete(s.instances, projectID)
	return nil
}

// Shutdown stops every live process in parallel, each with its own graceful
// timeout, and returns when all have exited or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		if !inst.status().Running() {
			continue
		}
		wg.Add(1)
		go func(in *instance) {
			defer wg.Done()
			if err := in.stop(0); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.Warn("shutdown stop failed", "project", in.name, "error", err)
			}
		}(inst)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
