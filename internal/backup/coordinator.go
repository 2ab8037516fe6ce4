// Package backup runs project archive jobs. A single Coordinator owns one
// cron runner for every scheduled project; jobs triggered by timers, by
// lifecycle events and by hand all funnel through Run, which admits at most
// one job per project at a time.
package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/craftd/craftd/internal/metrics"
	"github.com/craftd/craftd/internal/project"
)

// ErrClosed is returned by Schedule and Run after Close.
var ErrClosed = errors.New("backup: coordinator closed")

// Trigger names what caused a backup job.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerCron     Trigger = "cron"
	TriggerOnStart  Trigger = "on-start"
	TriggerOnStop   Trigger = "on-stop"
	TriggerOnUpdate Trigger = "on-update"
	TriggerManual   Trigger = "manual"
)

// Event is a project lifecycle moment that may trigger a backup,
// depending on the project's policy.
type Event string

const (
	EventStart  Event = "start"
	EventStop   Event = "stop"
	EventUpdate Event = "update"
)

func (e Event) trigger() Trigger {
	switch e {
	case EventStart:
		return TriggerOnStart
	case EventStop:
		return TriggerOnStop
	default:
		return TriggerOnUpdate
	}
}

// Outcome classifies a finished job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped-already-running"
)

// Policy is the backup part of a project's configuration, normalized for
// scheduling.
type Policy struct {
	Enabled  bool
	World    bool
	Other    bool
	Interval time.Duration
	Cron     string
	OnStart  bool
	OnStop   bool
	OnUpdate bool
}

// PolicyFrom converts the project.toml backup section.
func PolicyFrom(b project.Backup) Policy {
	return Policy{
		Enabled:  b.Enabled,
		World:    b.World,
		Other:    b.Other,
		Interval: time.Duration(b.Time.Interval) * time.Second,
		Cron:     b.Time.Cron,
		OnStart:  b.Event.Start,
		OnStop:   b.Event.Stop,
		OnUpdate: b.Event.Update,
	}
}

// Ref identifies a project to the coordinator. The coordinator never loads
// configuration itself; callers pass the current policy with each Schedule.
type Ref struct {
	ProjectID int64
	Name      string
	Dir       string
	Policy    Policy
}

// Result describes one finished (or skipped) backup job.
type Result struct {
	ProjectID int64         `json:"project_id"`
	Project   string        `json:"project"`
	Trigger   Trigger       `json:"trigger"`
	Outcome   Outcome       `json:"outcome"`
	Archive   string        `json:"archive,omitempty"`
	Size      int64         `json:"size,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Config wires the coordinator to its surroundings.
type Config struct {
	// Running reports whether the project's process is currently running.
	// Timer triggers fire only while it returns true. Nil means always.
	Running func(projectID int64) bool
	// OnResult receives every job result, including skips and failures.
	OnResult func(Result)
	Logger   *slog.Logger
}

// Coordinator schedules and runs backup jobs for all projects.
type Coordinator struct {
	runner   *cron.Cron
	running  func(int64) bool
	onResult func(Result)
	log      *slog.Logger

	mu      sync.Mutex
	refs    map[int64]Ref
	entries map[int64][]cron.EntryID
	active  map[int64]*atomic.Bool
	closed  bool

	jobs sync.WaitGroup
}

// New builds a coordinator and starts its cron runner.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		runner:   cron.New(),
		running:  cfg.Running,
		onResult: cfg.OnResult,
		log:      log,
		refs:     make(map[int64]Ref),
		entries:  make(map[int64][]cron.EntryID),
		active:   make(map[int64]*atomic.Bool),
	}
	c.runner.Start()
	return c
}

// Schedule installs the project's timed triggers, replacing whatever was
// scheduled for it before. Invalid cron expressions fail here, not at fire
// time. A disabled policy clears the schedule.
func (c *Coordinator) Schedule(ref Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.removeEntriesLocked(ref.ProjectID)
	c.refs[ref.ProjectID] = ref
	if !ref.Policy.Enabled {
		return nil
	}

	id := ref.ProjectID
	var ids []cron.EntryID
	if ref.Policy.Interval > 0 {
		spec := fmt.Sprintf("@every %s", ref.Policy.Interval)
		eid, err := c.runner.AddFunc(spec, func() { c.timerFire(id, TriggerInterval) })
		if err != nil {
			return fmt.Errorf("schedule interval for %s: %w", ref.Name, err)
		}
		ids = append(ids, eid)
	}
	if ref.Policy.Cron != "" {
		eid, err := c.runner.AddFunc(ref.Policy.Cron, func() { c.timerFire(id, TriggerCron) })
		if err != nil {
			for _, e := range ids {
				c.runner.Remove(e)
			}
			return fmt.Errorf("schedule cron for %s: %w", ref.Name, err)
		}
		ids = append(ids, eid)
	}
	if len(ids) > 0 {
		c.entries[id] = ids
		c.log.Debug("backup schedule installed",
			"project", ref.Name, "interval", ref.Policy.Interval, "cron", ref.Policy.Cron)
	}
	return nil
}

// Unschedule drops the project's timed triggers and forgets its ref.
func (c *Coordinator) Unschedule(projectID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntriesLocked(projectID)
	delete(c.refs, projectID)
}

func (c *Coordinator) removeEntriesLocked(projectID int64) {
	for _, e := range c.entries[projectID] {
		c.runner.Remove(e)
	}
	delete(c.entries, projectID)
}

// timerFire handles an interval or cron tick. Ticks for projects that are
// not running are dropped; timed backups only cover live servers.
func (c *Coordinator) timerFire(projectID int64, trigger Trigger) {
	c.mu.Lock()
	ref, ok := c.refs[projectID]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return
	}
	if c.running != nil && !c.running(projectID) {
		c.log.Debug("backup tick ignored, project not running",
			"project", ref.Name, "trigger", trigger)
		return
	}
	c.Run(ref, trigger)
}

// OnEvent runs a backup for a lifecycle event if the project's policy asks
// for one. The second return reports whether a job ran at all.
func (c *Coordinator) OnEvent(ref Ref, ev Event) (Result, bool) {
	p := ref.Policy
	if !p.Enabled {
		return Result{}, false
	}
	var fire bool
	switch ev {
	case EventStart:
		fire = p.OnStart
	case EventStop:
		fire = p.OnStop
	case EventUpdate:
		fire = p.OnUpdate
	}
	if !fire {
		return Result{}, false
	}
	return c.Run(ref, ev.trigger()), true
}

// Run executes one backup job synchronously. If a job for the same project
// is already in flight the new one is not queued; it reports
// OutcomeSkipped immediately. Run ignores Policy.Enabled so an explicit
// request still works on a project whose automatic backups are off.
func (c *Coordinator) Run(ref Ref, trigger Trigger) Result {
	res := Result{
		ProjectID: ref.ProjectID,
		Project:   ref.Name,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		res.Outcome = OutcomeFailure
		res.Err = ErrClosed
		return res
	}
	flag := c.active[ref.ProjectID]
	if flag == nil {
		flag = new(atomic.Bool)
		c.active[ref.ProjectID] = flag
	}
	c.jobs.Add(1)
	c.mu.Unlock()
	defer c.jobs.Done()

	if !flag.CompareAndSwap(false, true) {
		res.Outcome = OutcomeSkipped
		c.log.Info("backup skipped, previous job still running",
			"project", ref.Name, "trigger", trigger)
		c.finish(res)
		return res
	}
	defer flag.Store(false)

	dir := filepath.Join(ref.Dir, BackupsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		res.Outcome = OutcomeFailure
		res.Err = err
		res.Duration = time.Since(res.StartedAt)
		c.log.Warn("backup failed", "project", ref.Name, "trigger", trigger, "error", err)
		c.finish(res)
		return res
	}

	stamp := res.StartedAt.UTC().Format("20060102-150405")
	dest := uniquePath(filepath.Join(dir, fmt.Sprintf("%s-%s.tar.gz", stamp, trigger)))

	size, err := archive(ref.Dir, dest, ref.Policy.World, ref.Policy.Other)
	res.Duration = time.Since(res.StartedAt)
	if err != nil {
		res.Outcome = OutcomeFailure
		res.Err = err
		c.log.Warn("backup failed", "project", ref.Name, "trigger", trigger, "error", err)
	} else {
		res.Outcome = OutcomeSuccess
		res.Archive = dest
		res.Size = size
		c.log.Info("backup finished", "project", ref.Name, "trigger", trigger,
			"archive", filepath.Base(dest), "size", size, "duration", res.Duration)
	}
	c.finish(res)
	return res
}

func (c *Coordinator) finish(res Result) {
	metrics.RecordBackup(res.Project, string(res.Trigger), string(res.Outcome),
		res.Duration.Seconds(), res.Size)
	if c.onResult != nil {
		c.onResult(res)
	}
}

// Close stops the cron runner and waits for in-flight jobs.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	<-c.runner.Stop().Done()
	c.jobs.Wait()
	c.log.Debug("backup coordinator closed")
}

// uniquePath appends a numeric suffix when the stamp collides, which can
// happen when two jobs for one project finish within the same second.
func uniquePath(p string) string {
	if _, err := os.Stat(p); err != nil {
		return p
	}
	base := strings.TrimSuffix(p, ".tar.gz")
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s-%d.tar.gz", base, i)
		if _, err := os.Stat(cand); err != nil {
			return cand
		}
	}
}
