package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/craftd/craftd/internal/console"
	"github.com/craftd/craftd/internal/env"
	"github.com/craftd/craftd/internal/metrics"
)

// maxConsoleLine bounds a single drained console line. Longer output is a
// runaway logger; draining stops there and the remainder is discarded to
// keep the child from blocking on a full pipe.
const maxConsoleLine = 1024 * 1024

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// instance is the per-project runtime: at most one live OS process, the
// console ring of the current (or upcoming) run, and the last run's exit
// record. All mutable fields are guarded by mu; blocking waits never hold
// it.
type instance struct {
	sup  *Supervisor
	id   int64
	name string

	mu            sync.Mutex
	state         State
	spec          Spec
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	ring          *console.Ring
	logW          io.WriteCloser
	pidfile       string
	pid           int
	exitCode      int
	startedAt     time.Time
	stoppedAt     time.Time
	stopRequested bool
	waitDone      chan struct{}
	readyTimer    *time.Timer
}

func newInstance(sup *Supervisor, id int64, name string) *instance {
	return &instance{
		sup:      sup,
		id:       id,
		name:     name,
		state:    StateStopped,
		ring:     console.NewRing(sup.cfg.RingSize),
		waitDone: closedChan,
	}
}

func (inst *instance) start(spec Spec) error {
	inst.mu.Lock()
	if inst.state.Live() {
		state := inst.state
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, inst.name, state)
	}

	// #nosec G204 -- the argv comes from the project's own configuration.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = env.Merge(os.Environ(), inst.sup.cfg.ChildEnv, spec.Env)
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		inst.mu.Unlock()
		return fmt.Errorf("%w: stdin pipe: %v", ErrLaunch, err)
	}

	// stdout and stderr share one writer so the child gets a single pipe
	// and the console preserves the kernel-level interleaving.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	// Reuse the ring only when it is the untouched pre-start one, so
	// terminals attached before the first start see the boot output live.
	// A ring from a finished run is closed and gets replaced.
	if inst.ring == nil || inst.ring.Closed() {
		size := spec.RingSize
		if size <= 0 {
			size = inst.sup.cfg.RingSize
		}
		inst.ring = console.NewRing(size)
	}
	ring := inst.ring

	inst.setStateLocked(StateStarting)
	if err := cmd.Start(); err != nil {
		inst.setStateLocked(StateFailed)
		metrics.IncLaunchFailure(inst.name)
		_ = stdin.Close()
		_ = pw.Close()
		_ = pr.Close()
		inst.stoppedAt = time.Now()
		inst.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	logW := inst.sup.cfg.ConsoleLogs.Writer(inst.name)

	inst.spec = spec
	inst.cmd = cmd
	inst.stdin = stdin
	inst.logW = logW
	inst.pid = cmd.Process.Pid
	inst.startedAt = time.Now()
	inst.stoppedAt = time.Time{}
	inst.exitCode = 0
	inst.stopRequested = false
	done := make(chan struct{})
	inst.waitDone = done

	if dir := inst.sup.cfg.PIDDir; dir != "" {
		inst.pidfile = filepath.Join(dir, fmt.Sprintf("%s.pid", inst.name))
		if err := writePIDFile(inst.pidfile, inst.pid, PIDRecord{
			ProjectID: inst.id,
			Name:      inst.name,
			Dir:       spec.Dir,
			StartedAt: inst.startedAt,
		}); err != nil {
			inst.sup.log.Warn("pidfile write failed", "project", inst.name, "path", inst.pidfile, "error", err)
			inst.pidfile = ""
		}
	}

	inst.readyTimer = time.AfterFunc(spec.ReadyGrace, inst.markRunning)
	metrics.IncStart(inst.name)

	drainDone := make(chan struct{})
	go inst.drain(pr, ring, logW, drainDone)
	go inst.waitExit(cmd, pw, drainDone, done)

	inst.sup.log.Info("process started", "project", inst.name, "pid", inst.pid)
	inst.mu.Unlock()
	return nil
}

// drain is the single writer of the run's ring: it forwards each console
// line to the ring, the rotating log file, and the metrics counters. The
// first observed line marks the project Running.
func (inst *instance) drain(r io.Reader, ring *console.Ring, logW io.Writer, done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxConsoleLine)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		b := make([]byte, len(line)+1)
		copy(b, line)
		b[len(line)] = '\n'
		ring.Append(b)
		if logW != nil {
			_, _ = logW.Write(b)
		}
		metrics.AddConsoleOutput(inst.name, len(b))
		if first {
			first = false
			inst.markRunning()
		}
	}
	if err := sc.Err(); err != nil {
		inst.sup.log.Warn("console drain aborted", "project", inst.name, "error", err)
		// Keep the child from blocking on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (inst *instance) markRunning() {
	inst.mu.Lock()
	if inst.state != StateStarting {
		inst.mu.Unlock()
		return
	}
	inst.setStateLocked(StateRunning)
	inst.sup.log.Info("process running", "project", inst.name, "pid", inst.pid)
	inst.mu.Unlock()
	if hook := inst.sup.cfg.OnRunning; hook != nil {
		hook(inst.id)
	}
}

func (inst *instance) waitExit(cmd *exec.Cmd, pw *io.PipeWriter, drainDone, done chan struct{}) {
	werr := cmd.Wait()
	_ = pw.Close()
	<-drainDone
	ev := inst.finalize(werr)
	close(done)
	if cb := inst.sup.cfg.OnExit; cb != nil {
		cb(ev)
	}
}

func (inst *instance) finalize(werr error) ExitEvent {
	inst.mu.Lock()
	code := 0
	desc := "exit code 0"
	if inst.cmd != nil && inst.cmd.ProcessState != nil {
		code = inst.cmd.ProcessState.ExitCode()
		desc = fmt.Sprintf("exit code %d", code)
		if code == -1 {
			desc = inst.cmd.ProcessState.String()
		}
	} else if werr != nil {
		code = -1
		desc = werr.Error()
	}

	final := StateCrashed
	if inst.stopRequested {
		final = StateStopped
	}
	inst.setStateLocked(final)
	if inst.stopRequested {
		metrics.IncStop(inst.name)
	} else {
		metrics.IncCrash(inst.name)
	}

	pid := inst.pid
	inst.pid = 0
	inst.exitCode = code
	inst.stoppedAt = time.Now()
	if inst.stdin != nil {
		_ = inst.stdin.Close()
		inst.stdin = nil
	}
	if inst.readyTimer != nil {
		inst.readyTimer.Stop()
		inst.readyTimer = nil
	}
	if inst.pidfile != "" {
		_ = os.Remove(inst.pidfile)
		inst.pidfile = ""
	}
	ring := inst.ring
	logW := inst.logW
	inst.logW = nil
	ev := ExitEvent{
		ProjectID: inst.id,
		Name:      inst.name,
		PID:       pid,
		ExitCode:  code,
		Requested: inst.stopRequested,
		State:     final,
		StartedAt: inst.startedAt,
		ExitedAt:  inst.stoppedAt,
	}
	inst.mu.Unlock()

	ring.Close(fmt.Errorf("%w: %s", ErrProcessEnded, desc))
	if logW != nil {
		_ = logW.Close()
	}
	inst.sup.log.Info("process exited",
		"project", inst.name, "pid", pid, "exit_code", code, "requested", ev.Requested)
	return ev
}

func (inst *instance) stop(timeout time.Duration) error {
	inst.mu.Lock()
	if !inst.state.Live() {
		state := inst.state
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, inst.name, state)
	}
	if inst.state != StateStopping {
		inst.stopRequested = true
		inst.setStateLocked(StateStopping)
		line := inst.spec.StopLine
		if line == "" {
			line = DefaultStopLine
		}
		if inst.stdin != nil {
			// Best effort: a wedged server ignores its console and is
			// handled by the kill escalation below.
			_, _ = io.WriteString(inst.stdin, line+"\n")
		}
	}
	if timeout <= 0 {
		timeout = inst.spec.StopTimeout
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	pid := inst.pid
	done := inst.waitDone
	inst.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	inst.sup.log.Warn("graceful stop timed out, killing process group",
		"project", inst.name, "pid", pid, "timeout", timeout)
	if err := killGroup(pid); err != nil {
		inst.sup.log.Warn("kill failed", "project", inst.name, "pid", pid, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("process %d for %s did not exit after kill", pid, inst.name)
	}
}

func (inst *instance) write(data []byte) error {
	inst.mu.Lock()
	if !inst.state.Live() || inst.stdin == nil {
		state := inst.state
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, inst.name, state)
	}
	w := inst.stdin
	inst.mu.Unlock()

	if _, err := w.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: console input closed", ErrNotRunning)
		}
		return fmt.Errorf("console write to %s: %w", inst.name, err)
	}
	return nil
}

func (inst *instance) subscribe() *console.Cursor {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.ring.Cursor()
}

func (inst *instance) closeRing(reason error) {
	inst.mu.Lock()
	ring := inst.ring
	inst.mu.Unlock()
	if ring != nil {
		ring.Close(reason)
	}
}

func (inst *instance) status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Status{
		ProjectID: inst.id,
		Name:      inst.name,
		State:     inst.state,
		PID:       inst.pid,
		ExitCode:  inst.exitCode,
		StartedAt: inst.startedAt,
		StoppedAt: inst.stoppedAt,
	}
}

func (inst *instance) setStateLocked(to State) {
	from := inst.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		inst.sup.log.Error("illegal state transition",
			"project", inst.name, "from", from, "to", to)
	}
	inst.state = to
	metrics.RecordStateTransition(inst.name, from.String(), to.String())
	for st, name := range stateNames {
		metrics.SetCurrentState(inst.name, name, st == to)
	}
}
