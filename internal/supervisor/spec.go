package supervisor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/craftd/craftd/internal/env"
)

// Default control timings, overridable per spec or supervisor config.
const (
	DefaultStopTimeout = 30 * time.Second
	DefaultReadyGrace  = 3 * time.Second
	DefaultStopLine    = "stop"
)

// Spec describes one launch of a project's server process. The supervisor
// does not interpret project configuration; the lifecycle engine builds a
// Spec from it.
type Spec struct {
	ProjectID int64
	Name      string
	Dir       string   // working directory, absolute
	Command   []string // argv; Command[0] is the executable
	Env       env.Table

	// StopLine is the console directive that asks the server to shut down
	// gracefully (the game server's own "stop" command by default).
	StopLine string
	// StopTimeout bounds the graceful wait before the process group is
	// killed.
	StopTimeout time.Duration
	// ReadyGrace moves Starting to Running when no output was observed but
	// the process is still alive after this long.
	ReadyGrace time.Duration
	// RingSize overrides the console ring capacity in chunks.
	RingSize int
}

func (s *Spec) validate() error {
	if s.ProjectID <= 0 {
		return fmt.Errorf("%w: missing project id", ErrLaunch)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: missing project name", ErrLaunch)
	}
	if len(s.Command) == 0 || s.Command[0] == "" {
		return fmt.Errorf("%w: empty command", ErrLaunch)
	}
	if s.Dir == "" || !filepath.IsAbs(s.Dir) {
		return fmt.Errorf("%w: working directory must be absolute, got %q", ErrLaunch, s.Dir)
	}
	return nil
}

func (s *Spec) applyDefaults(cfg Config) {
	if s.StopLine == "" {
		s.StopLine = DefaultStopLine
	}
	if s.StopTimeout <= 0 {
		if cfg.StopTimeout > 0 {
			s.StopTimeout = cfg.StopTimeout
		} else {
			s.StopTimeout = DefaultStopTimeout
		}
	}
	if s.ReadyGrace <= 0 {
		if cfg.ReadyGrace > 0 {
			s.ReadyGrace = cfg.ReadyGrace
		} else {
			s.ReadyGrace = DefaultReadyGrace
		}
	}
	if s.RingSize <= 0 {
		s.RingSize = cfg.RingSize
	}
}
