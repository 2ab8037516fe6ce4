package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/craftd/craftd/internal/console"
	"github.com/craftd/craftd/internal/metrics"
)

// Session is one live bidirectional console stream. Reads replay retained
// history and then follow live output; writes go to the process's stdin.
// The session ends when the process's console closes, the idle window
// elapses with no traffic, or Close is called.
type Session struct {
	bridge    *Bridge
	projectID int64
	cur       *console.Cursor

	ctx    context.Context
	cancel context.CancelCauseFunc

	idleMu    sync.Mutex
	idleTimer *time.Timer

	closeOnce sync.Once
}

func newSession(b *Bridge, projectID int64, cur *console.Cursor) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		bridge:    b,
		projectID: projectID,
		cur:       cur,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.idleTimer = time.AfterFunc(b.idle, func() {
		s.closeWithCause(ErrSessionIdle)
	})
	return s
}

// ProjectID reports which project the session is attached to.
func (s *Session) ProjectID() int64 { return s.projectID }

// Read blocks until the next console chunk. When the reader fell behind and
// the ring evicted chunks, the returned data is prefixed with a marker line
// naming how many were lost, so a lap never passes as a complete stream.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	chunk, skipped, err := s.cur.Next(ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, s.cause()
		}
		return nil, err
	}
	s.touch()
	if skipped > 0 {
		marker := fmt.Sprintf("[craftd] %d console lines dropped\n", skipped)
		return append([]byte(marker), chunk.Data...), nil
	}
	return chunk.Data, nil
}

// Write sends data to the process console, supplying the trailing newline
// the server's line reader expects when the client omitted it.
func (s *Session) Write(data []byte) error {
	if s.ctx.Err() != nil {
		return s.cause()
	}
	if len(data) == 0 {
		return nil
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		buf := make([]byte, len(data)+1)
		copy(buf, data)
		buf[len(data)] = '\n'
		data = buf
	}
	if err := s.bridge.port.Write(s.projectID, data); err != nil {
		return err
	}
	s.touch()
	return nil
}

// Close ends the session. Safe to call multiple times and concurrently
// with Read and Write.
func (s *Session) Close() {
	s.closeWithCause(context.Canceled)
}

func (s *Session) closeWithCause(cause error) {
	s.closeOnce.Do(func() {
		s.cancel(cause)
		s.idleMu.Lock()
		s.idleTimer.Stop()
		s.idleMu.Unlock()
		s.bridge.dropSession(s)
		metrics.SessionClosed()
		s.bridge.log.Info("terminal session closed",
			"project_id", s.projectID, "reason", cause)
	})
}

func (s *Session) cause() error {
	cause := context.Cause(s.ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return context.Canceled
	}
	return cause
}

func (s *Session) touch() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.ctx.Err() == nil {
		s.idleTimer.Reset(s.bridge.idle)
	}
}
