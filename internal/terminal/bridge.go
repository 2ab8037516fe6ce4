// Package terminal issues single-use console tokens and runs the resulting
// bidirectional sessions. A token is a capability: issuing it does not touch
// the process, exchanging it binds exactly one live stream to the project's
// console, and a second exchange of the same token fails.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craftd/craftd/internal/console"
	"github.com/craftd/craftd/internal/metrics"
)

var (
	// ErrUnknownToken is returned for tokens never issued or already swept.
	ErrUnknownToken = errors.New("unknown terminal token")
	// ErrTokenExpired is returned when the exchange happens after the TTL.
	ErrTokenExpired = errors.New("terminal token expired")
	// ErrTokenConsumed is returned to every exchange after the first.
	ErrTokenConsumed = errors.New("terminal token already consumed")
	// ErrSessionIdle ends sessions with no traffic in either direction for
	// the idle window.
	ErrSessionIdle = errors.New("terminal session idle timeout")
)

// Default token and session windows, overridable via daemon config.
const (
	DefaultTTL  = 10 * time.Second
	DefaultIdle = 5 * time.Minute
)

// ConsolePort is the slice of the supervisor a terminal needs.
type ConsolePort interface {
	Subscribe(projectID int64) (*console.Cursor, error)
	Write(projectID int64, data []byte) error
}

// Config tunes the bridge.
type Config struct {
	TTL    time.Duration
	Idle   time.Duration
	Logger *slog.Logger
}

type grant struct {
	projectID int64
	issuedAt  time.Time
	expiresAt time.Time

	mu       sync.Mutex
	consumed bool
}

// consume marks the grant used and reports whether this caller won.
func (g *grant) consume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consumed {
		return false
	}
	g.consumed = true
	return true
}

// Bridge turns issued tokens into console sessions.
type Bridge struct {
	port ConsolePort
	ttl  time.Duration
	idle time.Duration
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	grants   map[string]*grant
	sessions map[*Session]struct{}
	closed   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func New(port ConsolePort, cfg Config) *Bridge {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		port:      port,
		ttl:       cfg.TTL,
		idle:      cfg.Idle,
		log:       log,
		now:       time.Now,
		grants:    make(map[string]*grant),
		sessions:  make(map[*Session]struct{}),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go b.sweeper()
	return b
}

// Issue mints a token for the project and returns it with its expiry. The
// token is opaque and single use.
func (b *Bridge) Issue(projectID int64) (string, time.Time) {
	token := uuid.NewString()
	now := b.now()
	g := &grant{projectID: projectID, issuedAt: now, expiresAt: now.Add(b.ttl)}

	b.mu.Lock()
	b.grants[token] = g
	b.mu.Unlock()

	metrics.TokenIssued()
	b.log.Debug("terminal token issued", "project_id", projectID, "expires_at", g.expiresAt)
	return token, g.expiresAt
}

// Exchange redeems a token for a live console session. Exactly one exchange
// per token succeeds; late callers get ErrTokenExpired, repeat callers get
// ErrTokenConsumed.
func (b *Bridge) Exchange(token string) (*Session, error) {
	b.mu.Lock()
	g, ok := b.grants[token]
	b.mu.Unlock()
	if !ok {
		metrics.RecordExchange("unknown")
		return nil, ErrUnknownToken
	}

	if b.now().After(g.expiresAt) {
		b.mu.Lock()
		delete(b.grants, token)
		b.mu.Unlock()
		if g.consume() {
			metrics.TokenExpired()
		}
		metrics.RecordExchange("expired")
		return nil, ErrTokenExpired
	}

	if !g.consume() {
		metrics.RecordExchange("consumed")
		return nil, ErrTokenConsumed
	}

	cur, err := b.port.Subscribe(g.projectID)
	if err != nil {
		metrics.RecordExchange("failed")
		return nil, fmt.Errorf("attach console for project %d: %w", g.projectID, err)
	}

	s := newSession(b, g.projectID, cur)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeWithCause(context.Canceled)
		metrics.RecordExchange("failed")
		return nil, errors.New("terminal bridge closed")
	}
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	metrics.RecordExchange("success")
	metrics.SessionOpened()
	b.log.Info("terminal session opened", "project_id", g.projectID)
	return s, nil
}

func (b *Bridge) dropSession(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

// Close stops the sweeper and tears down every live session.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	close(b.stopSweep)
	<-b.sweepDone
	for _, s := range sessions {
		s.Close()
	}
}

func (b *Bridge) sweeper() {
	defer close(b.sweepDone)
	interval := b.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.sweep()
		case <-b.stopSweep:
			return
		}
	}
}

// sweep drops expired grants, counting the ones that were never redeemed.
func (b *Bridge) sweep() {
	now := b.now()
	b.mu.Lock()
	var stale []*grant
	for token, g := range b.grants {
		if now.After(g.expiresAt) {
			delete(b.grants, token)
			stale = append(stale, g)
		}
	}
	b.mu.Unlock()

	for _, g := range stale {
		if g.consume() {
			metrics.TokenExpired()
		}
	}
}
