package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/craftd/craftd/internal/console"
)

type stubPort struct {
	ring   *console.Ring
	subErr error

	mu     sync.Mutex
	writes [][]byte
}

func newStubPort(capacity int) *stubPort {
	return &stubPort{ring: console.NewRing(capacity)}
}

func (p *stubPort) Subscribe(int64) (*console.Cursor, error) {
	if p.subErr != nil {
		return nil, p.subErr
	}
	return p.ring.Cursor(), nil
}

func (p *stubPort) Write(_ int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.writes = append(p.writes, buf)
	return nil
}

func (p *stubPort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

func newTestBridge(t *testing.T, port ConsolePort, mut func(*Config)) *Bridge {
	t.Helper()
	cfg := Config{
		TTL:    time.Second,
		Idle:   time.Minute,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mut != nil {
		mut(&cfg)
	}
	b := New(port, cfg)
	t.Cleanup(b.Close)
	return b
}

func TestExchangeUnknownToken(t *testing.T) {
	b := newTestBridge(t, newStubPort(8), nil)
	if _, err := b.Exchange("never-issued"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("exchange = %v, want ErrUnknownToken", err)
	}
}

func TestExchangeIsSingleUse(t *testing.T) {
	b := newTestBridge(t, newStubPort(8), nil)
	token, expires := b.Issue(1)
	if token == "" || !expires.After(time.Now()) {
		t.Fatalf("bad issue: %q %v", token, expires)
	}

	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	defer s.Close()

	if _, err := b.Exchange(token); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("second exchange = %v, want ErrTokenConsumed", err)
	}
}

func TestExchangeAfterTTL(t *testing.T) {
	b := newTestBridge(t, newStubPort(8), nil)
	base := time.Now()
	b.now = func() time.Time { return base }
	token, _ := b.Issue(1)

	b.now = func() time.Time { return base.Add(b.ttl + time.Second) }
	if _, err := b.Exchange(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("exchange = %v, want ErrTokenExpired", err)
	}
	// The expired grant is gone entirely now.
	if _, err := b.Exchange(token); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("exchange after expiry removal = %v, want ErrUnknownToken", err)
	}
}

func TestSweepDropsExpiredGrants(t *testing.T) {
	b := newTestBridge(t, newStubPort(8), nil)
	base := time.Now()
	b.now = func() time.Time { return base }
	token, _ := b.Issue(1)

	b.now = func() time.Time { return base.Add(b.ttl + time.Second) }
	b.sweep()
	if _, err := b.Exchange(token); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("exchange after sweep = %v, want ErrUnknownToken", err)
	}
}

func TestExactlyOneExchangeWins(t *testing.T) {
	b := newTestBridge(t, newStubPort(8), nil)
	token, _ := b.Issue(1)

	const racers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int
	var losers int
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := b.Exchange(token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
				s.Close()
			case errors.Is(err, ErrTokenConsumed):
				losers++
			default:
				t.Errorf("unexpected exchange error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || losers != racers-1 {
		t.Fatalf("winners=%d losers=%d, want 1 and %d", winners, losers, racers-1)
	}
}

func TestSessionStreamsHistoryThenLive(t *testing.T) {
	port := newStubPort(8)
	port.ring.Append([]byte("boot line\n"))
	b := newTestBridge(t, port, nil)

	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if string(got) != "boot line\n" {
		t.Fatalf("history = %q", got)
	}

	port.ring.Append([]byte("live line\n"))
	got, err = s.Read(ctx)
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	if string(got) != "live line\n" {
		t.Fatalf("live = %q", got)
	}
}

func TestReadReportsDroppedLines(t *testing.T) {
	port := newStubPort(4)
	b := newTestBridge(t, port, nil)
	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		port.ring.Append([]byte(fmt.Sprintf("line %d\n", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(got)
	if !strings.HasPrefix(text, "[craftd] 6 console lines dropped\n") {
		t.Fatalf("missing drop marker: %q", text)
	}
	if !strings.HasSuffix(text, "line 6\n") {
		t.Fatalf("unexpected first retained line: %q", text)
	}
}

func TestWriteSuppliesNewline(t *testing.T) {
	port := newStubPort(8)
	b := newTestBridge(t, port, nil)
	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	defer s.Close()

	if err := s.Write([]byte("say hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write([]byte("list\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := port.written()
	if len(got) != 2 || got[0] != "say hi\n" || got[1] != "list\n" {
		t.Fatalf("writes = %q", got)
	}
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	port := newStubPort(8)
	b := newTestBridge(t, port, func(cfg *Config) { cfg.Idle = 50 * time.Millisecond })
	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Read(ctx); !errors.Is(err, ErrSessionIdle) {
		t.Fatalf("read = %v, want ErrSessionIdle", err)
	}
	if err := s.Write([]byte("late\n")); !errors.Is(err, ErrSessionIdle) {
		t.Fatalf("write after idle = %v, want ErrSessionIdle", err)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	port := newStubPort(8)
	b := newTestBridge(t, port, nil)
	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("read = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read never unblocked")
	}
}

func TestConsoleCloseReasonSurfaces(t *testing.T) {
	port := newStubPort(8)
	b := newTestBridge(t, port, nil)
	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	defer s.Close()

	ended := errors.New("process ended: exit code 0")
	port.ring.Append([]byte("last words\n"))
	port.ring.Close(ended)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got, err := s.Read(ctx); err != nil || string(got) != "last words\n" {
		t.Fatalf("drain before close = %q, %v", got, err)
	}
	if _, err := s.Read(ctx); !errors.Is(err, ended) {
		t.Fatalf("read after console close = %v, want close reason", err)
	}
}

func TestBridgeCloseEndsSessions(t *testing.T) {
	port := newStubPort(8)
	b := New(port, Config{
		TTL:    time.Second,
		Idle:   time.Minute,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	token, _ := b.Issue(1)
	s, err := b.Exchange(token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("read survived bridge close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("read never unblocked after bridge close")
	}
}

func TestExchangeSubscribeFailure(t *testing.T) {
	port := newStubPort(8)
	port.subErr = errors.New("no such project")
	b := newTestBridge(t, port, nil)
	token, _ := b.Issue(42)
	if _, err := b.Exchange(token); err == nil || !strings.Contains(err.Error(), "no such project") {
		t.Fatalf("exchange = %v, want subscribe failure", err)
	}
}
