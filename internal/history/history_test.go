package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorderFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	r := NewRecorder(discardLogger(), a, b)

	e := Event{
		Type:       EventStarted,
		OccurredAt: time.Now().UTC(),
		ProjectID:  7,
		Project:    "lobby",
		State:      "running",
		PID:        4242,
	}
	r.Record(context.Background(), e)

	for i, s := range []*captureSink{a, b} {
		if len(s.events) != 1 {
			t.Fatalf("sink %d got %d events, want 1", i, len(s.events))
		}
		if s.events[0].Project != "lobby" || s.events[0].Type != EventStarted {
			t.Fatalf("sink %d got %+v", i, s.events[0])
		}
	}
}

func TestRecorderToleratesFailingSink(t *testing.T) {
	bad := &captureSink{err: errors.New("connection refused")}
	good := &captureSink{}
	r := NewRecorder(discardLogger(), bad, good)

	r.Record(context.Background(), Event{Type: EventBackup, Project: "lobby"})
	if len(good.events) != 1 {
		t.Fatalf("delivery to healthy sink lost: %d events", len(good.events))
	}
}

func TestRecorderCloseClosesSinks(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	r := NewRecorder(discardLogger(), a, b)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("sinks not closed")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventRemoved})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
