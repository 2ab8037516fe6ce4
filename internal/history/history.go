// Package history exports project lifecycle and backup events to external
// systems for auditing and statistics. Sinks are append-only; nothing in
// the daemon reads history back.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of event.
type EventType string

const (
	EventCreated EventType = "created"
	EventAdded   EventType = "added"
	EventRemoved EventType = "removed"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventCrashed EventType = "crashed"
	EventBackup  EventType = "backup"
)

// Event is one exported occurrence. State carries the project's lifecycle
// state after the event; Detail is free text (exit description, backup
// outcome and archive name).
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ProjectID  int64     `json:"project_id"`
	Project    string    `json:"project"`
	State      string    `json:"state,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
