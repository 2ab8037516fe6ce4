// Package registry is the durable source of truth for which projects exist:
// identity, owning directory, how the project entered the daemon, and the
// last known lifecycle state. Live process truth stays in the supervisor;
// the registry is what survives restarts.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for project ids (or paths) with no record.
	ErrNotFound = errors.New("project not found")
	// ErrDuplicatePath is returned when registering a directory that
	// already belongs to a project.
	ErrDuplicatePath = errors.New("project path already registered")
)

// Record is one registered project. IDs are assigned by the backend and
// never reused. Path is the absolute project directory and is unique.
// Manual marks projects adopted via add; only daemon-created projects may
// be removed through the API.
type Record struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Manual    bool      `json:"manual"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract for project records.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Register inserts rec and returns it with the assigned id.
	Register(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	GetByPath(ctx context.Context, path string) (Record, error)
	// List returns every record ordered by id.
	List(ctx context.Context) ([]Record, error)
	UpdateState(ctx context.Context, id int64, state string) error
	Remove(ctx context.Context, id int64) error
	// ResetLiveStates rewrites records stuck in a live state to the given
	// one. Run at boot: the daemon never adopts processes from a previous
	// life, so a persisted "running" without a child is stale.
	ResetLiveStates(ctx context.Context, to string) (int64, error)
	Close() error
}
