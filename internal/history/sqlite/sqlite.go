// Package sqlite writes history events to a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/craftd/craftd/internal/history"
)

// Sink appends events to the project_events table.
type Sink struct {
	db *sql.DB
}

// New opens (or creates) the database and ensures the schema.
// DSN forms:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db"
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty sqlite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc serializes access per connection; a single connection avoids
	// SQLITE_BUSY between concurrent senders.
	db.SetMaxOpenConns(1)

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Append-only audit table, no primary key.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_events(
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			project_id INTEGER NOT NULL,
			project TEXT NOT NULL,
			state TEXT,
			pid INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_project_events_project ON project_events(project);`,
		`CREATE INDEX IF NOT EXISTS idx_project_events_event ON project_events(event);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_events(occurred_at, event, project_id, project, state, pid, exit_code, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.ProjectID, e.Project, e.State, e.PID, e.ExitCode, e.Detail)
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
