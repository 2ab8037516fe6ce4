// Package sqlite backs the project registry with a local SQLite file via
// the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/craftd/craftd/internal/registry"
)

type DB struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path. Use ":memory:" for
// an in-memory registry.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// Single writer keeps modernc happy under concurrency and makes the
	// busy timeout pragma stick to the one pooled connection.
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			manual BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_state ON projects(state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Register(ctx context.Context, rec registry.Record) (registry.Record, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects(path, name, manual, state, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		rec.Path, rec.Name, rec.Manual, rec.State, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return registry.Record{}, registry.ErrDuplicatePath
		}
		return registry.Record{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return registry.Record{}, err
	}
	rec.ID = id
	return rec, nil
}

func (s *DB) Get(ctx context.Context, id int64) (registry.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, manual, state, created_at, updated_at
		FROM projects WHERE id=?;`, id)
	return scanRecord(row)
}

func (s *DB) GetByPath(ctx context.Context, path string) (registry.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, manual, state, created_at, updated_at
		FROM projects WHERE path=?;`, path)
	return scanRecord(row)
}

func (s *DB) List(ctx context.Context) ([]registry.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, name, manual, state, created_at, updated_at
		FROM projects ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []registry.Record
	for rows.Next() {
		var rec registry.Record
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Name, &rec.Manual,
			&rec.State, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) UpdateState(ctx context.Context, id int64, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET state=?, updated_at=? WHERE id=?;`,
		state, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=?;`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) ResetLiveStates(ctx context.Context, to string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET state=?, updated_at=?
		WHERE state IN ('starting', 'running', 'stopping');`,
		to, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecord(row *sql.Row) (registry.Record, error) {
	var rec registry.Record
	err := row.Scan(&rec.ID, &rec.Path, &rec.Name, &rec.Manual,
		&rec.State, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Record{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Record{}, err
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}
