// Package postgres backs the project registry with PostgreSQL through the
// pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/craftd/craftd/internal/registry"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects(
			id BIGSERIAL PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			manual BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_state ON projects(state);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Register(ctx context.Context, rec registry.Record) (registry.Record, error) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO projects(path, name, manual, state, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING id;`,
		rec.Path, rec.Name, rec.Manual, rec.State, rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return registry.Record{}, registry.ErrDuplicatePath
		}
		return registry.Record{}, err
	}
	return rec, nil
}

func (p *DB) Get(ctx context.Context, id int64) (registry.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, path, name, manual, state, created_at, updated_at
		FROM projects WHERE id=$1;`, id)
	return scanRecord(row)
}

func (p *DB) GetByPath(ctx context.Context, path string) (registry.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, path, name, manual, state, created_at, updated_at
		FROM projects WHERE path=$1;`, path)
	return scanRecord(row)
}

func (p *DB) List(ctx context.Context) ([]registry.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func (p *DB) UpdateState(ctx context.Context, id int64, state string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE projects SET state=$1, updated_at=$2 WHERE id=$3;`,
		state, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *DB) Remove(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *DB) ResetLiveStates(ctx context.Context, to string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE projects SET state=$1, updated_at=$2
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
