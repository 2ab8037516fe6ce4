package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/craftd/craftd/internal/registry"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestRegisterAssignsIncreasingIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a, err := db.Register(ctx, registry.Record{Path: "/srv/a", Name: "a", State: "stopped"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := db.Register(ctx, registry.Record{Path: "/srv/b", Name: "b", Manual: true, State: "stopped"})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}
	if a.ID <= 0 || b.ID <= a.ID {
		t.Fatalf("ids not increasing: a=%d b=%d", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() || a.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", a)
	}

	// Removing the latest record must not let its id be reused.
	if err := db.Remove(ctx, b.ID); err != nil {
		t.Fatalf("remove b: %v", err)
	}
	c, err := db.Register(ctx, registry.Record{Path: "/srv/c", Name: "c", State: "stopped"})
	if err != nil {
		t.Fatalf("register c: %v", err)
	}
	if c.ID <= b.ID {
		t.Fatalf("id reused after remove: b=%d c=%d", b.ID, c.ID)
	}
}

func TestRegisterDuplicatePath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.Register(ctx, registry.Record{Path: "/srv/dup", Name: "one", State: "stopped"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := db.Register(ctx, registry.Record{Path: "/srv/dup", Name: "two", State: "stopped"})
	if !errors.Is(err, registry.ErrDuplicatePath) {
		t.Fatalf("register dup = %v, want ErrDuplicatePath", err)
	}
}

func TestGetAndGetByPath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec, err := db.Register(ctx, registry.Record{Path: "/srv/a", Name: "a", Manual: true, State: "stopped"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := db.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != "/srv/a" || got.Name != "a" || !got.Manual {
		t.Fatalf("get = %+v", got)
	}

	byPath, err := db.GetByPath(ctx, "/srv/a")
	if err != nil {
		t.Fatalf("get by path: %v", err)
	}
	if byPath.ID != rec.ID {
		t.Fatalf("get by path id = %d, want %d", byPath.ID, rec.ID)
	}

	if _, err := db.Get(ctx, 9999); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
	if _, err := db.GetByPath(ctx, "/srv/none"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("get by missing path = %v, want ErrNotFound", err)
	}
}

func TestUpdateState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec, err := db.Register(ctx, registry.Record{Path: "/srv/a", Name: "a", State: "stopped"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := db.UpdateState(ctx, rec.ID, "running"); err != nil {
		t.Fatalf("update state: %v", err)
	}
	got, err := db.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "running" {
		t.Fatalf("state = %q, want running", got.State)
	}
	if !got.UpdatedAt.After(rec.UpdatedAt) && !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("updated_at went backwards: %v -> %v", rec.UpdatedAt, got.UpdatedAt)
	}
	if err := db.UpdateState(ctx, 9999, "running"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("update missing = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec, err := db.Register(ctx, registry.Record{Path: "/srv/a", Name: "a", State: "stopped"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := db.Remove(ctx, rec.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := db.Remove(ctx, rec.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("second remove = %v, want ErrNotFound", err)
	}
}

func TestListOrdered(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := db.Register(ctx, registry.Record{Path: "/srv/" + name, Name: name, State: "stopped"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	recs, err := db.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("list len = %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID <= recs[i-1].ID {
			t.Fatalf("list not ordered by id: %+v", recs)
		}
	}
}

func TestResetLiveStates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	states := map[string]string{"a": "running", "b": "stopping", "c": "stopped", "d": "crashed"}
	ids := map[string]int64{}
	for name, state := range states {
		rec, err := db.Register(ctx, registry.Record{Path: "/srv/" + name, Name: name, State: state})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		ids[name] = rec.ID
	}

	n, err := db.ResetLiveStates(ctx, "stopped")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset affected %d rows, want 2", n)
	}
	for _, name := range []string{"a", "b", "c"} {
		rec, err := db.Get(ctx, ids[name])
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if rec.State != "stopped" {
			t.Fatalf("%s state = %q, want stopped", name, rec.State)
		}
	}
	crashed, err := db.Get(ctx, ids["d"])
	if err != nil {
		t.Fatalf("get d: %v", err)
	}
	if crashed.State != "crashed" {
		t.Fatalf("terminal state rewritten: %q", crashed.State)
	}
}
