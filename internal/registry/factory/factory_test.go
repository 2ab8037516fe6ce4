package factory

import (
	"path/filepath"
	"testing"

	pg "github.com/craftd/craftd/internal/registry/postgres"
	sq "github.com/craftd/craftd/internal/registry/sqlite"
)

func TestNewFromDSN(t *testing.T) {
	dir := t.TempDir()

	st, err := NewFromDSN(filepath.Join(dir, "bare.db"))
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if _, ok := st.(*sq.DB); !ok {
		t.Fatalf("bare path selected %T, want sqlite", st)
	}
	_ = st.Close()

	st, err = NewFromDSN("sqlite://" + filepath.Join(dir, "scheme.db"))
	if err != nil {
		t.Fatalf("sqlite scheme: %v", err)
	}
	if _, ok := st.(*sq.DB); !ok {
		t.Fatalf("sqlite scheme selected %T", st)
	}
	_ = st.Close()

	// sql.Open does not dial, so selecting postgres needs no server.
	st, err = NewFromDSN("postgres://user:pw@localhost:5432/craftd")
	if err != nil {
		t.Fatalf("postgres scheme: %v", err)
	}
	if _, ok := st.(*pg.DB); !ok {
		t.Fatalf("postgres scheme selected %T", st)
	}
	_ = st.Close()

	if _, err := NewFromDSN("   "); err == nil {
		t.Fatal("empty DSN should fail")
	}
}
