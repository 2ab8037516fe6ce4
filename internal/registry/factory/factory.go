// Package factory selects a registry backend from a DSN.
package factory

import (
	"errors"
	"strings"

	"github.com/craftd/craftd/internal/registry"
	pg "github.com/craftd/craftd/internal/registry/postgres"
	sq "github.com/craftd/craftd/internal/registry/sqlite"
)

// NewFromDSN selects a registry implementation based on DSN.
// Supported:
//   - sqlite:   "sqlite://<path>" or a bare filesystem path
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (registry.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty registry DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sq.New(d)
}
