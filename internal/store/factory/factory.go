package factory

import (
	"errors"
	"strings"

	"expbot/internal/store"
	pg "expbot/internal/store/postgres"
	sq "expbot/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sq.New(d)
}

// New builds a store from Config, falling back to DSN sniffing when Type
// is empty.
func New(cfg store.Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "sqlite":
		return sq.New(cfg.DSN)
	case "postgres", "postgresql":
		return pg.New(cfg.DSN)
	case "":
		return NewFromDSN(cfg.DSN)
	default:
		return nil, errors.New("unsupported store type: " + cfg.Type)
	}
}
