package store

// Config selects and configures a store backend.
// Type is "sqlite" (default) or "postgres". For sqlite, DSN is a filesystem
// path (":memory:" for tests); for postgres it is a pgx-compatible URL.
type Config struct {
	Type string `toml:"type" mapstructure:"type"`
	DSN  string `toml:"dsn" mapstructure:"dsn"`
}
