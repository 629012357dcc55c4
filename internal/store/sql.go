package store

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements the Store interface on top of sqlx. SQLite is the
// default backend; Postgres is supported through the pgx stdlib driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
}

// Open connects to the database identified by driver and dsn and runs
// any pending schema migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres, "pgx":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection keeps :memory: databases coherent and
	// serializes writers the way SQLite expects.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLStore{db: db, dialect: DriverSQLite}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// NewPostgresStore connects to Postgres with the given connection string
// and runs any pending schema migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: DriverPostgres}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect reports the active backend.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// q rewrites ?-style placeholders for the active driver.
func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec(
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)",
	); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion := 0
	if err := s.db.Get(
		&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version",
	); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		stmt := m.sqlite
		if s.dialect == DriverPostgres {
			stmt = m.postgres
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}
