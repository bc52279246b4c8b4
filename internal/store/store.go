// Package store persists the service's durable state in a single local
// SQLite database: workspace credentials, per-user cookie jars, and per-user
// settings. All secret columns are sealed with [secretbox.Box] before they
// touch disk; nothing outside this package sees ciphertext and nothing inside
// it hands out decrypted values except through the typed getters.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/kmizuno/streamscribe/internal/secretbox"
)

// DefaultTeamID is the sentinel workspace key used by single-workspace
// deployments and assigned to legacy rows during migration.
const DefaultTeamID = "_default_"

// PathEnv names the environment variable overriding the database location.
const PathEnv = "USER_COOKIES_DB_PATH"

// DefaultPath is the database file used when [PathEnv] is unset.
const DefaultPath = "user_cookies.db"

// ErrNotFound is returned by get operations when no row matches the key.
var ErrNotFound = errors.New("store: not found")

// Store owns the database handle and exposes the two keyed stores. Safe for
// concurrent use; SQLite serialises writers internally.
type Store struct {
	db  *sql.DB
	box *secretbox.Box

	Workspaces *WorkspaceStore
	Users      *UserSecretStore
}

// PathFromEnv returns the configured database path, falling back to
// [DefaultPath].
func PathFromEnv() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Open opens (creating if needed) the SQLite database at path and runs
// [Migrate] before returning. No other operation may run until migration
// completes.
func Open(ctx context.Context, path string, box *secretbox.Box) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, box: box}
	s.Workspaces = &WorkspaceStore{db: db, box: box}
	s.Users = &UserSecretStore{db: db, box: box}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlWorkspaces = `
CREATE TABLE IF NOT EXISTS workspaces (
    team_id         TEXT     PRIMARY KEY,
    team_name       TEXT     NOT NULL DEFAULT '',
    bot_token       BLOB     NOT NULL,
    signing_secret  BLOB     NOT NULL,
    app_token       BLOB,
    active          INTEGER  NOT NULL DEFAULT 1,
    created_at      INTEGER  NOT NULL,
    updated_at      INTEGER  NOT NULL
);
`

const ddlUserCookies = `
CREATE TABLE IF NOT EXISTS user_cookies (
    team_id     TEXT     NOT NULL DEFAULT '_default_',
    user_id     TEXT     NOT NULL,
    cookies     BLOB     NOT NULL,
    updated_at  INTEGER  NOT NULL,
    PRIMARY KEY (team_id, user_id)
);
`

const ddlUserSettings = `
CREATE TABLE IF NOT EXISTS user_settings (
    team_id     TEXT     NOT NULL DEFAULT '_default_',
    user_id     TEXT     NOT NULL,
    settings    BLOB     NOT NULL,
    updated_at  INTEGER  NOT NULL,
    PRIMARY KEY (team_id, user_id)
);
`

// Migrate creates all required tables and upgrades legacy single-workspace
// schemas in place. It is idempotent and safe to run on every start.
//
// Databases written before multi-workspace support keyed user rows by user_id
// alone. For those, a team_id column is added and every existing row is
// assigned [DefaultTeamID]. Running the upgrade again is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{ddlWorkspaces, ddlUserCookies, ddlUserSettings} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	for _, table := range []string{"user_cookies", "user_settings"} {
		if err := addTeamIDColumn(ctx, db, table); err != nil {
			return err
		}
	}
	return nil
}

// addTeamIDColumn upgrades one legacy table lacking a team_id column.
func addTeamIDColumn(ctx context.Context, db *sql.DB, table string) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'team_id'`, table,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("store: inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN team_id TEXT NOT NULL DEFAULT '%s'`, table, DefaultTeamID,
	))
	if err != nil {
		return fmt.Errorf("store: add team_id to %s: %w", table, err)
	}
	return nil
}
