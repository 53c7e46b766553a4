package store

import (
	"database/sql"

	"github.com/pkg/errors"
)

// Ordered schema migrations. Each entry is applied exactly once; the index
// of the last applied entry is tracked in the schema_version table. Entries
// must never be edited or reordered after release, only appended.
var migrations = []string{
	`CREATE TABLE packages (
		name        TEXT NOT NULL,
		version     TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source      TEXT NOT NULL,
		deps        TEXT NOT NULL DEFAULT '[]',
		sha256      TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		PRIMARY KEY (name, version)
	)`,
	`CREATE TABLE templates (
		name       TEXT NOT NULL,
		version    INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		body       TEXT NOT NULL,
		params     TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		PRIMARY KEY (name, version)
	)`,
	`CREATE TABLE builds (
		id               TEXT PRIMARY KEY,
		package_name     TEXT NOT NULL,
		package_version  TEXT NOT NULL,
		template_name    TEXT NOT NULL,
		template_version INTEGER NOT NULL,
		params           TEXT NOT NULL DEFAULT '{}',
		engine           TEXT NOT NULL,
		status           TEXT NOT NULL,
		error            TEXT NOT NULL DEFAULT '',
		artifact         TEXT NOT NULL DEFAULT '',
		artifact_sha256  TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		started_at       TEXT NOT NULL DEFAULT '',
		finished_at      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX builds_status ON builds (status)`,
	`CREATE INDEX builds_package ON builds (package_name, package_version)`,
	`CREATE TABLE build_logs (
		build_id TEXT NOT NULL,
		line     TEXT NOT NULL
	)`,
	`CREATE INDEX build_logs_build ON build_logs (build_id)`,
}

// Applies pending schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	); err != nil {
		return errors.Wrap(err, "creating schema_version table")
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, "beginning migration")
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "applying migration %d", i+1)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "updating schema version")
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "updating schema version")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "committing migration %d", i+1)
		}
	}

	return nil
}

// Returns the number of migrations already applied.
func (s *Store) schemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading schema version")
	}
	return v, nil
}
