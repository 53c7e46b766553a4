package store

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/alienpimp/apexd/internal/paths"
)

// Timestamp layout used for all persisted times.
const timeLayout = time.RFC3339Nano

// SQLite-backed metadata store.
type Store struct {
	db *sql.DB
}

// Opens (and if necessary creates) the metadata database at path.
//
// The parent directory is created, WAL mode and foreign keys are enabled,
// and pending schema migrations are applied before the store is returned.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn between the worker pool and the API server.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Formats a time for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Parses a stored timestamp. Empty strings produce a zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
