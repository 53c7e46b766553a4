package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Where a package's source comes from.
type SourceType string

const (
	SourceDeb    SourceType = "deb"
	SourceRPM    SourceType = "rpm"
	SourcePacman SourceType = "pacman"
	SourcePyPI   SourceType = "pypi"
	SourceGitHub SourceType = "github"
	SourceLocal  SourceType = "local"
	SourceGit    SourceType = "git"
	SourceHTTP   SourceType = "http"
)

// Reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceDeb, SourceRPM, SourcePacman, SourcePyPI,
		SourceGitHub, SourceLocal, SourceGit, SourceHTTP:
		return true
	}
	return false
}

// A registered package. Identity is (Name, Version).
type Package struct {
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	SourceType SourceType `json:"source_type"`
	Source     string     `json:"source"`
	Deps       []string   `json:"deps,omitempty"`
	SHA256     string     `json:"sha256,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Inserts or replaces a package record.
//
// Name and version must be non-empty and the source type must be known.
// The created timestamp is set on insert and preserved on update.
func (s *Store) PutPackage(ctx context.Context, pkg Package) error {
	if pkg.Name == "" || pkg.Version == "" {
		return errors.Wrap(ErrInvalid, "package name and version are required")
	}
	if !pkg.SourceType.Valid() {
		return errors.Wrapf(ErrUnknownSourceType, "%q", pkg.SourceType)
	}

	deps, err := json.Marshal(depsOrEmpty(pkg.Deps))
	if err != nil {
		return errors.Wrap(err, "encoding deps")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packages (name, version, source_type, source, deps, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO UPDATE SET
			source_type = excluded.source_type,
			source      = excluded.source,
			deps        = excluded.deps,
			sha256      = excluded.sha256`,
		pkg.Name, pkg.Version, string(pkg.SourceType), pkg.Source,
		string(deps), pkg.SHA256, formatTime(time.Now()),
	)
	return errors.Wrapf(err, "storing package %s/%s", pkg.Name, pkg.Version)
}

// Fetches a package by identity.
func (s *Store) GetPackage(ctx context.Context, name, version string) (Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, source_type, source, deps, sha256, created_at
		FROM packages WHERE name = ? AND version = ?`,
		name, version,
	)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Package{}, errors.Wrapf(ErrNotFound, "package %s/%s", name, version)
	}
	return pkg, err
}

// Lists all packages, ordered by name then version.
func (s *Store) ListPackages(ctx context.Context) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, source_type, source, deps, sha256, created_at
		FROM packages ORDER BY name, version`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing packages")
	}
	defer rows.Close()

	var pkgs []Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, rows.Err()
}

// Removes a package.
//
// Fails with [ErrReferenced] when a non-terminal build still references the
// package, and with [ErrNotFound] when no such package exists.
func (s *Store) DeletePackage(ctx context.Context, name, version string) error {
	active, err := s.activeBuilds(ctx,
		`package_name = ? AND package_version = ?`, name, version)
	if err != nil {
		return err
	}
	if active > 0 {
		return errors.Wrapf(ErrReferenced, "package %s/%s has %d active builds", name, version, active)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM packages WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return errors.Wrapf(err, "deleting package %s/%s", name, version)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "package %s/%s", name, version)
	}
	return nil
}

// Records the checksum of a package's source.
func (s *Store) SetPackageChecksum(ctx context.Context, name, version, sha256 string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE packages SET sha256 = ? WHERE name = ? AND version = ?`,
		sha256, name, version)
	if err != nil {
		return errors.Wrapf(err, "updating checksum for %s/%s", name, version)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "package %s/%s", name, version)
	}
	return nil
}

// Scans a package row from either *sql.Row or *sql.Rows.
func scanPackage(row interface{ Scan(...any) error }) (Package, error) {
	var (
		pkg        Package
		sourceType string
		deps       string
		created    string
	)
	if err := row.Scan(&pkg.Name, &pkg.Version, &sourceType, &pkg.Source,
		&deps, &pkg.SHA256, &created); err != nil {
		return Package{}, err
	}

	pkg.SourceType = SourceType(sourceType)
	pkg.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(deps), &pkg.Deps); err != nil {
		return Package{}, errors.Wrap(err, "decoding deps")
	}
	return pkg, nil
}

func depsOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}
