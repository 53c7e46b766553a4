package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// The flavor of build script a template produces.
type Kind string

const (
	KindSetupScript       Kind = "setup-script"
	KindPackageRecipe     Kind = "package-recipe"
	KindContainerRecipe   Kind = "container-recipe"
	KindEnvironmentConfig Kind = "environment-config"
)

// Reports whether k is a known template kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSetupScript, KindPackageRecipe, KindContainerRecipe, KindEnvironmentConfig:
		return true
	}
	return false
}

// Declares one parameter a template accepts.
//
// Required parameters must be supplied at build submission. Optional
// parameters fall back to Default when omitted.
type ParamSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Default  string `json:"default,omitempty"`
}

// A versioned, parameterized build-script template.
//
// Versions of a name are immutable once stored; Put always creates the next
// version rather than updating an existing one.
type Template struct {
	Name      string      `json:"name"`
	Version   int         `json:"version"`
	Kind      Kind        `json:"kind"`
	Body      string      `json:"body"`
	Params    []ParamSpec `json:"params,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Stores a new version of the template and returns it.
//
// The version is one greater than the highest stored version of the name
// (1 for a new name). The Version field on the argument is ignored.
func (s *Store) PutTemplate(ctx context.Context, tpl Template) (Template, error) {
	if tpl.Name == "" {
		return Template{}, errors.Wrap(ErrInvalid, "template name is required")
	}
	if !tpl.Kind.Valid() {
		return Template{}, errors.Wrapf(ErrUnknownKind, "%q", tpl.Kind)
	}
	if tpl.Body == "" {
		return Template{}, errors.Wrap(ErrInvalid, "template body is required")
	}

	params, err := json.Marshal(paramsOrEmpty(tpl.Params))
	if err != nil {
		return Template{}, errors.Wrap(err, "encoding params")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Template{}, errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM templates WHERE name = ?`,
		tpl.Name,
	).Scan(&next); err != nil {
		return Template{}, errors.Wrap(err, "allocating template version")
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO templates (name, version, kind, body, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tpl.Name, next, string(tpl.Kind), tpl.Body, string(params), formatTime(now),
	); err != nil {
		return Template{}, errors.Wrapf(err, "storing template %s", tpl.Name)
	}

	if err := tx.Commit(); err != nil {
		return Template{}, errors.Wrap(err, "committing template")
	}

	tpl.Version = next
	tpl.CreatedAt = now
	return tpl, nil
}

// Fetches a specific version of a template.
//
// Version 0 means the latest stored version.
func (s *Store) GetTemplate(ctx context.Context, name string, version int) (Template, error) {
	query := `
		SELECT name, version, kind, body, params, created_at
		FROM templates WHERE name = ? AND version = ?`
	args := []any{name, version}

	if version == 0 {
		query = `
			SELECT name, version, kind, body, params, created_at
			FROM templates WHERE name = ?
			ORDER BY version DESC LIMIT 1`
		args = []any{name}
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, errors.Wrapf(ErrNotFound, "template %s v%d", name, version)
	}
	return tpl, err
}

// Lists the latest version of every template name.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, t.version, t.kind, t.body, t.params, t.created_at
		FROM templates t
		JOIN (SELECT name, MAX(version) AS version FROM templates GROUP BY name) latest
		ON t.name = latest.name AND t.version = latest.version
		ORDER BY t.name`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing templates")
	}
	defer rows.Close()

	var tpls []Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		tpls = append(tpls, tpl)
	}
	return tpls, rows.Err()
}

// Removes all versions of a template name.
//
// Fails with [ErrReferenced] when a non-terminal build still references the
// template, and with [ErrNotFound] when no such template exists.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	active, err := s.activeBuilds(ctx, `template_name = ?`, name)
	if err != nil {
		return err
	}
	if active > 0 {
		return errors.Wrapf(ErrReferenced, "template %s has %d active builds", name, active)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return errors.Wrapf(err, "deleting template %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "template %s", name)
	}
	return nil
}

// Scans a template row from either *sql.Row or *sql.Rows.
func scanTemplate(row interface{ Scan(...any) error }) (Template, error) {
	var (
		tpl     Template
		kind    string
		params  string
		created string
	)
	if err := row.Scan(&tpl.Name, &tpl.Version, &kind, &tpl.Body, &params, &created); err != nil {
		return Template{}, err
	}

	tpl.Kind = Kind(kind)
	tpl.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(params), &tpl.Params); err != nil {
		return Template{}, errors.Wrap(err, "decoding params")
	}
	return tpl, nil
}

func paramsOrEmpty(params []ParamSpec) []ParamSpec {
	if params == nil {
		return []ParamSpec{}
	}
	return params
}
