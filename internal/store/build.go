package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Lifecycle status of a build.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Allowed status transitions. Terminal statuses have no successors.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCanceled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCanceled},
}

// Reports whether the status is terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Reports whether a transition from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// One execution of a package build: a package, a template instantiation,
// and the engine that ran it.
type Build struct {
	ID              string            `json:"id"`
	PackageName     string            `json:"package_name"`
	PackageVersion  string            `json:"package_version"`
	TemplateName    string            `json:"template_name"`
	TemplateVersion int               `json:"template_version"`
	Params          map[string]string `json:"params,omitempty"`
	Engine          string            `json:"engine"`
	Status          Status            `json:"status"`
	Error           string            `json:"error,omitempty"`
	Artifact        string            `json:"artifact,omitempty"`
	ArtifactSHA256  string            `json:"artifact_sha256,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       time.Time         `json:"started_at,omitzero"`
	FinishedAt      time.Time         `json:"finished_at,omitzero"`
}

// Filter for listing builds. Zero fields match everything.
type BuildFilter struct {
	Status         Status
	PackageName    string
	PackageVersion string
}

// Creates a pending build row and returns it with a fresh ID.
func (s *Store) CreateBuild(ctx context.Context, b Build) (Build, error) {
	b.ID = uuid.NewString()
	b.Status = StatusPending
	b.CreatedAt = time.Now()

	params, err := json.Marshal(paramsMapOrEmpty(b.Params))
	if err != nil {
		return Build{}, errors.Wrap(err, "encoding params")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO builds (id, package_name, package_version, template_name,
			template_version, params, engine, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.PackageName, b.PackageVersion, b.TemplateName,
		b.TemplateVersion, string(params), b.Engine, string(b.Status),
		formatTime(b.CreatedAt),
	)
	if err != nil {
		return Build{}, errors.Wrap(err, "creating build")
	}
	return b, nil
}

// Fetches a build by ID.
func (s *Store) GetBuild(ctx context.Context, id string) (Build, error) {
	row := s.db.QueryRowContext(ctx, buildColumns+` WHERE id = ?`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, errors.Wrapf(ErrNotFound, "build %s", id)
	}
	return b, err
}

// Lists builds matching the filter, newest first.
func (s *Store) ListBuilds(ctx context.Context, f BuildFilter) ([]Build, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.PackageName != "" {
		where = append(where, "package_name = ?")
		args = append(args, f.PackageName)
	}
	if f.PackageVersion != "" {
		where = append(where, "package_version = ?")
		args = append(args, f.PackageVersion)
	}

	query := buildColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing builds")
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// Transitions a build from an expected prior status to a new one.
//
// The update is a compare-and-swap on the prior status, so a concurrent
// transition (e.g. a cancel racing a worker pickup) leaves exactly one
// winner. Started/finished timestamps are set as a side effect of entering
// running or a terminal status. Returns [ErrInvalidTransition] when the
// transition is disallowed or the build is no longer in the expected status,
// and [ErrNotFound] when the build does not exist.
func (s *Store) TransitionBuild(ctx context.Context, id string, from, to Status, buildErr string) error {
	if !from.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	now := formatTime(time.Now())
	set := []string{"status = ?", "error = ?"}
	args := []any{string(to), buildErr}

	if to == StatusRunning {
		set = append(set, "started_at = ?")
		args = append(args, now)
	}
	if to.Terminal() {
		set = append(set, "finished_at = ?")
		args = append(args, now)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return errors.Wrapf(err, "transitioning build %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetBuild(ctx, id); err != nil {
			return err
		}
		return errors.Wrapf(ErrInvalidTransition, "build %s is not %s", id, from)
	}
	return nil
}

// Records the artifact produced by a successful build.
func (s *Store) SetBuildArtifact(ctx context.Context, id, artifact, sha256 string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET artifact = ?, artifact_sha256 = ? WHERE id = ?`,
		artifact, sha256, id)
	if err != nil {
		return errors.Wrapf(err, "recording artifact for build %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "build %s", id)
	}
	return nil
}

// Appends a line to a build's log.
func (s *Store) AppendBuildLog(ctx context.Context, id, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_logs (build_id, line) VALUES (?, ?)`, id, line)
	return errors.Wrapf(err, "appending log for build %s", id)
}

// Reads a build's log lines in append order.
func (s *Store) ReadBuildLog(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM build_logs WHERE build_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "reading log for build %s", id)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Marks every running build as failed with the given message.
//
// Called at daemon startup: a build found running can only be a leftover
// from a crashed or killed daemon. Returns the IDs of the builds marked.
func (s *Store) FailRunningBuilds(ctx context.Context, message string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM builds WHERE status = ?`, string(StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "finding running builds")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.TransitionBuild(ctx, id, StatusRunning, StatusFailed, message); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Counts builds grouped by status.
func (s *Store) CountBuilds(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "counting builds")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Counts builds in non-terminal statuses matching the condition.
func (s *Store) activeBuilds(ctx context.Context, cond string, args ...any) (int, error) {
	query := `SELECT COUNT(*) FROM builds WHERE status IN (?, ?) AND ` + cond
	args = append([]any{string(StatusPending), string(StatusRunning)}, args...)

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting active builds")
	}
	return n, nil
}

const buildColumns = `
	SELECT id, package_name, package_version, template_name, template_version,
		params, engine, status, error, artifact, artifact_sha256,
		created_at, started_at, finished_at
	FROM builds`

// Scans a build row from either *sql.Row or *sql.Rows.
func scanBuild(row interface{ Scan(...any) error }) (Build, error) {
	var (
		b        Build
		status   string
		params   string
		created  string
		started  string
		finished string
	)
	if err := row.Scan(&b.ID, &b.PackageName, &b.PackageVersion,
		&b.TemplateName, &b.TemplateVersion, &params, &b.Engine, &status,
		&b.Error, &b.Artifact, &b.ArtifactSHA256,
		&created, &started, &finished); err != nil {
		return Build{}, err
	}

	b.Status = Status(status)
	b.CreatedAt = parseTime(created)
	b.StartedAt = parseTime(started)
	b.FinishedAt = parseTime(finished)
	if err := json.Unmarshal([]byte(params), &b.Params); err != nil {
		return Build{}, errors.Wrap(err, "decoding params")
	}
	return b, nil
}

func paramsMapOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
