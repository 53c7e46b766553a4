package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPackageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pkg := Package{
		Name:       "zlib",
		Version:    "1.3.1",
		SourceType: SourceLocal,
		Source:     "/src/zlib",
		Deps:       []string{"make"},
		SHA256:     "abc123",
	}
	require.NoError(t, s.PutPackage(ctx, pkg))

	got, err := s.GetPackage(ctx, "zlib", "1.3.1")
	require.NoError(t, err)
	assert.Equal(t, pkg.Source, got.Source)
	assert.Equal(t, pkg.SourceType, got.SourceType)
	assert.Equal(t, pkg.Deps, got.Deps)
	assert.False(t, got.CreatedAt.IsZero())

	// Upsert replaces fields for the same identity.
	pkg.Source = "/src/zlib-1.3.1"
	require.NoError(t, s.PutPackage(ctx, pkg))
	got, err = s.GetPackage(ctx, "zlib", "1.3.1")
	require.NoError(t, err)
	assert.Equal(t, "/src/zlib-1.3.1", got.Source)

	pkgs, err := s.ListPackages(ctx)
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)
}

func TestPackageValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.PutPackage(ctx, Package{Name: "x", Version: "1", SourceType: "floppy"})
	require.ErrorIs(t, err, ErrUnknownSourceType)

	err = s.PutPackage(ctx, Package{Version: "1", SourceType: SourceLocal})
	require.Error(t, err)

	_, err = s.GetPackage(ctx, "missing", "1")
	require.ErrorIs(t, err, ErrNotFound)

	err = s.DeletePackage(ctx, "missing", "1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTemplateVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1, err := s.PutTemplate(ctx, Template{
		Name: "make-build",
		Kind: KindPackageRecipe,
		Body: "make -C {{.Workdir}}",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := s.PutTemplate(ctx, Template{
		Name:   "make-build",
		Kind:   KindPackageRecipe,
		Body:   "make -C {{.Workdir}} all",
		Params: []ParamSpec{{Name: "target", Default: "all"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// Version 0 resolves to the latest.
	latest, err := s.GetTemplate(ctx, "make-build", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, latest.Params, 1)

	pinned, err := s.GetTemplate(ctx, "make-build", 1)
	require.NoError(t, err)
	assert.Equal(t, "make -C {{.Workdir}}", pinned.Body)

	// List returns one entry per name, at the latest version.
	tpls, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	assert.Equal(t, 2, tpls[0].Version)
}

func TestTemplateValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.PutTemplate(ctx, Template{Name: "x", Kind: "mystery", Body: "b"})
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = s.PutTemplate(ctx, Template{Name: "x", Kind: KindSetupScript})
	require.Error(t, err)

	_, err = s.GetTemplate(ctx, "missing", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func seedBuild(t *testing.T, s *Store, ctx context.Context) Build {
	t.Helper()
	require.NoError(t, s.PutPackage(ctx, Package{
		Name: "zlib", Version: "1.3.1", SourceType: SourceLocal, Source: "/src/zlib",
	}))
	tpl, err := s.PutTemplate(ctx, Template{
		Name: "make-build", Kind: KindPackageRecipe, Body: "make",
	})
	require.NoError(t, err)

	b, err := s.CreateBuild(ctx, Build{
		PackageName:     "zlib",
		PackageVersion:  "1.3.1",
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Engine:          "native",
	})
	require.NoError(t, err)
	return b
}

func TestBuildLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := seedBuild(t, s, ctx)

	assert.NotEmpty(t, b.ID)
	assert.Equal(t, StatusPending, b.Status)

	require.NoError(t, s.TransitionBuild(ctx, b.ID, StatusPending, StatusRunning, ""))
	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, s.SetBuildArtifact(ctx, b.ID, "/artifacts/zlib.tar.gz", "deadbeef"))
	require.NoError(t, s.TransitionBuild(ctx, b.ID, StatusRunning, StatusSucceeded, ""))

	got, err = s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "/artifacts/zlib.tar.gz", got.Artifact)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestBuildTransitionsAreMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := seedBuild(t, s, ctx)

	// Disallowed edge.
	err := s.TransitionBuild(ctx, b.ID, StatusPending, StatusSucceeded, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// CAS: the expected prior status must match.
	require.NoError(t, s.TransitionBuild(ctx, b.ID, StatusPending, StatusRunning, ""))
	err = s.TransitionBuild(ctx, b.ID, StatusPending, StatusCanceled, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Terminal statuses have no successors.
	require.NoError(t, s.TransitionBuild(ctx, b.ID, StatusRunning, StatusFailed, "boom"))
	err = s.TransitionBuild(ctx, b.ID, StatusFailed, StatusRunning, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)
}

func TestDeleteRejectsActiveReferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := seedBuild(t, s, ctx)

	err := s.DeletePackage(ctx, "zlib", "1.3.1")
	require.ErrorIs(t, err, ErrReferenced)
	err = s.DeleteTemplate(ctx, "make-build")
	require.ErrorIs(t, err, ErrReferenced)

	// Terminal builds no longer block deletion.
	require.NoError(t, s.TransitionBuild(ctx, b.ID, StatusPending, StatusCanceled, ""))
	require.NoError(t, s.DeletePackage(ctx, "zlib", "1.3.1"))
	require.NoError(t, s.DeleteTemplate(ctx, "make-build"))
}

func TestBuildLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := seedBuild(t, s, ctx)

	require.NoError(t, s.AppendBuildLog(ctx, b.ID, "configuring"))
	require.NoError(t, s.AppendBuildLog(ctx, b.ID, "compiling"))
	require.NoError(t, s.AppendBuildLog(ctx, b.ID, "done"))

	lines, err := s.ReadBuildLog(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"configuring", "compiling", "done"}, lines)
}

func TestListBuildsFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := seedBuild(t, s, ctx)

	other, err := s.CreateBuild(ctx, Build{
		PackageName: "zlib", PackageVersion: "1.3.1",
		TemplateName: "make-build", TemplateVersion: 1, Engine: "native",
	})
	require.NoError(t, err)
	require.NoError(t, s.TransitionBuild(ctx, other.ID, StatusPending, StatusRunning, ""))

	pending, err := s.ListBuilds(ctx, BuildFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	all, err := s.ListBuilds(ctx, BuildFilter{PackageName: "zlib"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFailRunningBuilds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := seedBuild(t, s, ctx)
	require.NoError(t, s.TransitionBuild(ctx, b.ID, StatusPending, StatusRunning, ""))

	ids, err := s.FailRunningBuilds(ctx, "interrupted by daemon restart")
	require.NoError(t, err)
	require.Equal(t, []string{b.ID}, ids)

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "interrupted by daemon restart", got.Error)
}
