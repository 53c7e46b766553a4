package engine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/store"
)

func testRequest(t *testing.T, script string) Request {
	t.Helper()

	base := t.TempDir()
	workdir := filepath.Join(base, "src")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatalf("creating workdir: %s", err)
	}

	return Request{
		BuildID: "build-test",
		Package: store.Package{
			Name:       "widget",
			Version:    "1.2.0",
			SourceType: store.SourceLocal,
		},
		Script:      script,
		Workdir:     workdir,
		ArtifactDir: filepath.Join(base, "artifacts"),
		Log:         &bytes.Buffer{},
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Native{})
	reg.Register(PyEnv{})
	reg.Register(Deb{})

	eng, err := reg.Get("native")
	if err != nil {
		t.Fatalf("resolving registered engine: %s", err)
	}
	if eng.Name() != "native" {
		t.Fatalf("expected engine native, got %s", eng.Name())
	}

	if _, err := reg.Get("bogus"); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}

	names := reg.Names()
	want := []string{"deb", "native", "pyenv"}
	if len(names) != len(want) {
		t.Fatalf("expected %d engine names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected names %v, got %v", want, names)
		}
	}
}

func TestNativeBuild(t *testing.T) {
	req := testRequest(t, "echo compiling widget\necho done > \"$APEX_ARTIFACT_DIR/widget.bin\"\n")

	report, err := Native{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("running build: %s", err)
	}
	if report.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", report.ExitCode)
	}

	log := req.Log.(*bytes.Buffer).String()
	if !strings.Contains(log, "compiling widget") {
		t.Fatalf("expected script output in log, got %q", log)
	}

	want := filepath.Join(req.ArtifactDir, "widget.bin")
	if report.Artifact != want {
		t.Fatalf("expected artifact %s, got %s", want, report.Artifact)
	}
}

func TestNativeBuildNonZeroExit(t *testing.T) {
	req := testRequest(t, "exit 3\n")

	report, err := Native{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("a failing script is not an engine error: %s", err)
	}
	if report.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", report.ExitCode)
	}
}

func TestNativeBuildStopsOnFirstFailure(t *testing.T) {
	req := testRequest(t, "false\necho unreachable\n")

	report, err := Native{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("running build: %s", err)
	}
	if report.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}
	if log := req.Log.(*bytes.Buffer).String(); strings.Contains(log, "unreachable") {
		t.Fatalf("script continued past failing command: %q", log)
	}
}

func TestNativeBuildCanceled(t *testing.T) {
	req := testRequest(t, "sleep 10\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := (Native{}).Build(ctx, req); err == nil {
		t.Fatal("expected error from canceled build")
	}
}

func TestNativeBuildCancelKillsChildren(t *testing.T) {
	// The background child inherits the output pipe. Cancellation must
	// take down the whole process group, not just the shell, or Build
	// blocks until the child exits on its own.
	req := testRequest(t, "sleep 30 &\nwait\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Native{}.Build(ctx, req)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error from canceled build")
	}
	if elapsed > 10*time.Second {
		t.Fatalf("canceled build took %s to return", elapsed)
	}
}

func TestBuildEnvironment(t *testing.T) {
	req := testRequest(t, "echo \"id=$APEX_BUILD_ID\"\necho \"dir=$APEX_ARTIFACT_DIR\"\n")

	if _, err := (Native{}).Build(context.Background(), req); err != nil {
		t.Fatalf("running build: %s", err)
	}

	log := req.Log.(*bytes.Buffer).String()
	if !strings.Contains(log, "id=build-test") {
		t.Fatalf("expected APEX_BUILD_ID in environment, got %q", log)
	}
	if !strings.Contains(log, "dir="+req.ArtifactDir) {
		t.Fatalf("expected APEX_ARTIFACT_DIR in environment, got %q", log)
	}
}

func TestPyEnvVenvDir(t *testing.T) {
	req := testRequest(t, "echo \"venv=$APEX_VENV_DIR\"\n")

	if _, err := (PyEnv{}).Build(context.Background(), req); err != nil {
		t.Fatalf("running build: %s", err)
	}

	want := "venv=" + filepath.Join(req.ArtifactDir, "venv")
	if log := req.Log.(*bytes.Buffer).String(); !strings.Contains(log, want) {
		t.Fatalf("expected %q in log, got %q", want, log)
	}
}

func TestDebBuildWritesSourceTarball(t *testing.T) {
	req := testRequest(t, "touch \"$APEX_ARTIFACT_DIR/widget_1.2.0_amd64.deb\"\n")
	if err := os.WriteFile(filepath.Join(req.Workdir, "main.c"), []byte("int main(void) { return 0; }\n"), 0o644); err != nil {
		t.Fatalf("seeding source file: %s", err)
	}

	report, err := Deb{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("running build: %s", err)
	}
	if report.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", report.ExitCode)
	}

	if filepath.Ext(report.Artifact) != ".deb" {
		t.Fatalf("expected a .deb artifact, got %s", report.Artifact)
	}

	tarball := filepath.Join(req.ArtifactDir, "widget-1.2.0.src.tar.gz")
	names := tarballEntries(t, tarball)
	if !names["main.c"] {
		t.Fatalf("expected main.c in source tarball, got %v", names)
	}
	for name := range names {
		if strings.HasSuffix(name, ".sh") {
			t.Fatalf("build script leaked into source tarball: %s", name)
		}
	}

	entries, err := os.ReadDir(req.Workdir)
	if err != nil {
		t.Fatalf("reading workdir: %s", err)
	}
	if len(entries) != 1 || entries[0].Name() != "main.c" {
		t.Fatalf("expected only package sources in workdir, got %v", entries)
	}
}

func tarballEntries(t *testing.T, path string) map[string]bool {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening tarball: %s", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("reading gzip stream: %s", err)
	}
	defer gz.Close()

	names := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tarball entry: %s", err)
		}
		names[filepath.ToSlash(filepath.Clean(hdr.Name))] = true
	}
	return names
}

func TestDebBuildFailedScriptSkipsTarball(t *testing.T) {
	req := testRequest(t, "exit 1\n")

	report, err := Deb{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("running build: %s", err)
	}
	if report.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", report.ExitCode)
	}
	if _, err := os.Stat(filepath.Join(req.ArtifactDir, "widget-1.2.0.src.tar.gz")); err == nil {
		t.Fatal("expected no source tarball after a failed script")
	}
}

func TestFindArtifact(t *testing.T) {
	dir := t.TempDir()
	if got := findArtifact(dir); got != "" {
		t.Fatalf("expected no artifact in empty dir, got %s", got)
	}

	older := filepath.Join(dir, "older.bin")
	if err := os.WriteFile(older, []byte("a"), 0o644); err != nil {
		t.Fatalf("writing file: %s", err)
	}
	if got := findArtifact(dir); got != older {
		t.Fatalf("expected sole entry %s, got %s", older, got)
	}

	newer := filepath.Join(dir, "newer.bin")
	if err := os.WriteFile(newer, []byte("b"), 0o644); err != nil {
		t.Fatalf("writing file: %s", err)
	}
	if err := os.Chtimes(older, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdating file: %s", err)
	}
	if got := findArtifact(dir); got != newer {
		t.Fatalf("expected newest file %s, got %s", newer, got)
	}
}

func TestContainerBuildRequiresImage(t *testing.T) {
	req := testRequest(t, "true\n")
	req.Image = ""

	if _, err := NewContainer(nil, "linux/amd64").Build(context.Background(), req); !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine for missing base image, got %v", err)
	}
}
