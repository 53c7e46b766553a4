package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/alienpimp/apexd/internal/source"
)

// Produces distribution packages.
//
// The rendered script runs the distribution tooling (dpkg-deb flavored
// recipes) against the staged tree. After a successful script run the
// engine writes a source tarball next to the package, so every .deb ships
// with the exact sources it was built from.
type Deb struct{}

func (Deb) Name() string { return "deb" }

// Runs the packaging script, then archives the staged sources.
func (Deb) Build(ctx context.Context, req Request) (*Report, error) {
	report, err := runScript(ctx, req, req.Env)
	if err != nil || report.ExitCode != 0 {
		return report, err
	}

	tarball := filepath.Join(req.ArtifactDir,
		fmt.Sprintf("%s-%s.src.tar.gz", req.Package.Name, req.Package.Version))
	if err := source.Tarball(req.Workdir, tarball); err != nil {
		return nil, err
	}

	if req.Log != nil {
		fmt.Fprintf(req.Log, "source tarball written to %s\n", filepath.Base(tarball))
	}

	// The .deb stays the primary artifact; re-resolve in case the
	// tarball is now the newest file.
	if report.Artifact == "" || filepath.Ext(report.Artifact) == ".gz" {
		report.Artifact = findDebArtifact(req.ArtifactDir, report.Artifact)
	}
	return report, nil
}

// Prefers a .deb in the artifact directory over other outputs.
func findDebArtifact(dir, fallback string) string {
	matches, err := filepath.Glob(filepath.Join(dir, "*.deb"))
	if err != nil || len(matches) == 0 {
		return fallback
	}
	return matches[0]
}
