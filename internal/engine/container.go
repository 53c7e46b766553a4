package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/paths"
	"github.com/alienpimp/apexd/internal/runtime"
	"github.com/alienpimp/apexd/internal/source"
)

// In-container paths a container build runs against. Scripts destined for
// this engine are rendered against these instead of host paths.
const (
	ContainerWorkdir     = "/build/src"
	ContainerArtifactDir = "/build/artifacts"
)

// Runs builds inside a containerd-managed container.
//
// The staged source tree is copied into a fresh container created from the
// request's base image, the rendered script runs inside it, and on success
// the container's filesystem is committed and exported as an OCI archive
// into the artifact directory. The container is destroyed afterwards either
// way.
type Container struct {
	runtime  *runtime.Runtime
	platform string
}

// Creates a container engine on top of a connected runtime.
func NewContainer(rt *runtime.Runtime, platform string) *Container {
	return &Container{runtime: rt, platform: platform}
}

func (e *Container) Name() string {
	return "container"
}

func (e *Container) Build(ctx context.Context, req Request) (*Report, error) {
	if req.Image == "" {
		return nil, errors.Wrapf(ErrEngine, "build %s: no base image", req.BuildID)
	}

	start := time.Now()

	ctr, err := e.runtime.StartContainer(ctx, req.Image, "apex-build-"+req.BuildID, e.platform)
	if err != nil {
		return nil, errors.Wrap(err, "start build container")
	}
	defer ctr.Destroy(context.WithoutCancel(ctx))

	if err := e.stageSource(ctx, ctr, req.Workdir); err != nil {
		return nil, err
	}

	env := append([]string{
		"APEX_BUILD_ID=" + req.BuildID,
		"APEX_ARTIFACT_DIR=" + ContainerArtifactDir,
	}, req.Env...)

	exitCode, err := ctr.RunScript(ctx, req.Script, ContainerWorkdir, env, req.Log)
	if err != nil {
		return nil, err
	}

	report := &Report{ExitCode: exitCode}
	if exitCode != 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	// The task must be stopped before committing so the exported layer
	// captures a quiesced filesystem.
	if err := ctr.Stop(ctx); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(req.ArtifactDir, paths.DefaultDirMode); err != nil {
		return nil, errors.Wrap(ErrEngine, err.Error())
	}
	artifact := filepath.Join(req.ArtifactDir,
		fmt.Sprintf("%s-%s.oci.tar", req.Package.Name, req.Package.Version))
	if err := ctr.Export(ctx, artifact); err != nil {
		return nil, err
	}
	slog.Debug("container image exported", "build", req.BuildID, "artifact", artifact)

	report.Artifact = artifact
	report.Duration = time.Since(start)
	return report, nil
}

// Copies the staged source tree into the container's workdir.
func (e *Container) stageSource(ctx context.Context, ctr *runtime.Container, hostDir string) error {
	if err := ctr.MkdirAll(ctx, ContainerWorkdir); err != nil {
		return err
	}
	if err := ctr.MkdirAll(ctx, ContainerArtifactDir); err != nil {
		return err
	}

	tree := source.TarStream(hostDir)
	defer tree.Close()
	return ctr.CopyTo(ctx, tree, ContainerWorkdir)
}
