package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alienpimp/apexd/internal/engine"
	"github.com/alienpimp/apexd/internal/paths"
	"github.com/alienpimp/apexd/internal/source"
	"github.com/alienpimp/apexd/internal/store"
	"github.com/alienpimp/apexd/internal/template"
)

// Drains the queue until the daemon context is canceled.
func (o *Orchestrator) worker(ctx context.Context, n int) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker exiting", "worker", n)
			return
		case id := <-o.queue:
			o.metrics.queueDepth.Dec()
			o.run(ctx, id)
		}
	}
}

// Claims a queued build and drives it to a terminal status.
func (o *Orchestrator) run(ctx context.Context, id string) {
	err := o.store.TransitionBuild(ctx, id, store.StatusPending, store.StatusRunning, "")
	if err != nil {
		// Lost the claim: the build was canceled while queued.
		slog.Debug("skipping build", "build", id, "reason", err)
		return
	}

	buildCtx, cancelBuild := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[id] = cancelBuild
	o.mu.Unlock()
	defer func() {
		cancelBuild()
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()

	o.metrics.running.Inc()
	defer o.metrics.running.Dec()

	status, message := o.execute(ctx, buildCtx, id)

	// Record the outcome even when the daemon context is already gone, so
	// a shutdown mid-build does not strand the row in running.
	dbCtx := context.WithoutCancel(ctx)
	if err := o.store.TransitionBuild(dbCtx, id, store.StatusRunning, status, message); err != nil {
		slog.Error("recording build outcome", "build", id, "status", status, "error", err)
		return
	}

	o.metrics.finished.WithLabelValues(string(status)).Inc()
	slog.Info("build finished", "build", id, "status", status)
}

// Runs one build end to end: stage, render, invoke the engine, record the
// artifact. Returns the terminal status and its error message.
func (o *Orchestrator) execute(daemonCtx, ctx context.Context, id string) (store.Status, string) {
	b, err := o.store.GetBuild(ctx, id)
	if err != nil {
		return store.StatusFailed, err.Error()
	}
	pkg, err := o.store.GetPackage(ctx, b.PackageName, b.PackageVersion)
	if err != nil {
		return store.StatusFailed, err.Error()
	}
	tpl, err := o.store.GetTemplate(ctx, b.TemplateName, b.TemplateVersion)
	if err != nil {
		return store.StatusFailed, err.Error()
	}
	eng, err := o.engines.Get(b.Engine)
	if err != nil {
		return store.StatusFailed, err.Error()
	}

	workdir := filepath.Join(o.opts.Workspaces, id)
	artifactDir := filepath.Join(o.opts.Artifacts, id)

	if pkg.SourceType == store.SourceLocal {
		err = source.Stage(pkg.Source, workdir)
	} else {
		// Non-local sources are fetched by the rendered script itself.
		err = os.MkdirAll(workdir, paths.DefaultDirMode)
	}
	if err != nil {
		return store.StatusFailed, err.Error()
	}

	// Container builds run against in-container paths; the artifact still
	// lands in the host artifact directory via the image export.
	dirs := template.Dirs{Workdir: workdir, ArtifactDir: artifactDir}
	if b.Engine == "container" {
		dirs = template.Dirs{Workdir: engine.ContainerWorkdir, ArtifactDir: engine.ContainerArtifactDir}
	}

	script, err := template.Render(tpl, pkg, b.Params, dirs)
	if err != nil {
		return store.StatusFailed, err.Error()
	}

	log := newLogWriter(o.store, id)
	defer log.Close()

	report, err := eng.Build(ctx, engine.Request{
		BuildID:     id,
		Package:     pkg,
		Script:      script,
		Workdir:     workdir,
		ArtifactDir: artifactDir,
		Image:       baseImage(tpl, b.Params),
		Log:         log,
	})
	if err != nil {
		if daemonCtx.Err() != nil {
			return store.StatusFailed, "daemon shutting down"
		}
		if ctx.Err() != nil {
			return store.StatusCanceled, "canceled by request"
		}
		return store.StatusFailed, err.Error()
	}
	if report.ExitCode != 0 {
		return store.StatusFailed, fmt.Sprintf("build script exited with code %d", report.ExitCode)
	}

	if report.Artifact != "" {
		if status, message, ok := o.recordArtifact(ctx, id, pkg, report.Artifact); !ok {
			return status, message
		}
	}

	// Keep failed workspaces around for inspection; successful ones are
	// fully represented by their artifacts.
	if err := os.RemoveAll(workdir); err != nil {
		slog.Warn("removing build workspace", "build", id, "error", err)
	}

	return store.StatusSucceeded, ""
}

// Stores the artifact path and checksum on the build, and mirrors the
// checksum onto the package row so the package always carries the digest of
// its latest successful artifact.
func (o *Orchestrator) recordArtifact(ctx context.Context, id string, pkg store.Package, artifact string) (store.Status, string, bool) {
	sum, err := source.Checksum(artifact)
	if err != nil {
		return store.StatusFailed, err.Error(), false
	}
	if err := o.store.SetBuildArtifact(ctx, id, artifact, sum); err != nil {
		return store.StatusFailed, err.Error(), false
	}
	if err := o.store.SetPackageChecksum(ctx, pkg.Name, pkg.Version, sum); err != nil {
		return store.StatusFailed, err.Error(), false
	}
	return "", "", true
}

// Picks the base image for a container build: an explicit "image" parameter
// wins, then the template's declared default.
func baseImage(tpl store.Template, params map[string]string) string {
	if v := params["image"]; v != "" {
		return v
	}
	for _, spec := range tpl.Params {
		if spec.Name == "image" {
			return spec.Default
		}
	}
	return ""
}
