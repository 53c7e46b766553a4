package engine

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/alienpimp/apexd/internal/store"
)

// What an engine needs to run one build.
type Request struct {
	BuildID     string        // Build identifier, used for container and file naming.
	Package     store.Package // The package being built.
	Script      string        // Rendered build script.
	Workdir     string        // Staged source tree the script runs against.
	ArtifactDir string        // Directory the build writes artifacts into.
	Env         []string      // Extra environment entries ("KEY=value").
	Image       string        // Base image reference, for engines that build inside a container.
	Log         io.Writer     // Line-oriented sink for script output.
}

// What an engine reports after a completed invocation.
//
// ExitCode carries the script's exit status; a non-zero value means the
// build failed but the engine itself worked. Artifact is empty when the
// build produced nothing recognizable.
type Report struct {
	ExitCode int
	Artifact string
	Duration time.Duration
}

// A named, pluggable build capability with a uniform invoke/report contract.
type Engine interface {
	Name() string
	Build(ctx context.Context, req Request) (*Report, error)
}

// Holds the engines available to the orchestrator, keyed by name.
type Registry struct {
	engines map[string]Engine
}

// Creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Adds an engine under its name, replacing any previous registration.
func (r *Registry) Register(e Engine) {
	r.engines[e.Name()] = e
}

// Resolves an engine by name.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEngine, "%q", name)
	}
	return e, nil
}

// Returns the registered engine names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
