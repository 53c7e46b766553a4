package engine

import (
	"context"
	"path/filepath"
)

// Sets up interpreted-language environments.
//
// The rendered script is expected to create a virtual environment and
// install the package into it. The engine points the script at a
// per-build environment directory under the artifact dir, so the finished
// environment is the artifact.
type PyEnv struct{}

func (PyEnv) Name() string { return "pyenv" }

// Runs the environment-setup script with APEX_VENV_DIR exported.
func (PyEnv) Build(ctx context.Context, req Request) (*Report, error) {
	venvDir := filepath.Join(req.ArtifactDir, "venv")

	env := append([]string{"APEX_VENV_DIR=" + venvDir}, req.Env...)
	return runScript(ctx, req, env)
}
