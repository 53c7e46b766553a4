package engine

import "context"

// Builds packages with the host toolchain.
//
// The engine itself is toolchain-agnostic: make, cmake, gcc, cargo, or any
// other compiler available on the host. The template decides what the
// script invokes.
type Native struct{}

func (Native) Name() string { return "native" }

// Runs the rendered script against the staged source tree.
func (Native) Build(ctx context.Context, req Request) (*Report, error) {
	return runScript(ctx, req, req.Env)
}
