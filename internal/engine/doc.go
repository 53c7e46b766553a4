// Package engine defines the pluggable build engines and their registry.
//
// An engine turns a rendered build script plus a staged source tree into an
// artifact. All engines share one contract: they stream script output to the
// build log, they treat a non-zero script exit code as a build failure (not
// an engine error), and they report the artifact they produced.
//
// Four engines ship with the daemon:
//
//   - native:    runs the script against the host toolchain (make, cmake,
//     gcc, whatever the template renders).
//   - pyenv:     interpreted-environment setup; the script creates a virtual
//     environment and installs the package into it.
//   - deb:       distribution packaging; the script produces a .deb and the
//     engine adds a source tarball alongside it.
//   - container: executes the script inside a container started from the
//     template's base image and exports the result as an OCI archive.
//
// Engines are registered by name in a [Registry]; the orchestrator resolves
// the engine named in each build request.
package engine
