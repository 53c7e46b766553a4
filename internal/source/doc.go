// Package source prepares package sources for build engines.
//
// Local source trees are staged into per-build workspaces, source tarballs
// are produced for packaging builds, and artifact checksums are computed
// after a build completes. Engines receive a staged workdir and never touch
// the registered source location directly, so a failed build cannot corrupt
// the source it was given.
package source
