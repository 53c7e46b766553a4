// Package runtime manages build containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and provides what the
// container engine needs: base images are pulled from a registry (or reused
// from the content store), unpacked for the target platform, and used to
// create containers with overlay snapshots. Each [Container] wraps a running
// containerd task; a rendered build script can be copied in and executed
// with its output streamed to the build log, and the resulting filesystem
// can be committed and exported as an OCI archive.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "apexd")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, "docker.io/library/debian:bookworm", "build-1", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	code, err := ctr.RunScript(ctx, script, "/build/src", env, logWriter)
//	if err != nil {
//	    return err
//	}
//
//	if err := ctr.Export(ctx, "artifacts/image.tar"); err != nil {
//	    return err
//	}
package runtime
