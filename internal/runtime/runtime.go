package runtime

import (
	"context"
	"log/slog"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/platforms"
	"github.com/pkg/errors"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing the daemon to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client *containerd.Client // Containerd client for managing containers and images.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errors.Wrap(ErrRuntime, err.Error())
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Resolves a base image and starts a build container from it.
//
// The image reference is looked up in the content store first and pulled
// from its registry when absent. Layers for the target platform are
// unpacked into the snapshotter, a container is created with a fresh
// snapshot, and a long-running task (sleep infinity) is started so that
// subsequent script executions have a running process to attach to. Any
// existing container with the same ID is removed first. Building for a
// platform other than the host requires QEMU / binfmt_misc support in the
// kernel.
func (rt *Runtime) StartContainer(ctx context.Context, imageRef, id, platform string) (*Container, error) {
	image, err := rt.ensureImage(ctx, imageRef, platform)
	if err != nil {
		return nil, errors.Wrap(ErrRuntime, err.Error())
	}

	c := &Container{
		client:   rt.client,
		id:       id,
		platform: platform,
	}

	// Remove any stale container from a previous build with the same ID.
	c.remove(ctx)

	ctr, err := c.create(ctx, image)
	if err != nil {
		return nil, errors.Wrap(ErrRuntime, err.Error())
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, errors.Wrap(ErrRuntime, err.Error())
	}

	slog.Debug("container started", "id", id, "image", imageRef)

	return c, nil
}

// Returns the image for the reference, pulling it when not already present.
//
// Present images are verified to be unpacked for the target platform; a
// fresh pull unpacks as part of the pull. The platform matcher pins both
// paths to a single architecture so multi-platform references resolve
// deterministically.
func (rt *Runtime) ensureImage(ctx context.Context, ref, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}
	matcher := platforms.Only(p)

	if img, err := rt.client.ImageService().Get(ctx, ref); err == nil {
		image := containerd.NewImageWithPlatform(rt.client, img, matcher)

		unpacked, err := image.IsUnpacked(ctx, snapshotter)
		if err != nil {
			return nil, err
		}
		if !unpacked {
			if err := image.Unpack(ctx, snapshotter); err != nil {
				return nil, err
			}
		}
		return image, nil
	}

	slog.Info("pulling base image", "ref", ref, "platform", platform)

	return rt.client.Pull(ctx, ref,
		containerd.WithPlatformMatcher(matcher),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
	)
}
