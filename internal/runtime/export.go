package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Commits the container's filesystem changes and exports the result as an
// OCI archive at path.
//
// The diff between the container's snapshot and its parent is stored as a
// new layer on top of the base image's manifest. The stored image record in
// containerd is never modified: the mutated manifest, config, and (for
// index-rooted images) single-entry index are written to the content store
// as ephemeral blobs referenced only during the export. A content lease
// protects them from garbage collection until the export completes.
func (c *Container) Export(ctx context.Context, path string) error {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}
	defer done(context.Background())

	target, err := c.commitLayer(ctx, info.Image, layer, diffID)
	if err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	if err := c.writeArchive(ctx, target, info.Image, path); err != nil {
		return errors.Wrap(ErrRuntime, err.Error())
	}

	slog.Info("image exported", "path", path)
	return nil
}

// Builds the export target: the base image's manifest with the committed
// layer appended and the config's diff IDs extended to match.
func (c *Container) commitLayer(ctx context.Context, imageName string, layer ocispec.Descriptor, diffID digest.Digest) (ocispec.Descriptor, error) {
	img, err := c.client.ImageService().Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifestDesc, index, err := c.resolveManifest(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest, err := readJSON[ocispec.Manifest](ctx, c.client.ContentStore(), manifestDesc)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	config, err := readJSON[ocispec.Image](ctx, c.client.ContentStore(), manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest.Layers = append(manifest.Layers, layer)
	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)

	newConfig, err := c.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config", nil)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = newConfig

	newManifest, err := c.writeBlob(ctx, manifestDesc.MediaType, manifest,
		imageName+"-manifest", manifestGCLabels(manifest))
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if index == nil {
		return newManifest, nil
	}

	// Index-rooted image: wrap the new manifest in a single-entry index.
	// Entries for other platforms are dropped because their layer blobs
	// were never fetched.
	index.Manifests = []ocispec.Descriptor{newManifest}
	return c.writeBlob(ctx, img.Target.MediaType, index, imageName+"-index", indexGCLabels(*index))
}

// Resolves the image root descriptor to the manifest for the container's
// platform. The returned index is nil when the root is already a manifest.
func (c *Container) resolveManifest(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	idx, err := readJSON[ocispec.Index](ctx, c.client.ContentStore(), root)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, errors.Wrapf(ErrEmptyIndex, "%s", imageName)
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	matcher := platforms.OnlyStrict(p)

	for _, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return m, &idx, nil
		}
	}

	// No explicit platform match; the pull was already pinned to one
	// platform, so the first entry is the one whose blobs exist locally.
	return idx.Manifests[0], &idx, nil
}

// Writes the image to an OCI tar archive at the given path.
//
// The target descriptor is exported directly via [archive.WithManifest]
// rather than looking up the image by name, so ephemeral content (the
// manifest with the committed layer) can be exported without touching the
// stored image record.
func (c *Container) writeArchive(ctx context.Context, target ocispec.Descriptor, imageName, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	return c.client.Export(ctx, f,
		archive.WithManifest(target, imageName),
		archive.WithPlatform(platforms.Only(p)),
	)
}

// Loads and decodes a JSON blob from the content store.
func readJSON[T any](ctx context.Context, cs content.Store, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, cs, desc)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (c *Container) writeBlob(ctx context.Context, mediaType string, v any, ref string, labels map[string]string) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}

	var opts []content.Opt
	if labels != nil {
		opts = append(opts, content.WithLabels(labels))
	}

	if err := content.WriteBlob(ctx, c.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children, so the
// garbage collector can trace reachability from the manifest blob to its
// config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// Computes containerd GC reference labels for an index's children.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
