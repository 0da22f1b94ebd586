package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
)

// ListImages returns all images known to the daemon.
func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	raw, err := c.api.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: list images: %v", ErrUnavailable, err)
	}
	out := make([]Image, 0, len(raw))
	for _, im := range raw {
		out = append(out, Image{
			ID:         im.ID,
			Tags:       im.RepoTags,
			Created:    im.Created,
			Size:       im.Size,
			SharedSize: im.SharedSize,
			Labels:     im.Labels,
		})
	}
	return out, nil
}

// ResolveImageRef resolves a name:tag or short id to the full image id.
// Returns "" for an unknown reference.
func (c *Client) ResolveImageRef(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	inspect, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: resolve image %s: %v", ErrUnavailable, ref, err)
	}
	return inspect.ID, nil
}

// ImageLayers returns an image's RootFS chain oldest first, each layer
// paired with the incremental size it added. The daemon reports history
// newest first, so sizes are reversed and matched positionally against
// the chain; a length mismatch pads the tail with zero sizes. An image
// deleted since listing yields an empty chain.
func (c *Client) ImageLayers(ctx context.Context, imageID string) ([]Layer, error) {
	inspect, _, err := c.api.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: inspect image %s: %v", ErrUnavailable, short(imageID), err)
	}
	digests := inspect.RootFS.Layers
	if len(digests) == 0 {
		return nil, nil
	}

	history, err := c.api.ImageHistory(ctx, imageID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: image history %s: %v", ErrUnavailable, short(imageID), err)
	}
	sizes := make([]int64, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		sizes = append(sizes, history[i].Size)
	}

	layers := make([]Layer, len(digests))
	for i, d := range digests {
		layers[i] = Layer{Digest: d}
		if i < len(sizes) {
			layers[i].Size = sizes[i]
		}
	}
	return layers, nil
}
