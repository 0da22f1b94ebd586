package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
)

// ListContainers returns all containers, running or not, with writable
// layer sizes.
func (c *Client) ListContainers(ctx context.Context) ([]Container, error) {
	raw, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Size: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", ErrUnavailable, err)
	}
	out := make([]Container, 0, len(raw))
	for _, ct := range raw {
		out = append(out, convertContainer(ct))
	}
	return out, nil
}

// DiskUsage asks the daemon for a full usage snapshot covering
// containers, images, and volumes.
func (c *Client) DiskUsage(ctx context.Context) (Usage, error) {
	du, err := c.api.DiskUsage(ctx, types.DiskUsageOptions{
		Types: []types.DiskUsageObject{
			types.ContainerObject,
			types.ImageObject,
			types.VolumeObject,
		},
	})
	if err != nil {
		return Usage{}, fmt.Errorf("%w: disk usage: %v", ErrUnavailable, err)
	}
	u := Usage{LayersSize: du.LayersSize}
	for _, ct := range du.Containers {
		if ct != nil {
			u.Containers = append(u.Containers, convertContainer(*ct))
		}
	}
	for _, im := range du.Images {
		if im != nil {
			u.Images = append(u.Images, Image{
				ID:         im.ID,
				Tags:       im.RepoTags,
				Created:    im.Created,
				Size:       im.Size,
				SharedSize: im.SharedSize,
				Labels:     im.Labels,
			})
		}
	}
	for _, v := range du.Volumes {
		u.Volumes = append(u.Volumes, convertVolume(v))
	}
	return u, nil
}

// StopAndRemove stops a container with the given grace period and force
// removes it. A container that disappeared in the meantime is not an
// error.
func (c *Client) StopAndRemove(ctx context.Context, id string, graceSeconds int) error {
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		c.log.Warn("container stop failed, forcing removal", "container", short(id), "error", err)
	}
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", short(id), err)
	}
	return nil
}

func convertContainer(ct types.Container) Container {
	name := ""
	if len(ct.Names) > 0 {
		name = strings.TrimPrefix(ct.Names[0], "/")
	}
	var vols []string
	for _, m := range ct.Mounts {
		if m.Type == mount.TypeVolume && m.Name != "" {
			vols = append(vols, m.Name)
		}
	}
	return Container{
		ID:      ct.ID,
		Name:    name,
		Image:   ct.Image,
		ImageID: ct.ImageID,
		Created: ct.Created,
		SizeRw:  ct.SizeRw,
		State:   ct.State,
		Labels:  ct.Labels,
		Volumes: vols,
	}
}

func convertVolume(v *volume.Volume) Volume {
	out := Volume{Name: v.Name, Labels: v.Labels, Size: -1}
	if v.UsageData != nil {
		out.Size = v.UsageData.Size
		out.RefCount = v.UsageData.RefCount
	}
	return out
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
