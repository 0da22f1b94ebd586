package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"

	"github.com/qman-project/qman-slave/internal/logging"
)

// ErrUnavailable wraps failures to reach the Docker daemon so callers can
// distinguish "daemon down" from per-object errors.
var ErrUnavailable = errors.New("docker daemon unavailable")

// apiClient is the slice of the Docker SDK the engine uses.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (system.Info, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options types.ImageListOptions) ([]image.Summary, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageHistory(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error)
	DiskUsage(ctx context.Context, options types.DiskUsageOptions) (types.DiskUsage, error)
	Events(ctx context.Context, options types.EventsOptions) (<-chan events.Message, <-chan error)
}

// Client talks to the local Docker daemon over its unix socket.
type Client struct {
	api apiClient
	log *logging.Logger
}

// New connects to the daemon at sock and verifies it responds.
func New(ctx context.Context, sock string, log *logging.Logger) (*Client, error) {
	api, err := client.NewClientWithOpts(
		client.WithHost("unix://"+sock),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c := &Client{api: api, log: log}
	if _, err := c.api.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c, nil
}

// NewWithAPI is for tests.
func NewWithAPI(api apiClient, log *logging.Logger) *Client {
	return &Client{api: api, log: log}
}

// Ping reports whether the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DataRoot returns the daemon's storage root, e.g. /var/lib/docker.
func (c *Client) DataRoot(ctx context.Context) (string, error) {
	info, err := c.api.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return info.DockerRootDir, nil
}
