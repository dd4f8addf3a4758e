package docker

import "context"

// Client is the container surface the engine backend needs: image pull,
// container lifecycle, and enough introspection to diagnose startup failures.
type Client interface {
	// PullImage pulls a Docker image.
	PullImage(ctx context.Context, image string) error

	// CreateAndStartContainer creates and starts a container, returning its ID.
	CreateAndStartContainer(ctx context.Context, name, image string, opts ContainerOptions) (string, error)

	// StopContainer stops and removes a container. timeout is in seconds.
	StopContainer(ctx context.Context, containerID string, timeout int) error

	// GetContainerStatus returns the container state (e.g. "running", "exited").
	GetContainerStatus(ctx context.Context, containerID string) (string, error)

	// GetContainerLogs returns the last `tail` lines of container logs.
	GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error)

	// ListContainers returns IDs of containers carrying the managed label,
	// narrowed by any additional label filters.
	ListContainers(ctx context.Context, labels map[string]string) ([]string, error)

	// FindContainersByPort returns all containers, managed or not, that
	// publish the given host port.
	FindContainersByPort(ctx context.Context, port int) ([]PortConflict, error)
}

// Compile-time assertion: SimpleClient must implement Client.
var _ Client = (*SimpleClient)(nil)
