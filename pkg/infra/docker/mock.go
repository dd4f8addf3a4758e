package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// MockContainer is one simulated container.
type MockContainer struct {
	ID     string
	Name   string
	Image  string
	Status string
	Env    []string
	Cmd    []string
	Ports  []string
	Labels map[string]string
}

// MockClient is an in-memory Client for tests. It is not safe for concurrent
// use; tests drive it from one goroutine.
type MockClient struct {
	Containers   map[string]*MockContainer
	PulledImages []string

	// FailCreate forces the next CreateAndStartContainer to fail.
	FailCreate error
	// FailStop forces the next StopContainer to fail.
	FailStop error
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{Containers: make(map[string]*MockContainer)}
}

func (c *MockClient) PullImage(ctx context.Context, image string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.PulledImages = append(c.PulledImages, image)
	return nil
}

func (c *MockClient) CreateAndStartContainer(ctx context.Context, name, image string, opts ContainerOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.FailCreate != nil {
		return "", c.FailCreate
	}

	id := fmt.Sprintf("mock-container-%d", len(c.Containers)+1)
	ports := make([]string, 0, len(opts.Ports))
	for hostPort, containerPort := range opts.Ports {
		ports = append(ports, hostPort+":"+containerPort)
	}
	labels := make(map[string]string, len(opts.Labels))
	for k, v := range opts.Labels {
		labels[k] = v
	}
	c.Containers[id] = &MockContainer{
		ID:     id,
		Name:   name,
		Image:  image,
		Status: "running",
		Env:    opts.Env,
		Cmd:    opts.Cmd,
		Ports:  ports,
		Labels: labels,
	}
	return id, nil
}

func (c *MockClient) StopContainer(ctx context.Context, containerID string, timeout int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.FailStop != nil {
		return c.FailStop
	}
	// Stopping an unknown container is idempotent, matching the real clients.
	delete(c.Containers, containerID)
	return nil
}

func (c *MockClient) GetContainerStatus(ctx context.Context, containerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ct, ok := c.Containers[containerID]
	if !ok {
		return "", fmt.Errorf("container %s not found", containerID)
	}
	return ct.Status, nil
}

func (c *MockClient) GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, ok := c.Containers[containerID]; !ok {
		return "", fmt.Errorf("container %s not found", containerID)
	}
	return fmt.Sprintf("mock logs for %s", containerID), nil
}

func (c *MockClient) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	for id, ct := range c.Containers {
		if ct.Labels[ManagedLabel] != "true" {
			continue
		}
		match := true
		for k, v := range labels {
			if ct.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FindContainersByPort matches containers publishing the given host port.
func (c *MockClient) FindContainersByPort(ctx context.Context, port int) ([]PortConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := strconv.Itoa(port) + ":"
	var conflicts []PortConflict
	for _, ct := range c.Containers {
		for _, p := range ct.Ports {
			if strings.HasPrefix(p, prefix) {
				conflicts = append(conflicts, PortConflict{
					ContainerID: ct.ID,
					Name:        ct.Name,
					Image:       ct.Image,
					IsManaged:   ct.Labels[ManagedLabel] == "true",
				})
				break
			}
		}
	}
	return conflicts, nil
}

var _ Client = (*MockClient)(nil)
