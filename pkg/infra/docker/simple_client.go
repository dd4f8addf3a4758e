package docker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SimpleClient drives the docker CLI directly. It is the fallback when the
// SDK client cannot be configured from the environment.
type SimpleClient struct{}

// NewSimpleClient returns a CLI-backed client.
func NewSimpleClient() *SimpleClient {
	return &SimpleClient{}
}

// PullImage pulls an image via `docker pull`.
func (c *SimpleClient) PullImage(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, "docker", "pull", image)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker pull %s failed: %w\nOutput: %s", image, err, string(output))
	}
	return nil
}

// CreateAndStartContainer creates and starts a container
func (c *SimpleClient) CreateAndStartContainer(ctx context.Context, name, image string, opts ContainerOptions) (string, error) {
	args := []string{"run", "-d", "--name", name}

	// Add port mappings
	for hostPort, containerPort := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%s:%s", hostPort, containerPort))
	}

	// Add volumes
	for hostPath, containerPath := range opts.Volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", hostPath, containerPath))
	}

	// Add environment variables
	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}

	// Add labels
	for k, v := range opts.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}

	// Add GPU support if requested
	if opts.GPU {
		args = append(args, "--gpus", "all")
	}

	// Add working directory
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}

	// Add resource limits
	if opts.Memory != "" {
		args = append(args, "--memory", opts.Memory)
	}
	if opts.CPU != "" {
		args = append(args, "--cpus", opts.CPU)
	}

	// Add image and command
	args = append(args, image)
	if len(opts.Cmd) > 0 {
		args = append(args, opts.Cmd...)
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker run failed: %w\nOutput: %s", err, string(output))
	}

	// Container ID is the output
	containerID := strings.TrimSpace(string(output))
	return containerID, nil
}

// StopContainer stops and removes a container
func (c *SimpleClient) StopContainer(ctx context.Context, containerID string, timeout int) error {
	// Stop the container
	stopCmd := exec.CommandContext(ctx, "docker", "stop", "-t", fmt.Sprintf("%d", timeout), containerID)
	if output, err := stopCmd.CombinedOutput(); err != nil {
		// Ignore errors, container might already be stopped
		_ = output
	}

	// Remove the container using a fresh context — the request context may have
	// expired while docker stop was running (especially with long timeouts).
	rmCmd := exec.CommandContext(context.Background(), "docker", "rm", containerID)
	if output, err := rmCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker rm failed: %w\nOutput: %s", err, string(output))
	}

	return nil
}

// GetContainerStatus gets container status
func (c *SimpleClient) GetContainerStatus(ctx context.Context, containerID string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Status}}", containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker inspect failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// GetContainerLogs gets container logs
func (c *SimpleClient) GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", fmt.Sprintf("%d", tail), containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker logs failed: %w", err)
	}
	return string(output), nil
}

// ListContainers lists containers with given labels
func (c *SimpleClient) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	args := []string{"ps", "-a", "-q", "--filter", "label=gpusched.managed=true"}

	for k, v := range labels {
		args = append(args, "--filter", fmt.Sprintf("label=%s=%s", k, v))
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	var containers []string
	for _, line := range lines {
		if line != "" {
			containers = append(containers, line)
		}
	}
	return containers, nil
}

// FindContainersByPort returns all containers publishing the given host port.
// Uses `docker ps -a --filter publish=PORT` which finds ANY container on that
// port regardless of labels, enabling orphan detection.
func (c *SimpleClient) FindContainersByPort(ctx context.Context, port int) ([]PortConflict, error) {
	args := []string{
		"ps", "-a",
		"--filter", fmt.Sprintf("publish=%d", port),
		"--format", "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.Labels}}",
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker ps (port filter): %w\nOutput: %s", err, string(output))
	}

	var conflicts []PortConflict
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 3 {
			continue
		}
		labels := ""
		if len(parts) == 4 {
			labels = parts[3]
		}
		// docker ps --format {{.Labels}} uses "key=value,key=value" (Docker CLI >=20)
		// but may fall back to Go's map format "map[key:value key:value]" on older
		// versions. Check both separator styles to be version-resilient.
		isManaged := strings.Contains(labels, ManagedLabel+"=true") ||
			strings.Contains(labels, "gpusched.managed:true")
		conflicts = append(conflicts, PortConflict{
			ContainerID: parts[0],
			Name:        parts[1],
			Image:       parts[2],
			IsManaged:   isManaged,
		})
	}
	return conflicts, nil
}

// CheckDocker checks if Docker is available
func CheckDocker() error {
	cmd := exec.Command("docker", "version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available: %w", err)
	}
	return nil
}
