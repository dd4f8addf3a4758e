// Package dockerengine runs models inside engine containers (one container
// per resident model) through the Docker API. Load starts a container with
// GPU device requests and waits for it to run; Evict stops and removes it.
package dockerengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jguan/gpusched/pkg/backend"
	"github.com/jguan/gpusched/pkg/infra/docker"
	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

// Config tunes the container adapter.
type Config struct {
	// Images maps a framework tag to its serving image.
	Images map[sched.Framework]string
	// BasePort is the first host port bound to a model container.
	BasePort int
	// GPU requests all GPUs for model containers.
	GPU bool
	// StartPollInterval is the poll interval while waiting for a container
	// to reach the running state.
	StartPollInterval time.Duration
}

// DefaultConfig returns the stock container adapter configuration.
func DefaultConfig() Config {
	return Config{
		Images: map[sched.Framework]string{
			sched.FrameworkVLLM:    "vllm/vllm-openai:latest",
			sched.FrameworkSGLang:  "lmsysorg/sglang:latest",
			sched.FrameworkPyTorch: "pytorch/torchserve:latest",
		},
		BasePort:          8100,
		GPU:               true,
		StartPollInterval: 2 * time.Second,
	}
}

type containerInfo struct {
	id   string
	port int
}

// Backend implements the scheduler's backend contract on containers.
type Backend struct {
	cfg  Config
	cli  docker.Client
	log  *slog.Logger
	http *http.Client

	mu         sync.Mutex
	containers map[string]containerInfo
}

var _ backend.Backend = (*Backend)(nil)

// New creates a container backend on the given Docker client.
func New(cfg Config, cli docker.Client, log *slog.Logger) *Backend {
	if cfg.BasePort == 0 {
		cfg.BasePort = 8100
	}
	if cfg.StartPollInterval <= 0 {
		cfg.StartPollInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		cfg:        cfg,
		cli:        cli,
		log:        log,
		http:       &http.Client{Timeout: 120 * time.Second},
		containers: make(map[string]containerInfo),
	}
}

// Load pulls the engine image if needed, starts a container serving the
// model, and waits for it to run.
func (b *Backend) Load(ctx context.Context, ref sched.BackendRef) (float64, error) {
	image, ok := b.cfg.Images[ref.Framework]
	if !ok {
		return 0, unit.NewDomainError("backend", unit.ErrCodeUnsupportedFramework,
			fmt.Sprintf("no engine image configured for framework %q", ref.Framework))
	}

	b.mu.Lock()
	if _, exists := b.containers[ref.Path]; exists {
		b.mu.Unlock()
		return 0, unit.NewDomainError("backend", unit.ErrCodeBackendAlreadyResident,
			fmt.Sprintf("model %q already has a container", ref.Path))
	}
	port := b.allocatePortLocked()
	b.mu.Unlock()

	if err := b.cli.PullImage(ctx, image); err != nil {
		b.log.Warn("image pull failed, trying local image", "image", image, "error", err)
	}

	name := containerName(ref.Path)
	opts := docker.ContainerOptions{
		Cmd:   []string{"--model", ref.Path, "--port", "8000"},
		Ports: map[string]string{strconv.Itoa(port): "8000"},
		Volumes: map[string]string{
			ref.Path: ref.Path,
		},
		Labels: map[string]string{
			docker.ManagedLabel: "true",
			"gpusched.model":    ref.Path,
		},
		GPU: b.cfg.GPU,
	}

	b.log.Info("starting model container", "model", ref.Path, "image", image, "port", port)
	id, err := b.cli.CreateAndStartContainer(ctx, name, image, opts)
	if err != nil {
		b.reportPortConflicts(ctx, port)
		return 0, unit.WrapDomainError(err, "backend", unit.ErrCodeBackendLoadFailed,
			fmt.Sprintf("start container for %q", ref.Path))
	}

	b.mu.Lock()
	b.containers[ref.Path] = containerInfo{id: id, port: port}
	b.mu.Unlock()

	if err := b.waitForRunning(ctx, ref.Path, id); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = b.cli.StopContainer(stopCtx, id, 10)
		cancel()
		b.mu.Lock()
		delete(b.containers, ref.Path)
		b.mu.Unlock()
		return 0, err
	}

	return backend.EstimateMemoryGB(ref.Framework), nil
}

func (b *Backend) waitForRunning(ctx context.Context, path, id string) error {
	ticker := time.NewTicker(b.cfg.StartPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return unit.WrapDomainError(ctx.Err(), "backend", unit.ErrCodeBackendLoadFailed,
				fmt.Sprintf("waiting for container for %q", path))
		case <-ticker.C:
		}

		status, err := b.cli.GetContainerStatus(ctx, id)
		if err != nil {
			continue
		}
		switch status {
		case "running":
			return nil
		case "exited", "dead":
			logs, _ := b.cli.GetContainerLogs(ctx, id, 20)
			return unit.NewDomainError("backend", unit.ErrCodeBackendLoadFailed,
				fmt.Sprintf("container for %q %s: %s", path, status, strings.TrimSpace(logs)))
		}
	}
}

// WarmUp sends one tiny completion against the container's API.
func (b *Backend) WarmUp(ctx context.Context, ref sched.BackendRef) error {
	if _, err := b.complete(ctx, ref, "warmup", 1); err != nil {
		return unit.WrapDomainError(err, "backend", unit.ErrCodeBackendWarmupFailed,
			fmt.Sprintf("warmup completion for %q", ref.Path))
	}
	return nil
}

// Infer runs one completion request against the container.
func (b *Backend) Infer(ctx context.Context, ref sched.BackendRef, req sched.InferRequest) (sched.InferResponse, error) {
	out, err := b.complete(ctx, ref, req.Prompt, 0)
	if err != nil {
		return sched.InferResponse{}, unit.WrapDomainError(err, "backend", unit.ErrCodeBackendInferFailed,
			fmt.Sprintf("completion for %q", ref.Path))
	}
	return sched.InferResponse{Output: out}, nil
}

func (b *Backend) complete(ctx context.Context, ref sched.BackendRef, prompt string, maxTokens int) (string, error) {
	b.mu.Lock()
	info, exists := b.containers[ref.Path]
	b.mu.Unlock()
	if !exists {
		return "", unit.NewDomainError("backend", unit.ErrCodeBackendNotReachable,
			fmt.Sprintf("no container for %q", ref.Path))
	}

	payload := map[string]any{"model": ref.Path, "prompt": prompt}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d/v1/completions", info.port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("engine returned %d: %s", resp.StatusCode, data)
	}

	var cr struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", nil
	}
	return cr.Choices[0].Text, nil
}

// Evict stops and removes the model's container.
func (b *Backend) Evict(ctx context.Context, ref sched.BackendRef) error {
	b.mu.Lock()
	info, exists := b.containers[ref.Path]
	delete(b.containers, ref.Path)
	b.mu.Unlock()
	if !exists {
		return nil
	}

	if err := b.cli.StopContainer(ctx, info.id, 10); err != nil {
		return unit.WrapDomainError(err, "backend", unit.ErrCodeBackendEvictFailed,
			fmt.Sprintf("stop container for %q", ref.Path))
	}
	return nil
}

// reportPortConflicts names the containers already holding the port after a
// failed start, so the operator can tell a stale managed container from an
// unrelated service.
func (b *Backend) reportPortConflicts(ctx context.Context, port int) {
	conflicts, err := b.cli.FindContainersByPort(ctx, port)
	if err != nil || len(conflicts) == 0 {
		return
	}
	for _, c := range conflicts {
		b.log.Warn("port already held by a container",
			"port", port, "container", c.Name, "image", c.Image, "managed", c.IsManaged)
	}
}

// Reap stops managed containers left over from an earlier run. Called once at
// daemon startup before any model loads; the port allocator assumes a clean
// slate.
func (b *Backend) Reap(ctx context.Context) error {
	ids, err := b.cli.ListContainers(ctx, nil)
	if err != nil {
		return unit.WrapDomainError(err, "backend", unit.ErrCodeBackendEvictFailed,
			"list stale model containers")
	}
	for _, id := range ids {
		b.log.Info("removing stale model container", "container", id)
		if err := b.cli.StopContainer(ctx, id, 10); err != nil {
			b.log.Warn("stale container stop failed", "container", id, "error", err)
		}
	}
	return nil
}

// allocatePortLocked finds the next port not held by a resident container.
// Caller holds b.mu.
func (b *Backend) allocatePortLocked() int {
	for port := b.cfg.BasePort; port < b.cfg.BasePort+1000; port++ {
		taken := false
		for _, c := range b.containers {
			if c.port == port {
				taken = true
				break
			}
		}
		if !taken {
			return port
		}
	}
	return b.cfg.BasePort
}

func containerName(path string) string {
	s := strings.NewReplacer("/", "-", ":", "-", ".", "-", "_", "-").Replace(path)
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[len(s)-40:]
	}
	return "gpusched-" + strings.ToLower(s)
}
