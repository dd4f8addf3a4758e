// Package vllm runs models under a local vLLM server process, one process
// per resident model. Load starts the process and waits for its health
// endpoint; Evict stops it. Inference goes through the OpenAI-compatible
// completions API.
package vllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/jguan/gpusched/pkg/backend"
	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

// Config tunes the vLLM adapter.
type Config struct {
	// Binary is the vllm executable. Empty means $PATH lookup.
	Binary string
	// BasePort is the first port handed to a server process. Each resident
	// model gets the next free one.
	BasePort int
	// GPUMemoryUtilization is passed to vllm serve.
	GPUMemoryUtilization float64
	// GPUID pins server processes to one device via CUDA_VISIBLE_DEVICES.
	GPUID int
	// HealthInterval is the poll interval while waiting for readiness.
	HealthInterval time.Duration
}

// DefaultConfig returns the stock adapter configuration.
func DefaultConfig() Config {
	return Config{
		Binary:               "vllm",
		BasePort:             8000,
		GPUMemoryUtilization: 0.9,
		GPUID:                0,
		HealthInterval:       2 * time.Second,
	}
}

type process struct {
	cmd  *exec.Cmd
	port int
}

// Backend implements the scheduler's backend contract on vLLM.
type Backend struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client

	mu        sync.Mutex
	processes map[string]*process
}

// New creates a vLLM backend adapter.
func New(cfg Config, log *slog.Logger) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = "vllm"
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = 8000
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		cfg:       cfg,
		log:       log,
		http:      &http.Client{Timeout: 120 * time.Second},
		processes: make(map[string]*process),
	}
}

// Installed reports whether the vllm binary is on this host.
func (b *Backend) Installed() bool {
	_, err := exec.LookPath(b.cfg.Binary)
	return err == nil
}

// Load starts a server process for the model and blocks until its health
// endpoint answers. The returned figure is the device memory the server was
// told to claim, since vLLM pre-allocates its whole budget at startup.
func (b *Backend) Load(ctx context.Context, ref sched.BackendRef) (float64, error) {
	b.mu.Lock()
	if _, exists := b.processes[ref.Path]; exists {
		b.mu.Unlock()
		return 0, unit.NewDomainError("backend", unit.ErrCodeBackendAlreadyResident,
			fmt.Sprintf("model %q already has a server process", ref.Path))
	}
	port := b.allocatePortLocked()
	b.mu.Unlock()

	args := []string{
		"serve", ref.Path,
		"--port", strconv.Itoa(port),
		"--gpu-memory-utilization", fmt.Sprintf("%.2f", b.cfg.GPUMemoryUtilization),
	}
	cmd := exec.Command(b.cfg.Binary, args...)
	cmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strconv.Itoa(b.cfg.GPUID))

	b.log.Info("starting vllm server", "model", ref.Path, "port", port)
	if err := cmd.Start(); err != nil {
		return 0, unit.WrapDomainError(err, "backend", unit.ErrCodeBackendLoadFailed,
			fmt.Sprintf("start vllm server for %q", ref.Path))
	}

	b.mu.Lock()
	b.processes[ref.Path] = &process{cmd: cmd, port: port}
	b.mu.Unlock()

	// Reap the process when it exits so ProcessState reflects crashes.
	go func() { _ = cmd.Wait() }()

	if err := b.waitForReady(ctx, ref.Path, port); err != nil {
		b.stop(ref.Path, true)
		return 0, err
	}

	return backend.EstimateMemoryGB(ref.Framework), nil
}

func (b *Backend) waitForReady(ctx context.Context, path string, port int) error {
	url := fmt.Sprintf("http://localhost:%d/health", port)
	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return unit.WrapDomainError(ctx.Err(), "backend", unit.ErrCodeBackendLoadFailed,
				fmt.Sprintf("waiting for vllm server for %q", path))
		case <-ticker.C:
		}

		b.mu.Lock()
		p, exists := b.processes[path]
		b.mu.Unlock()
		if !exists {
			return unit.NewDomainError("backend", unit.ErrCodeBackendLoadFailed, "server process disappeared")
		}
		if p.cmd.ProcessState != nil && p.cmd.ProcessState.Exited() {
			return unit.NewDomainError("backend", unit.ErrCodeBackendLoadFailed,
				fmt.Sprintf("vllm server exited with code %d", p.cmd.ProcessState.ExitCode()))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := b.http.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
}

// WarmUp sends one tiny completion so CUDA graphs and caches are primed
// before real traffic hits the model.
func (b *Backend) WarmUp(ctx context.Context, ref sched.BackendRef) error {
	_, err := b.complete(ctx, ref, sched.InferRequest{Prompt: "warmup"}, 1)
	if err != nil {
		return unit.WrapDomainError(err, "backend", unit.ErrCodeBackendWarmupFailed,
			fmt.Sprintf("warmup completion for %q", ref.Path))
	}
	return nil
}

// Infer runs one completion request.
func (b *Backend) Infer(ctx context.Context, ref sched.BackendRef, req sched.InferRequest) (sched.InferResponse, error) {
	out, err := b.complete(ctx, ref, req, 0)
	if err != nil {
		return sched.InferResponse{}, unit.WrapDomainError(err, "backend", unit.ErrCodeBackendInferFailed,
			fmt.Sprintf("completion for %q", ref.Path))
	}
	return sched.InferResponse{Output: out}, nil
}

type completionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (b *Backend) complete(ctx context.Context, ref sched.BackendRef, req sched.InferRequest, maxTokens int) (string, error) {
	b.mu.Lock()
	p, exists := b.processes[ref.Path]
	b.mu.Unlock()
	if !exists {
		return "", unit.NewDomainError("backend", unit.ErrCodeBackendNotReachable,
			fmt.Sprintf("no server process for %q", ref.Path))
	}

	body, err := json.Marshal(completionRequest{
		Model:     ref.Path,
		Prompt:    req.Prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d/v1/completions", p.port)
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
		return "", fmt.Errorf("vllm returned %d: %s", resp.StatusCode, data)
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", nil
	}
	return cr.Choices[0].Text, nil
}

// Evict stops the model's server process.
func (b *Backend) Evict(ctx context.Context, ref sched.BackendRef) error {
	if err := b.stop(ref.Path, false); err != nil {
		return unit.WrapDomainError(err, "backend", unit.ErrCodeBackendEvictFailed,
			fmt.Sprintf("stop vllm server for %q", ref.Path))
	}
	return nil
}

func (b *Backend) stop(path string, force bool) error {
	b.mu.Lock()
	p, exists := b.processes[path]
	delete(b.processes, path)
	b.mu.Unlock()
	if !exists {
		return nil
	}

	if force {
		return p.cmd.Process.Kill()
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-time.After(30 * time.Second):
		return p.cmd.Process.Kill()
	case <-done:
		return nil
	}
}

// allocatePortLocked finds the next port not held by a resident process.
// Caller holds b.mu.
func (b *Backend) allocatePortLocked() int {
	for port := b.cfg.BasePort; port < b.cfg.BasePort+1000; port++ {
		taken := false
		for _, p := range b.processes {
			if p.port == port {
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
