package sched

import "time"

// State tracks where a model sits in its residency lifecycle.
type State string

const (
	// StateCold means the model is not loaded and holds no memory.
	StateCold State = "cold"
	// StateWarming means a load/warm-up sequence is in flight.
	StateWarming State = "warming"
	// StateWarm means the model is resident and ready to serve.
	StateWarm State = "warm"
	// StateServing means a request is actively running against the model.
	StateServing State = "serving"
	// StateEvicting means the model is being removed from memory.
	StateEvicting State = "evicting"
	// StateError means a load, warm-up or evict failed. Only an explicit
	// retry moves the model out of this state.
	StateError State = "error"
)

// Resident reports whether the state implies the model holds accelerator
// memory.
func (s State) Resident() bool {
	return s == StateWarm || s == StateServing || s == StateEvicting
}

// Framework tags the engine a model runs under.
type Framework string

const (
	FrameworkPyTorch Framework = "pytorch"
	FrameworkVLLM    Framework = "vllm"
	FrameworkSGLang  Framework = "sglang"
)

// BackendRef is the opaque handle the orchestrator passes to a backend
// adapter: where the weights live and which engine serves them.
type BackendRef struct {
	Path      string    `json:"path"`
	Framework Framework `json:"framework"`
}

// Metrics holds per-model performance counters. Rates are decayed EMAs so a
// burst fades instead of pinning the value forever.
type Metrics struct {
	LoadTimeS       float64 `json:"load_time_s"`
	WarmupTimeS     float64 `json:"warmup_time_s"`
	RequestsPerHour float64 `json:"requests_per_hour"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

// Instance is one registered model managed by the orchestrator.
type Instance struct {
	ID           string     `json:"id"`
	Ref          BackendRef `json:"ref"`
	State        State      `json:"state"`
	Priority     int        `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	MemoryGB     float64    `json:"memory_gb"`
	Metrics      Metrics    `json:"metrics"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// Clone returns a copy safe to hand outside the registry lock.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Tags != nil {
		c.Tags = append([]string(nil), i.Tags...)
	}
	return &c
}

// ScalingPolicy selects the idle/policy reconciler behavior.
type ScalingPolicy string

const (
	PolicyBillingOptimized ScalingPolicy = "billing_optimized"
	PolicyLatencyOptimized ScalingPolicy = "latency_optimized"
	PolicyHybrid           ScalingPolicy = "hybrid"
)

// Valid reports whether p is a recognized policy.
func (p ScalingPolicy) Valid() bool {
	switch p {
	case PolicyBillingOptimized, PolicyLatencyOptimized, PolicyHybrid:
		return true
	}
	return false
}

// InferRequest is the payload handed to a backend adapter.
type InferRequest struct {
	Prompt  string         `json:"prompt,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// InferResponse is what a backend adapter returns.
type InferResponse struct {
	Output string         `json:"output,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// RequestResult is returned by the orchestrator for a handled request.
type RequestResult struct {
	Response  InferResponse `json:"response"`
	LatencyMS float64       `json:"latency_ms"`
	WasWarm   bool          `json:"was_warm"`
}
