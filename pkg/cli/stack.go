package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jguan/gpusched/pkg/backend"
	"github.com/jguan/gpusched/pkg/backend/dockerengine"
	"github.com/jguan/gpusched/pkg/backend/vllm"
	"github.com/jguan/gpusched/pkg/config"
	"github.com/jguan/gpusched/pkg/costscaler"
	"github.com/jguan/gpusched/pkg/infra/docker"
	"github.com/jguan/gpusched/pkg/infra/eventbus"
	"github.com/jguan/gpusched/pkg/infra/gpu"
	"github.com/jguan/gpusched/pkg/infra/store"
	"github.com/jguan/gpusched/pkg/scheduler"
	"github.com/jguan/gpusched/pkg/unit/sched"
	"github.com/jguan/gpusched/pkg/warmpool"
)

// stack is a fully wired scheduler plus the resources it owns.
type stack struct {
	orch *scheduler.Orchestrator
	sink store.Sink
	bus  *eventbus.InMemoryEventBus
	// reap removes leftovers from a previous run. Set only for backends
	// that hold external resources; the daemon calls it once at startup.
	reap func(context.Context) error
}

// close releases the stack's resources. It does not stop the orchestrator;
// callers that called Start must call Stop first.
func (s *stack) close() {
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.sink != nil {
		_ = s.sink.Close()
	}
}

// buildStack wires backends, warm pool, cost scaler, probe, sink, and bus
// into an orchestrator from the loaded configuration.
func buildStack(cfg *config.Config, log *slog.Logger) (*stack, error) {
	backends, reap, err := buildBackends(cfg, log)
	if err != nil {
		return nil, err
	}

	pool := warmpool.NewManager(warmpool.Config{
		MaxWarmModels:           cfg.WarmPool.MaxWarmModels,
		MinWarmModels:           cfg.WarmPool.MinWarmModels,
		WarmThresholdRPH:        cfg.WarmPool.WarmThresholdRPH,
		PeakHours:               cfg.WarmPool.PeakHours,
		Strategy:                warmpool.Strategy(cfg.WarmPool.Strategy),
		EnablePredictiveWarming: cfg.WarmPool.EnablePredictiveWarming,
	}, warmpool.NewLedger(), log)

	scaler := costscaler.NewScaler(costscaler.Config{
		HourlyBudgetUSD:         cfg.Cost.HourlyBudgetUSD,
		CostPerGBHourUSD:        cfg.Cost.CostPerGBHourUSD,
		ColdStartPenaltyUSD:     cfg.Cost.ColdStartPenaltyUSD,
		PenaltyGrace:            cfg.Cost.PenaltyGraceD,
		PeakHourMultiplier:      cfg.Cost.PeakHourMultiplier,
		PeakHours:               cfg.Cost.PeakHours,
		Strategy:                costscaler.Strategy(cfg.Cost.Strategy),
		EnableCostPrediction:    cfg.Cost.EnableCostPrediction,
		CostThresholdForWarming: cfg.Cost.CostThresholdForWarming,
	}, costscaler.NewLedger(), pool, log)

	var sink store.Sink
	if cfg.Metrics.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Metrics.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		sqlSink, err := store.NewSQLiteSink(cfg.Metrics.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open metrics database: %w", err)
		}
		sink = sqlSink
	}

	var probe gpu.Probe = gpu.NopProbe{}
	switch smi := gpu.NewSMIProbe(); {
	case smi.Available():
		probe = smi
	case cfg.Backend.Kind != "fake":
		// Real backends hold weights in host memory when no accelerator is
		// present. The fake backend allocates nothing, so derived accounting
		// stays authoritative there.
		probe = gpu.NewHostProbe()
		log.Warn("nvidia-smi not found, tracking host memory instead")
	default:
		log.Warn("nvidia-smi not found, memory usage is derived from model footprints")
	}

	bus := eventbus.NewInMemoryEventBus()

	orch := scheduler.New(scheduler.Config{
		GPUID:              cfg.General.GPUID,
		TotalMemoryGB:      cfg.Memory.TotalGB,
		ThresholdFraction:  cfg.Memory.ThresholdFraction,
		Policy:             sched.ScalingPolicy(cfg.Scheduler.Policy),
		IdleEviction:       time.Duration(cfg.Scheduler.IdleEvictionMinutes) * time.Minute,
		LatencyTopN:        cfg.Scheduler.LatencyTopN,
		HybridIdle:         time.Duration(cfg.Scheduler.HybridIdleMinutes) * time.Minute,
		HybridTrafficFloor: cfg.Scheduler.HybridTrafficFloor,
		ColdStartTimeout:   cfg.Scheduler.ColdStartTimeoutD,
		MaxWarmModels:      cfg.WarmPool.MaxWarmModels,
		MinWarmModels:      cfg.WarmPool.MinWarmModels,

		MemoryMonitorInterval: 10 * time.Second,
		WarmingInterval:       30 * time.Second,
		PolicyInterval:        60 * time.Second,
		PersistInterval:       cfg.Metrics.PersistIntervalD,
	}, scheduler.Deps{
		Backends:   backends,
		WarmPool:   pool,
		CostScaler: scaler,
		Bus:        bus,
		Probe:      probe,
		Sink:       sink,
		Log:        log,
	})

	return &stack{orch: orch, sink: sink, bus: bus, reap: reap}, nil
}

func buildBackends(cfg *config.Config, log *slog.Logger) (*backend.Registry, func(context.Context) error, error) {
	reg := backend.NewRegistry()

	switch cfg.Backend.Kind {
	case "fake":
		fake := backend.NewFake()
		for _, fw := range []sched.Framework{sched.FrameworkPyTorch, sched.FrameworkVLLM, sched.FrameworkSGLang} {
			reg.Register(fw, fake)
		}
	case "vllm":
		vcfg := vllm.DefaultConfig()
		if cfg.Backend.VLLMBinary != "" {
			vcfg.Binary = cfg.Backend.VLLMBinary
		}
		if cfg.Backend.BasePort != 0 {
			vcfg.BasePort = cfg.Backend.BasePort
		}
		vcfg.GPUID = cfg.General.GPUID
		reg.Register(sched.FrameworkVLLM, vllm.New(vcfg, log))
	case "docker":
		var cli docker.Client
		sdk, err := docker.NewSDKClient()
		if err != nil {
			if cliErr := docker.CheckDocker(); cliErr != nil {
				return nil, nil, fmt.Errorf("connect to docker: %w", err)
			}
			log.Warn("docker SDK unavailable, falling back to the docker CLI", "error", err)
			cli = docker.NewSimpleClient()
		} else {
			cli = sdk
		}
		dcfg := dockerengine.DefaultConfig()
		if cfg.Backend.BasePort != 0 {
			dcfg.BasePort = cfg.Backend.BasePort
		}
		eng := dockerengine.New(dcfg, cli, log)
		for _, fw := range []sched.Framework{sched.FrameworkPyTorch, sched.FrameworkVLLM, sched.FrameworkSGLang} {
			reg.Register(fw, eng)
		}
		return reg, eng.Reap, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}

	return reg, nil, nil
}

// restoreModels re-registers every persisted model with the orchestrator.
func restoreModels(ctx context.Context, s *stack, log *slog.Logger) error {
	if s.sink == nil {
		return nil
	}
	recs, err := s.sink.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list persisted models: %w", err)
	}
	for _, rec := range recs {
		ref := sched.BackendRef{Path: rec.Path, Framework: rec.Framework}
		if _, err := s.orch.Register(rec.ID, ref, rec.Priority, rec.Tags); err != nil {
			log.Warn("model restore failed", "model", rec.ID, "error", err)
		}
	}
	return nil
}
