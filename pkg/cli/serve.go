package cli

import (
	"fmt"

	"github.com/jguan/gpusched/pkg/config"
	"github.com/jguan/gpusched/pkg/infra/eventbus"
	"github.com/jguan/gpusched/pkg/infra/logger"
	"github.com/jguan/gpusched/pkg/unit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Long: `Run the scheduler in the foreground: restore registered models,
start the reconcilers, and serve until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(root, cmd)
		},
	}

	cmd.Flags().Int("gpu", 0, "GPU index to schedule (overrides config)")
	cmd.Flags().String("policy", "", "Scaling policy (overrides config)")
	cmd.Flags().String("backend", "", "Backend kind: fake, vllm, docker (overrides config)")

	return cmd
}

// applyFlagOverrides folds explicitly-set serve flags into the loaded config.
func applyFlagOverrides(cfg *config.Config, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "gpu":
			if v, err := flags.GetInt(f.Name); err == nil {
				cfg.General.GPUID = v
			}
		case "policy":
			if v, err := flags.GetString(f.Name); err == nil {
				cfg.Scheduler.Policy = v
			}
		case "backend":
			if v, err := flags.GetString(f.Name); err == nil {
				cfg.Backend.Kind = v
			}
		}
	})
}

func runServe(root *RootCommand, cmd *cobra.Command) error {
	cfg := root.Config()
	applyFlagOverrides(cfg, cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	log := logger.Default()

	s, err := buildStack(cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	// Mirror lifecycle transitions into the daemon log so an operator can
	// follow warm/evict/refuse decisions without a debugger attached.
	if _, err := s.bus.Subscribe(func(ev unit.Event) error {
		log.Info("lifecycle event", "type", ev.Type(), "payload", ev.Payload())
		return nil
	}, eventbus.FilterByDomain("sched")); err != nil {
		return err
	}

	ctx := cmd.Context()
	if s.reap != nil {
		if err := s.reap(ctx); err != nil {
			log.Warn("stale resource cleanup failed", "error", err)
		}
	}
	if err := restoreModels(ctx, s, log); err != nil {
		return err
	}

	if err := s.orch.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	log.Info("scheduler running",
		"gpu", cfg.General.GPUID,
		"total_memory_gb", cfg.Memory.TotalGB,
		"policy", cfg.Scheduler.Policy,
		"backend", cfg.Backend.Kind,
	)
	PrintSuccess(fmt.Sprintf("gpusched serving GPU %d (%.0f GB, %s policy)",
		cfg.General.GPUID, cfg.Memory.TotalGB, cfg.Scheduler.Policy), root.OutputOptions())

	<-ctx.Done()

	log.Info("shutting down")
	s.orch.Stop()
	return nil
}
