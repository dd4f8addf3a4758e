package cli

import (
	"fmt"

	"github.com/jguan/gpusched/pkg/infra/logger"
	"github.com/jguan/gpusched/pkg/unit/sched"
	"github.com/spf13/cobra"
)

func NewRegisterCommand(root *RootCommand) *cobra.Command {
	var (
		path      string
		framework string
		priority  int
		tags      []string
	)

	cmd := &cobra.Command{
		Use:   "register MODEL_ID",
		Short: "Register a model with the scheduler",
		Long: `Register a model so the scheduler can load it on demand. The
registration is persisted; a running daemon picks it up on restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(root, cmd, args[0], path, framework, priority, tags)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Model path or repository id (required)")
	cmd.Flags().StringVar(&framework, "framework", "vllm", "Serving framework (pytorch, vllm, sglang)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Eviction priority (higher survives longer)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags attached to the model")
	cmd.MarkFlagRequired("path")

	return cmd
}

func runRegister(root *RootCommand, cmd *cobra.Command, id, path, framework string, priority int, tags []string) error {
	cfg := root.Config()
	opts := root.OutputOptions()

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logger.Default()

	s, err := buildStack(cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if err := restoreModels(ctx, s, log); err != nil {
		return err
	}

	ref := sched.BackendRef{Path: path, Framework: sched.Framework(framework)}
	inst, err := s.orch.Register(id, ref, priority, tags)
	if err != nil {
		PrintError(err, opts)
		return err
	}

	PrintSuccess(fmt.Sprintf("Registered model %q (%s, priority %d)", inst.ID, inst.Ref.Framework, inst.Priority), opts)
	return nil
}
