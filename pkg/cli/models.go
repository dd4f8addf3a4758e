package cli

import (
	"fmt"

	"github.com/jguan/gpusched/pkg/infra/logger"
	"github.com/spf13/cobra"
)

func NewModelsCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(root, cmd)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(root, cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show MODEL_ID",
		Short: "Show one model's scheduling detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsShow(root, cmd, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm MODEL_ID",
		Short: "Deregister a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsRemove(root, cmd, args[0])
		},
	})

	return cmd
}

func runModelsList(root *RootCommand, cmd *cobra.Command) error {
	s, err := openStack(root, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	models := s.orch.Models()
	if len(models) == 0 {
		PrintSuccess("No models registered", root.OutputOptions())
		return nil
	}
	return PrintOutput(models, root.OutputOptions())
}

func runModelsShow(root *RootCommand, cmd *cobra.Command, id string) error {
	s, err := openStack(root, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	detail, err := s.orch.ModelDetail(id)
	if err != nil {
		PrintError(err, root.OutputOptions())
		return err
	}
	return PrintOutput(detail, root.OutputOptions())
}

func runModelsRemove(root *RootCommand, cmd *cobra.Command, id string) error {
	s, err := openStack(root, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.orch.Deregister(cmd.Context(), id); err != nil {
		PrintError(err, root.OutputOptions())
		return err
	}
	PrintSuccess(fmt.Sprintf("Deregistered model %q", id), root.OutputOptions())
	return nil
}

// openStack builds a stack with restored models for read-mostly commands.
func openStack(root *RootCommand, cmd *cobra.Command) (*stack, error) {
	cfg := root.Config()

	logger.Init(logger.Config{Level: "warn", Format: cfg.Logging.Format})
	log := logger.Default()

	s, err := buildStack(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := restoreModels(cmd.Context(), s, log); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}
