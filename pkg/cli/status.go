package cli

import (
	"github.com/spf13/cobra"
)

func NewStatusCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long: `Show the memory budget, warm pool, and cost posture derived from
the persisted scheduler state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(root, cmd)
		},
	}

	return cmd
}

func runStatus(root *RootCommand, cmd *cobra.Command) error {
	s, err := openStack(root, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	return PrintOutput(s.orch.Status(), root.OutputOptions())
}
