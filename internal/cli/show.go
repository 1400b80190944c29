package cli

import (
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <visit-id>",
		Short: "Show visit details",
		Long:  "Show the full record of a visit, including notes and people.",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	v, err := c.GetVisit(commandContext(cmd), args[0])
	if err != nil {
		return err
	}

	if isJSON() {
		return printJSON(cmd.OutOrStdout(), v)
	}
	printVisit(cmd.OutOrStdout(), v)
	return nil
}
