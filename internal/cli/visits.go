package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVisitsCmd() *cobra.Command {
	var user, place string

	cmd := &cobra.Command{
		Use:   "visits",
		Short: "List visits of a user at a place",
		Long:  "Show all recorded visits for one user and place, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVisits(cmd, user, place)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&place, "place", "", "place ID (required)")

	return cmd
}

func runVisits(cmd *cobra.Command, user, place string) error {
	if user == "" || place == "" {
		return fmt.Errorf("--user and --place are required")
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}

	visits, err := c.ListVisits(commandContext(cmd), user, place)
	if err != nil {
		return err
	}

	if isJSON() {
		return printJSON(cmd.OutOrStdout(), visits)
	}
	return printVisitTable(cmd.OutOrStdout(), visits)
}
