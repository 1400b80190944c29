package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAnnotateCmd() *cobra.Command {
	var (
		notes  string
		people []string
	)

	cmd := &cobra.Command{
		Use:   "annotate <visit-id>",
		Short: "Set notes or add people on a visit",
		Long:  "Replace a visit's notes and/or add people to it. The visit's time range is never changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var notesArg *string
			if cmd.Flags().Changed("notes") {
				notesArg = &notes
			}
			return runAnnotate(cmd, args[0], notesArg, people)
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "replace the visit's notes")
	cmd.Flags().StringSliceVar(&people, "person", nil, "person ID to add (repeatable)")

	return cmd
}

func runAnnotate(cmd *cobra.Command, id string, notes *string, people []string) error {
	if notes == nil && len(people) == 0 {
		return fmt.Errorf("nothing to change: pass --notes or --person")
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}

	v, err := c.AnnotateVisit(commandContext(cmd), id, notes, people)
	if err != nil {
		return err
	}

	if isJSON() {
		return printJSON(cmd.OutOrStdout(), v)
	}
	printVisit(cmd.OutOrStdout(), v)
	return nil
}
