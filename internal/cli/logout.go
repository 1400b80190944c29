package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/evcraddock/visit-tracker/internal/config"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored API key",
		Long:  "Removes the stored API key from the config file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd.OutOrStdout())
		},
	}
}

func runLogout(out io.Writer) error {
	loggedIn := false
	err := updateConfig(func(cfg *config.Config) {
		loggedIn = cfg.APIKey != ""
		cfg.APIKey = ""
	})
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	if !loggedIn {
		fmt.Fprintln(out, "Not logged in.")
		return nil
	}
	fmt.Fprintln(out, "✓ Logged out. API key removed.")
	return nil
}
