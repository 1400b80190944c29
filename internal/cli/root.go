// Package cli defines the cobra command tree for vt.
package cli

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evcraddock/visit-tracker/internal/client"
	"github.com/evcraddock/visit-tracker/internal/config"
	"github.com/evcraddock/visit-tracker/internal/db"
)

var (
	flagFormat string
	flagDB     string
	flagConfig string
)

// NewRootCmd creates the root cobra command with global flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vt",
		Short:         "Track place visits from presence events",
		Long:          "A tool that turns geofence entry and exit events into visits, keeps visits of the same user and place from overlapping, and repairs duplicate or inverted visits.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format (text|json)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (default: ~/.config/vt/visits.db)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ~/.config/vt/config.yaml)")

	root.AddCommand(
		newEventCmd(),
		newVisitsCmd(),
		newShowCmd(),
		newAnnotateCmd(),
		newSanitizeCmd(),
		newDedupeCmd(),
		newGuardCmd(),
		newHealthCmd(),
		newCloseAbandonedCmd(),
		newRepairCmd(),
		newKeysCmd(),
		newServeCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	return root
}

// openDB opens the SQLite database using the --db flag, the configured
// path, or the default path. Used by commands that work on the database
// directly instead of through the API.
func openDB(cfg *config.Config) (*sql.DB, error) {
	path := flagDB
	if path == "" {
		path = cfg.DBPath
	}
	if path == "" {
		var err error
		path, err = db.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return db.Open(path)
}

// newAPIClient creates an HTTP client for the visit tracker API.
func newAPIClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.ServerURL, cfg.APIKey), nil
}

// isJSON returns true if the --format flag is set to json.
func isJSON() bool {
	return flagFormat == "json"
}

// closeDB closes the database, logging any error to stderr.
func closeDB(database *sql.DB) {
	if err := database.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing database: %v\n", err)
	}
}
