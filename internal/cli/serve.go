package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evcraddock/visit-tracker/internal/config"
	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/logging"
	"github.com/evcraddock/visit-tracker/internal/upsert"
	"github.com/evcraddock/visit-tracker/internal/web"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the HTTP API that records events and maintains visits. Abandoned open visits are closed periodically while it runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default: from config, 8080)")

	return cmd
}

func runServe(cmd *cobra.Command, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Setup(cfg.DevMode, os.Stderr)

	opts, err := serverOptions(cfg)
	if err != nil {
		return err
	}

	database, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer closeDB(database)

	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := web.NewServer(database, opts)
	return srv.ListenAndServe(ctx, port, cfg.Server.SweepInterval)
}

// serverOptions translates the config file into service options.
func serverOptions(cfg *config.Config) (web.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return web.Options{}, err
	}

	return web.Options{
		Upsert: upsert.Options{
			SmallGap:     cfg.Upsert.SmallGap,
			SessionGap:   cfg.Upsert.SessionGap,
			AbandonAfter: cfg.Upsert.AbandonAfter,
			MaxEventAge:  cfg.Upsert.MaxEventAge,
			MaxClockSkew: cfg.Upsert.MaxClockSkew,
			Location:     loc,
		},
		Dedupe: dedupe.Options{
			OverlapRatio: cfg.Dedupe.OverlapRatio,
			SmallGap:     cfg.Dedupe.SmallGap,
			RapidFire:    cfg.Dedupe.RapidFire,
			Workers:      cfg.Dedupe.Workers,
			Location:     loc,
			AbandonAfter: cfg.Upsert.AbandonAfter,
		},
		HealthThreshold: cfg.Health.MaxPerDay,
	}, nil
}

// commandContext returns cmd's context, or a background context for
// commands run outside Execute in tests.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
