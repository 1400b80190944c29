package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/health"
	"github.com/evcraddock/visit-tracker/internal/keylock"
	"github.com/evcraddock/visit-tracker/internal/sanitize"
	"github.com/evcraddock/visit-tracker/internal/upsert"
	"github.com/evcraddock/visit-tracker/internal/visit"
	"github.com/evcraddock/visit-tracker/internal/web"
)

// maintainer runs the visit maintenance jobs, either through the API or
// directly against the database.
type maintainer interface {
	Sanitize(ctx context.Context) (*sanitize.Report, error)
	Dedupe(ctx context.Context, dryRun bool) (*dedupe.Summary, error)
	GuardStatus(ctx context.Context) (*visit.GuardStatus, error)
	InstallGuard(ctx context.Context) (*visit.GuardStatus, error)
	HealthCheck(ctx context.Context, threshold int, since time.Time) ([]health.FlaggedDay, error)
	CloseAbandoned(ctx context.Context) (*upsert.SweepReport, error)
}

// localMaintainer works on the database directly. It must not run while a
// server writes to the same database: the pair locks are per process.
type localMaintainer struct {
	store  *visit.Store
	locks  *keylock.Map
	upsert *upsert.Service
	opts   web.Options
}

func (m *localMaintainer) Sanitize(ctx context.Context) (*sanitize.Report, error) {
	return sanitize.Run(ctx, m.store)
}

func (m *localMaintainer) Dedupe(ctx context.Context, dryRun bool) (*dedupe.Summary, error) {
	opts := m.opts.Dedupe
	opts.DryRun = dryRun
	return dedupe.NewService(m.store, m.locks, opts).Run(ctx)
}

func (m *localMaintainer) GuardStatus(ctx context.Context) (*visit.GuardStatus, error) {
	return m.store.Status(ctx)
}

func (m *localMaintainer) InstallGuard(ctx context.Context) (*visit.GuardStatus, error) {
	if err := m.store.InstallGuard(ctx); err != nil {
		return nil, err
	}
	return m.store.Status(ctx)
}

func (m *localMaintainer) HealthCheck(ctx context.Context, threshold int, since time.Time) ([]health.FlaggedDay, error) {
	if threshold <= 0 {
		threshold = m.opts.HealthThreshold
	}
	return health.Check(ctx, m.store, health.Options{
		Threshold: threshold,
		Since:     since,
		Location:  m.opts.Dedupe.Location,
	})
}

func (m *localMaintainer) CloseAbandoned(ctx context.Context) (*upsert.SweepReport, error) {
	return m.upsert.CloseAbandoned(ctx)
}

// openMaintainer returns the maintainer selected by --local and a func
// releasing it.
func openMaintainer(local bool) (maintainer, func(), error) {
	if !local {
		c, err := newAPIClient()
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	opts, err := serverOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	store := visit.NewStore(database)
	locks := keylock.New()
	m := &localMaintainer{
		store:  store,
		locks:  locks,
		upsert: upsert.NewService(store, locks, opts.Upsert),
		opts:   opts,
	}
	return m, func() { closeDB(database) }, nil
}

func addLocalFlag(cmd *cobra.Command, local *bool) {
	cmd.Flags().BoolVar(local, "local", false, "work on the database directly instead of through the server (server must be stopped)")
}

func newSanitizeCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Repair visits whose entry is after their exit",
		Long:  "Swap inverted visit ranges shorter than 24 hours and reopen longer ones for manual review.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMaintainer(local)
			if err != nil {
				return err
			}
			defer done()

			report, err := m.Sanitize(commandContext(cmd))
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printSanitizeReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	addLocalFlag(cmd, &local)
	return cmd
}

func newDedupeCmd() *cobra.Command {
	var local, dryRun bool

	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Consolidate duplicate visits",
		Long:  "Find visits of the same user and place that describe one stay and merge each group into a single visit, keeping all notes and people.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMaintainer(local)
			if err != nil {
				return err
			}
			defer done()

			summary, err := m.Dedupe(commandContext(cmd), dryRun)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			printDedupeSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be merged without changing anything")
	addLocalFlag(cmd, &local)
	return cmd
}

func newGuardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Manage the storage-level overlap guard",
		Args:  cobra.NoArgs,
	}

	var statusLocal bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the guard is installed and what blocks it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMaintainer(statusLocal)
			if err != nil {
				return err
			}
			defer done()

			s, err := m.GuardStatus(commandContext(cmd))
			if err != nil {
				return err
			}
			return printGuard(cmd, s)
		},
	}
	addLocalFlag(status, &statusLocal)

	var installLocal bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Install the guard",
		Long:  "Install the guard that rejects overlapping visits. Fails while inverted or overlapping visits remain; run sanitize and dedupe first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMaintainer(installLocal)
			if err != nil {
				return err
			}
			defer done()

			s, err := m.InstallGuard(commandContext(cmd))
			if err != nil {
				return err
			}
			return printGuard(cmd, s)
		},
	}
	addLocalFlag(install, &installLocal)

	cmd.AddCommand(status, install)
	return cmd
}

func printGuard(cmd *cobra.Command, s *visit.GuardStatus) error {
	if isJSON() {
		return printJSON(cmd.OutOrStdout(), s)
	}
	printGuardStatus(cmd.OutOrStdout(), s)
	return nil
}

func newHealthCmd() *cobra.Command {
	var (
		local     bool
		threshold int
		since     string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "List days with suspiciously many visits",
		Long:  "Report every user, place and day with more visits than the threshold. These are likely duplicates.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sinceTime time.Time
			if since != "" {
				var err error
				sinceTime, err = parseTime(since)
				if err != nil {
					return err
				}
			}

			m, done, err := openMaintainer(local)
			if err != nil {
				return err
			}
			defer done()

			days, err := m.HealthCheck(commandContext(cmd), threshold, sinceTime)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), days)
			}
			return printFlaggedDays(cmd.OutOrStdout(), days)
		},
	}

	cmd.Flags().IntVar(&threshold, "threshold", 0, "flag days with more visits than this (default: from config, 3)")
	cmd.Flags().StringVar(&since, "since", "", "only check visits entered at or after this time")
	addLocalFlag(cmd, &local)
	return cmd
}

func newCloseAbandonedCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "close-abandoned",
		Short: "Close open visits that stopped receiving events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMaintainer(local)
			if err != nil {
				return err
			}
			defer done()

			report, err := m.CloseAbandoned(commandContext(cmd))
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printSweepReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	addLocalFlag(cmd, &local)
	return cmd
}

// repairResult is the JSON output of the repair command.
type repairResult struct {
	Sanitize  *sanitize.Report    `json:"sanitize"`
	Abandoned *upsert.SweepReport `json:"abandoned"`
	Dedupe    *dedupe.Summary     `json:"dedupe"`
	Guard     *visit.GuardStatus  `json:"guard"`
}

func newRepairCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Sanitize, deduplicate and install the overlap guard",
		Long:  "Run the full repair: swap or reopen inverted visits, close abandoned open visits, consolidate duplicates, then install the overlap guard.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := openMaintainer(local)
			if err != nil {
				return err
			}
			defer done()

			res, err := runRepair(commandContext(cmd), m)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Sanitize")
			printSanitizeReport(out, res.Sanitize)
			fmt.Fprintln(out, "\nAbandoned")
			printSweepReport(out, res.Abandoned)
			fmt.Fprintln(out, "\nDedupe")
			printDedupeSummary(out, res.Dedupe)
			fmt.Fprintln(out, "\nGuard")
			printGuardStatus(out, res.Guard)
			return nil
		},
	}

	addLocalFlag(cmd, &local)
	return cmd
}

// runRepair stops at the first failing step. Visits the sanitizer reopens
// carry their old last event, so they are closed as abandoned before
// dedupe sees them. A dedupe run that leaves groups unmerged still
// proceeds; installing the guard then reports the remaining overlaps.
func runRepair(ctx context.Context, m maintainer) (*repairResult, error) {
	var res repairResult
	var err error

	if res.Sanitize, err = m.Sanitize(ctx); err != nil {
		return nil, fmt.Errorf("sanitizing: %w", err)
	}
	if res.Abandoned, err = m.CloseAbandoned(ctx); err != nil {
		return nil, fmt.Errorf("closing abandoned visits: %w", err)
	}
	if res.Dedupe, err = m.Dedupe(ctx, false); err != nil {
		return nil, fmt.Errorf("deduplicating: %w", err)
	}
	if res.Guard, err = m.InstallGuard(ctx); err != nil {
		return nil, fmt.Errorf("installing guard: %w", err)
	}
	return &res, nil
}
