// Package sanitize repairs visits whose entry time is after their exit time.
package sanitize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evcraddock/visit-tracker/internal/visit"
)

// SwapLimit is the largest inversion, exclusive, that is repaired by
// swapping entry and exit. Larger inversions lose their exit time.
const SwapLimit = 24 * time.Hour

// Report lists the visits the sanitizer repaired.
type Report struct {
	Swapped     int      `json:"swapped"`
	Reopened    int      `json:"reopened"`
	SwappedIDs  []string `json:"swapped_ids"`
	ReopenedIDs []string `json:"reopened_ids"`
}

// Run repairs every inverted visit in one transaction. It must complete
// before the overlap guard is installed. Running it again is a no-op.
func Run(ctx context.Context, store *visit.Store) (*Report, error) {
	report := &Report{SwappedIDs: []string{}, ReopenedIDs: []string{}}

	err := store.WithTx(ctx, func(tx *visit.Tx) error {
		corrupt, err := tx.ListCorrupt(ctx)
		if err != nil {
			return err
		}
		for _, v := range corrupt {
			entry, exit := v.EntryTime, *v.ExitTime
			if entry.Sub(exit) < SwapLimit {
				v.EntryTime = exit
				v.SetExit(entry)
				report.SwappedIDs = append(report.SwappedIDs, v.ID)
			} else {
				v.SetExit(time.Time{})
				report.ReopenedIDs = append(report.ReopenedIDs, v.ID)
			}
			if v.LastEventAt.Before(v.EntryTime) {
				v.LastEventAt = v.EntryTime
			}
			if err := tx.Update(ctx, v); err != nil {
				return err
			}
			slog.Debug("sanitized visit", "visit_id", v.ID, "entry", entry, "exit", exit)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sanitizing visits: %w", err)
	}

	report.Swapped = len(report.SwappedIDs)
	report.Reopened = len(report.ReopenedIDs)
	if report.Swapped > 0 || report.Reopened > 0 {
		slog.Info("sanitized inverted visits", "swapped", report.Swapped, "reopened", report.Reopened)
	}
	return report, nil
}
