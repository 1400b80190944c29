package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/evcraddock/visit-tracker/internal/auth"
	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/health"
	"github.com/evcraddock/visit-tracker/internal/sanitize"
	"github.com/evcraddock/visit-tracker/internal/upsert"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

const timeLayout = "2006-01-02 15:04"

// printJSON marshals v as indented JSON and writes it to w.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints the outcome of a recorded event.
func printResult(w io.Writer, res *upsert.Result) {
	switch res.Action {
	case visit.Created:
		fmt.Fprintf(w, "Created visit %s\n", res.VisitID)
	default:
		fmt.Fprintf(w, "Merged into visit %s (%s)\n", res.VisitID, res.MergeReason.Label())
	}
	if len(res.Absorbed) > 0 {
		fmt.Fprintf(w, "  Absorbed: %s\n", strings.Join(res.Absorbed, ", "))
	}
}

// printVisit prints a single visit in text format.
func printVisit(w io.Writer, v *visit.Visit) {
	fmt.Fprintf(w, "Visit %s\n", v.ID)
	fmt.Fprintf(w, "  User:     %s\n", v.UserID)
	fmt.Fprintf(w, "  Place:    %s\n", v.PlaceID)
	fmt.Fprintf(w, "  Entry:    %s\n", v.EntryTime.Local().Format(timeLayout))
	fmt.Fprintf(w, "  Exit:     %s\n", formatExit(v.ExitTime))
	if v.ExitTime != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(v.ExitTime.Sub(v.EntryTime)))
	}
	if v.SessionID != "" {
		fmt.Fprintf(w, "  Session:  %s\n", v.SessionID)
	}
	if len(v.People) > 0 {
		fmt.Fprintf(w, "  People:   %s\n", strings.Join(v.People, ", "))
	}
	if v.Notes != "" {
		fmt.Fprintf(w, "  Notes:\n")
		for _, line := range strings.Split(v.Notes, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// printVisitTable prints a list of visits as a formatted table.
func printVisitTable(out io.Writer, visits []*visit.Visit) error {
	if len(visits) == 0 {
		fmt.Fprintln(out, "No visits recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "ID\tENTRY\tEXIT\tDURATION\tPEOPLE\tNOTES"); err != nil {
		return fmt.Errorf("writing table header: %w", err)
	}
	if _, err := fmt.Fprintln(w, "--\t-----\t----\t--------\t------\t-----"); err != nil {
		return fmt.Errorf("writing table separator: %w", err)
	}

	for _, v := range visits {
		duration := "-"
		if v.ExitTime != nil {
			duration = formatDuration(v.ExitTime.Sub(v.EntryTime))
		}
		notes := strings.ReplaceAll(v.Notes, "\n", " ")

		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			v.ID, v.EntryTime.Local().Format(timeLayout), formatExit(v.ExitTime),
			duration, len(v.People), truncate(notes, 40)); err != nil {
			return fmt.Errorf("writing table row: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing table: %w", err)
	}

	fmt.Fprintf(out, "\nTotal: %d visits\n", len(visits))
	return nil
}

// printSanitizeReport prints the repairs made by the sanitizer.
func printSanitizeReport(w io.Writer, r *sanitize.Report) {
	fmt.Fprintf(w, "Swapped:  %d\n", r.Swapped)
	fmt.Fprintf(w, "Reopened: %d\n", r.Reopened)
	for _, id := range r.ReopenedIDs {
		fmt.Fprintf(w, "  reopened %s\n", id)
	}
}

// printDedupeSummary prints a deduplication summary.
func printDedupeSummary(w io.Writer, s *dedupe.Summary) {
	if s.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was changed.")
	}
	fmt.Fprintf(w, "Pairs scanned:    %d\n", s.PairsScanned)
	fmt.Fprintf(w, "Groups merged:    %d\n", s.GroupsMerged)
	fmt.Fprintf(w, "Visits deleted:   %d\n", s.VisitsDeleted)
	fmt.Fprintf(w, "Notes preserved:  %d\n", s.NotesPreserved)
	fmt.Fprintf(w, "People preserved: %d\n", s.PeoplePreserved)
	if len(s.Errors) > 0 {
		fmt.Fprintf(w, "Errors:           %d\n", len(s.Errors))
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e.Error())
		}
	}
}

// printGuardStatus prints the overlap guard state.
func printGuardStatus(w io.Writer, s *visit.GuardStatus) {
	installed := "no"
	if s.Installed {
		installed = "yes"
	}
	fmt.Fprintf(w, "Installed: %s\n", installed)
	fmt.Fprintf(w, "Inverted:  %d\n", s.Corrupt)
	fmt.Fprintf(w, "Overlaps:  %d\n", len(s.Overlaps))
	for _, o := range s.Overlaps {
		fmt.Fprintf(w, "  %s/%s: %s overlaps %s\n", o.Pair.UserID, o.Pair.PlaceID, o.FirstID, o.SecondID)
	}
}

// printFlaggedDays prints the days flagged by a health check.
func printFlaggedDays(out io.Writer, days []health.FlaggedDay) error {
	if len(days) == 0 {
		fmt.Fprintln(out, "No suspicious days.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "USER\tPLACE\tDAY\tVISITS"); err != nil {
		return fmt.Errorf("writing table header: %w", err)
	}
	for _, d := range days {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.UserID, d.PlaceID, d.Day, d.Count); err != nil {
			return fmt.Errorf("writing table row: %w", err)
		}
	}
	return w.Flush()
}

// printSweepReport prints the visits closed as abandoned.
func printSweepReport(w io.Writer, r *upsert.SweepReport) {
	fmt.Fprintf(w, "Closed:  %d\n", len(r.Closed))
	fmt.Fprintf(w, "Skipped: %d\n", r.Skipped)
}

// printAPIKeys prints API keys without their secrets.
func printAPIKeys(out io.Writer, keys []auth.APIKey) error {
	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "ID\tNAME\tOWNER\tPREFIX\tCREATED\tLAST USED"); err != nil {
		return fmt.Errorf("writing table header: %w", err)
	}
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Local().Format(timeLayout)
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s…\t%s\t%s\n",
			k.ID, k.Name, k.Owner, k.KeyPrefix, k.CreatedAt.Local().Format(timeLayout), lastUsed); err != nil {
			return fmt.Errorf("writing table row: %w", err)
		}
	}
	return w.Flush()
}

// formatExit renders an exit time, or "open" for an ongoing visit.
func formatExit(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return t.Local().Format(timeLayout)
}

// formatDuration renders d as hours and minutes, e.g. "1h05m".
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + formatDuration(-d)
	}
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
