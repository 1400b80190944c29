package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evcraddock/visit-tracker/internal/visit"
)

type eventFlags struct {
	user    string
	place   string
	session string
	at      string
	exit    bool
}

func newEventCmd() *cobra.Command {
	var f eventFlags

	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record an entry or exit event",
		Long:  "Send a geofence entry (default) or exit event to the server. The server merges it into an existing visit or creates a new one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvent(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&f.place, "place", "", "place ID (required)")
	cmd.Flags().StringVar(&f.session, "session", "", "geofence session ID")
	cmd.Flags().StringVar(&f.at, "at", "", "event time, RFC 3339 or \"2006-01-02 15:04\" local (default: now)")
	cmd.Flags().BoolVar(&f.exit, "exit", false, "record an exit instead of an entry")

	return cmd
}

func runEvent(cmd *cobra.Command, f eventFlags) error {
	if strings.TrimSpace(f.user) == "" || strings.TrimSpace(f.place) == "" {
		return fmt.Errorf("--user and --place are required")
	}

	at := time.Now()
	if f.at != "" {
		var err error
		at, err = parseTime(f.at)
		if err != nil {
			return err
		}
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}

	res, err := c.RecordEvent(commandContext(cmd), visit.Event{
		UserID:    f.user,
		PlaceID:   f.place,
		SessionID: f.session,
		EventTime: at,
		IsEntry:   !f.exit,
	})
	if err != nil {
		return err
	}

	if isJSON() {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

// parseTime accepts RFC 3339 or a local "2006-01-02 15:04" time.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or %q", s, timeLayout)
	}
	return t, nil
}
