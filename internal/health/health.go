// Package health reports (user, place, day) buckets with suspiciously many
// visits. It never modifies data.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evcraddock/visit-tracker/internal/visit"
)

// DefaultThreshold is the largest visit count per day that is not flagged.
const DefaultThreshold = 3

// flaggedDays is the number of days flagged by the most recent check.
var flaggedDays = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "visit_tracker",
	Subsystem: "health",
	Name:      "flagged_days",
	Help:      "Days with more visits per user and place than the health threshold",
})

// Options controls a health check.
type Options struct {
	Threshold int
	// Since limits the check to visits entered at or after it. Zero means all.
	Since    time.Time
	Location *time.Location
}

// FlaggedDay is a potential duplicate cluster.
type FlaggedDay struct {
	UserID   string   `json:"user_id"`
	PlaceID  string   `json:"place_id"`
	Day      string   `json:"day"`
	Count    int      `json:"count"`
	VisitIDs []string `json:"visit_ids"`
}

// Check returns every (user, place, day) with more than Threshold visits,
// ordered by user, place and day.
func Check(ctx context.Context, store *visit.Store, opts Options) ([]FlaggedDay, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	visits, err := store.ListSince(ctx, opts.Since)
	if err != nil {
		return nil, fmt.Errorf("checking visit health: %w", err)
	}

	type bucket struct {
		userID, placeID, day string
	}
	counts := make(map[bucket][]string)
	for _, v := range visits {
		b := bucket{v.UserID, v.PlaceID, visit.Day(v.EntryTime, opts.Location)}
		counts[b] = append(counts[b], v.ID)
	}

	flagged := []FlaggedDay{}
	for b, ids := range counts {
		if len(ids) <= opts.Threshold {
			continue
		}
		flagged = append(flagged, FlaggedDay{
			UserID:   b.userID,
			PlaceID:  b.placeID,
			Day:      b.day,
			Count:    len(ids),
			VisitIDs: ids,
		})
	}
	sort.Slice(flagged, func(i, j int) bool {
		a, b := flagged[i], flagged[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.PlaceID != b.PlaceID {
			return a.PlaceID < b.PlaceID
		}
		return a.Day < b.Day
	})

	flaggedDays.Set(float64(len(flagged)))
	return flagged, nil
}
