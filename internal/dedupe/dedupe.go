// Package dedupe consolidates visits that record the same logical stay.
//
// Run walks every (user, place), groups duplicates by transitive closure
// over the detection rules, and folds each group into one survivor that
// keeps every note and person of the group. Running it again finds nothing
// to do.
package dedupe

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/evcraddock/visit-tracker/internal/keylock"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

// Options tunes duplicate detection.
type Options struct {
	// OverlapRatio is the share of the shorter visit that must intersect
	// the other visit.
	OverlapRatio float64
	// SmallGap is the largest gap, exclusive, between one visit's exit and
	// the next visit's entry on the same calendar day.
	SmallGap time.Duration
	// RapidFire is the largest distance, inclusive, between two entries.
	RapidFire time.Duration
	// Workers bounds how many pairs are processed at once.
	Workers int
	// Location defines calendar days.
	Location *time.Location
	// AbandonAfter matches the upsert policy: an open visit idle this long
	// is treated as ended at its last event. Zero treats every open visit
	// as running until now.
	AbandonAfter time.Duration
	// DryRun reports what would be consolidated without writing.
	DryRun bool
}

// DefaultOptions returns the standard detection thresholds.
func DefaultOptions() Options {
	return Options{
		OverlapRatio: 0.8,
		SmallGap:     5 * time.Minute,
		RapidFire:    30 * time.Second,
		Workers:      4,
		Location:     time.UTC,
		AbandonAfter: 12 * time.Hour,
	}
}

// GroupError records a group, or a whole pair, that was left untouched.
type GroupError struct {
	UserID   string   `json:"user_id"`
	PlaceID  string   `json:"place_id"`
	VisitIDs []string `json:"visit_ids,omitempty"`
	// Reason is Err's message, kept for JSON clients.
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e GroupError) Error() string {
	reason := e.Reason
	if e.Err != nil {
		reason = e.Err.Error()
	}
	if len(e.VisitIDs) == 0 {
		return fmt.Sprintf("user %s place %s: %s", e.UserID, e.PlaceID, reason)
	}
	return fmt.Sprintf("user %s place %s visits %s: %s", e.UserID, e.PlaceID, strings.Join(e.VisitIDs, ","), reason)
}

func (e GroupError) Unwrap() error {
	return e.Err
}

// Summary is the operator-auditable result of a run.
type Summary struct {
	PairsScanned    int          `json:"pairs_scanned"`
	GroupsMerged    int          `json:"groups_merged"`
	VisitsDeleted   int          `json:"visits_deleted"`
	NotesPreserved  int          `json:"notes_preserved"`
	PeoplePreserved int          `json:"people_preserved"`
	Errors          []GroupError `json:"errors"`
	DryRun          bool         `json:"dry_run,omitempty"`
}

// Service runs deduplication against a visit store.
type Service struct {
	store *visit.Store
	locks *keylock.Map
	opts  Options
}

// NewService creates a deduplication service. The lock map must be the one
// the upsert path uses so a pair is never consolidated mid-merge.
func NewService(store *visit.Store, locks *keylock.Map, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Service{store: store, locks: locks, opts: opts}
}

// Run deduplicates every (user, place). Failures of individual groups are
// reported in the summary; Run only returns an error when the pairs cannot
// be listed or ctx is cancelled.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "dedupe.Run", trace.WithAttributes(
		attribute.Bool("dedupe.dry_run", s.opts.DryRun),
	))
	defer span.End()

	pairs, err := s.store.Pairs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing pairs")
		return nil, fmt.Errorf("listing pairs: %w", err)
	}

	summary := &Summary{PairsScanned: len(pairs), Errors: []GroupError{}, DryRun: s.opts.DryRun}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, pair := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result := s.runPair(gctx, pair)
			mu.Lock()
			summary.add(result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return summary, fmt.Errorf("deduplicating visits: %w", err)
	}

	slices.SortFunc(summary.Errors, func(a, b GroupError) int {
		return cmp.Or(cmp.Compare(a.UserID, b.UserID), cmp.Compare(a.PlaceID, b.PlaceID))
	})

	span.SetAttributes(
		attribute.Int("dedupe.pairs_scanned", summary.PairsScanned),
		attribute.Int("dedupe.groups_merged", summary.GroupsMerged),
		attribute.Int("dedupe.visits_deleted", summary.VisitsDeleted),
		attribute.Int("dedupe.errors", len(summary.Errors)),
	)
	slog.Info("deduplication finished",
		"pairs", summary.PairsScanned,
		"groups", summary.GroupsMerged,
		"deleted", summary.VisitsDeleted,
		"notes_preserved", summary.NotesPreserved,
		"people_preserved", summary.PeoplePreserved,
		"errors", len(summary.Errors),
		"dry_run", s.opts.DryRun,
	)
	return summary, nil
}

func (sum *Summary) add(r pairResult) {
	sum.GroupsMerged += r.groups
	sum.VisitsDeleted += r.deleted
	sum.NotesPreserved += r.notes
	sum.PeoplePreserved += r.people
	sum.Errors = append(sum.Errors, r.errs...)
}

type pairResult struct {
	groups  int
	deleted int
	notes   int
	people  int
	errs    []GroupError
}

// runPair consolidates the duplicate groups of one (user, place) while
// holding its lock.
func (s *Service) runPair(ctx context.Context, pair visit.Pair) pairResult {
	var res pairResult
	fail := func(ids []string, err error) {
		groupErrors.WithLabelValues(visit.ErrorKind(err)).Inc()
		slog.Warn("dedupe group failed", "user_id", pair.UserID, "place_id", pair.PlaceID, "visits", ids, "err", err)
		res.errs = append(res.errs, GroupError{UserID: pair.UserID, PlaceID: pair.PlaceID, VisitIDs: ids, Reason: err.Error(), Err: err})
	}

	if !s.locks.TryLock(pair.Key()) {
		fail(nil, fmt.Errorf("%w: user %s place %s", visit.ErrLockContention, pair.UserID, pair.PlaceID))
		return res
	}
	defer s.locks.Unlock(pair.Key())

	visits, err := s.store.List(ctx, pair)
	if err != nil {
		fail(nil, err)
		return res
	}
	for _, v := range visits {
		if v.IsCorrupt() {
			fail([]string{v.ID}, fmt.Errorf("%w: visit %s exits at %s before entering at %s",
				visit.ErrCorruptRange, v.ID, v.ExitTime.Format(time.RFC3339), v.EntryTime.Format(time.RFC3339)))
		}
	}
	read := snapshot(visits)

	for _, group := range Groups(visits, s.store.Now(), s.opts) {
		ids := visitIDs(group)
		survivor, removed := consolidate(group)
		if !s.opts.DryRun {
			if err := s.write(ctx, survivor, removed, read); err != nil {
				fail(ids, err)
				continue
			}
			groupsMerged.Inc()
			visitsDeleted.Add(float64(len(removed)))
		}
		res.groups++
		res.deleted += len(removed)
		res.notes += countNotes(removed)
		res.people += countPeople(removed)
		slog.Debug("consolidated duplicate visits", "survivor", survivor.ID, "visits", ids)
	}
	return res
}

// write applies one group's consolidation in its own transaction.
// Non-survivors go first so the widened survivor never overlaps them.
// The group is abandoned if any member changed since read was taken.
func (s *Service) write(ctx context.Context, survivor *visit.Visit, removed []*visit.Visit, read map[string]visit.Visit) error {
	return s.store.WithTx(ctx, func(tx *visit.Tx) error {
		for _, v := range append([]*visit.Visit{survivor}, removed...) {
			cur, err := tx.Get(ctx, v.ID)
			if err != nil {
				return err
			}
			if changed(cur, read[v.ID]) {
				return fmt.Errorf("%w: visit %s changed during deduplication", visit.ErrLockContention, v.ID)
			}
		}
		for _, v := range removed {
			if err := tx.Delete(ctx, v.ID); err != nil {
				return err
			}
		}
		if err := tx.Update(ctx, survivor); err != nil {
			return err
		}
		return tx.AddPeople(ctx, survivor.ID, survivor.People)
	})
}

// snapshot copies the visits as read, keyed by id.
func snapshot(visits []*visit.Visit) map[string]visit.Visit {
	out := make(map[string]visit.Visit, len(visits))
	for _, v := range visits {
		out[v.ID] = *v
	}
	return out
}

func changed(cur *visit.Visit, was visit.Visit) bool {
	return !cur.UpdatedAt.Equal(was.UpdatedAt) ||
		cur.Notes != was.Notes ||
		!slices.Equal(cur.People, was.People)
}

// Groups returns the duplicate groups among the visits of a single pair,
// each with at least two members ordered chronologically. Visits left
// unmatched are omitted.
//
// Corrupt visits (exit before entry) never match anything. An abandoned
// open visit takes part as a copy closed at its last event, so its
// consolidation persists that close.
func Groups(visits []*visit.Visit, now time.Time, opts Options) [][]*visit.Visit {
	sorted := make([]*visit.Visit, 0, len(visits))
	for _, v := range visits {
		switch {
		case v.IsCorrupt():
			continue
		case v.IsAbandoned(now, opts.AbandonAfter):
			closed := *v
			closed.SetExit(v.AbandonedExit())
			sorted = append(sorted, &closed)
		default:
			sorted = append(sorted, v)
		}
	}
	slices.SortFunc(sorted, chronological)

	uf := newUnionFind(len(sorted))
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if Duplicates(sorted[i], sorted[j], now, opts) {
				uf.union(i, j)
			}
		}
	}

	components := uf.groups()
	components = closeSpans(sorted, components, now)

	var out [][]*visit.Visit
	for _, c := range components {
		if len(c) < 2 {
			continue
		}
		group := make([]*visit.Visit, 0, len(c))
		for _, i := range c {
			group = append(group, sorted[i])
		}
		slices.SortFunc(group, chronological)
		out = append(out, group)
	}
	return out
}

// Duplicates reports whether two visits of the same pair record the same
// stay: significant overlap, a small same-day gap, a shared session id, or
// entries within the rapid-fire window.
func Duplicates(a, b *visit.Visit, now time.Time, opts Options) bool {
	if b.EntryTime.Before(a.EntryTime) {
		a, b = b, a
	}
	return significantOverlap(a, b, now, opts.OverlapRatio) ||
		smallGap(a, b, now, opts) ||
		(a.SessionID != "" && a.SessionID == b.SessionID) ||
		b.EntryTime.Sub(a.EntryTime) <= opts.RapidFire
}

func significantOverlap(a, b *visit.Visit, now time.Time, ratio float64) bool {
	da, db := a.Duration(now), b.Duration(now)
	shorter, other := a, b
	if db < da {
		shorter, other = b, a
	}
	if shorter.Duration(now) == 0 {
		return visit.Contains(other, shorter.EntryTime, now)
	}
	need := time.Duration(float64(shorter.Duration(now)) * ratio)
	return visit.Intersection(a, b, now) >= need
}

// smallGap expects a to start no later than b.
func smallGap(a, b *visit.Visit, now time.Time, opts Options) bool {
	end := a.End(now)
	return b.EntryTime.Sub(end) < opts.SmallGap && visit.SameDay(end, b.EntryTime, opts.Location)
}

// closeSpans merges components whose consolidated spans would overlap, so
// consolidation never creates an overlap between survivors.
func closeSpans(visits []*visit.Visit, components [][]int, now time.Time) [][]int {
	type span struct {
		start, end time.Time
		members    []int
	}
	spans := make([]span, 0, len(components))
	for _, c := range components {
		sp := span{start: visits[c[0]].EntryTime, end: visits[c[0]].End(now), members: c}
		for _, i := range c[1:] {
			if e := visits[i].EntryTime; e.Before(sp.start) {
				sp.start = e
			}
			if e := visits[i].End(now); e.After(sp.end) {
				sp.end = e
			}
		}
		spans = append(spans, sp)
	}
	slices.SortStableFunc(spans, func(a, b span) int { return a.start.Compare(b.start) })

	var out [][]int
	for i := 0; i < len(spans); {
		cur := spans[i]
		members := slices.Clone(cur.members)
		j := i + 1
		for ; j < len(spans) && spans[j].start.Before(cur.end); j++ {
			members = append(members, spans[j].members...)
			if spans[j].end.After(cur.end) {
				cur.end = spans[j].end
			}
		}
		out = append(out, members)
		i = j
	}
	return out
}

// consolidate picks the survivor of a chronologically ordered group and
// folds the rest into it. Notes stay in chronological order.
func consolidate(group []*visit.Visit) (*visit.Visit, []*visit.Visit) {
	survivor := slices.MinFunc(group, survivorOrder)

	notes := make([]string, 0, len(group))
	for _, v := range group {
		notes = append(notes, v.Notes)
	}

	var removed []*visit.Visit
	for _, v := range group {
		if v == survivor {
			continue
		}
		removed = append(removed, v)
		survivor.Absorb(v)
	}
	survivor.Notes = visit.JoinNotes(notes...)
	return survivor, removed
}

// survivorOrder ranks visits with notes first, then longer, then older.
// Durations of open visits compare as unbounded.
func survivorOrder(a, b *visit.Visit) int {
	aNotes := strings.TrimSpace(a.Notes) != ""
	bNotes := strings.TrimSpace(b.Notes) != ""
	if aNotes != bNotes {
		if aNotes {
			return -1
		}
		return 1
	}
	if c := compareDuration(a, b); c != 0 {
		return -c
	}
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
}

func compareDuration(a, b *visit.Visit) int {
	switch {
	case a.IsOpen() && b.IsOpen():
		return 0
	case a.IsOpen():
		return 1
	case b.IsOpen():
		return -1
	}
	return cmp.Compare(a.ExitTime.Sub(a.EntryTime), b.ExitTime.Sub(b.EntryTime))
}

func chronological(a, b *visit.Visit) int {
	return cmp.Or(
		a.EntryTime.Compare(b.EntryTime),
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

func visitIDs(visits []*visit.Visit) []string {
	ids := make([]string, len(visits))
	for i, v := range visits {
		ids[i] = v.ID
	}
	return ids
}

func countNotes(visits []*visit.Visit) int {
	n := 0
	for _, v := range visits {
		if strings.TrimSpace(v.Notes) != "" {
			n++
		}
	}
	return n
}

func countPeople(visits []*visit.Visit) int {
	seen := make(map[string]bool)
	for _, v := range visits {
		for _, p := range v.People {
			seen[p] = true
		}
	}
	return len(seen)
}
