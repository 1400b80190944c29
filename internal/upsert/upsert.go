// Package upsert implements the atomic visit upsert: the single online
// write path that turns location events into visit records.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evcraddock/visit-tracker/internal/keylock"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options tunes the merge rules.
type Options struct {
	// SmallGap is the largest gap, exclusive, between an event and a closed
	// visit on the same calendar day that still merges.
	SmallGap time.Duration
	// SessionGap is the largest gap, inclusive, that merges into a closed
	// visit sharing the event's session id.
	SessionGap time.Duration
	// AbandonAfter closes an open visit that has seen no event for this long.
	AbandonAfter time.Duration
	// MaxEventAge rejects events older than now minus this.
	MaxEventAge time.Duration
	// MaxClockSkew rejects events later than now plus this.
	MaxClockSkew time.Duration
	// Location defines calendar days.
	Location *time.Location
}

// DefaultOptions returns the standard merge thresholds.
func DefaultOptions() Options {
	return Options{
		SmallGap:     5 * time.Minute,
		SessionGap:   30 * time.Minute,
		AbandonAfter: 12 * time.Hour,
		MaxEventAge:  30 * 24 * time.Hour,
		MaxClockSkew: 10 * time.Minute,
		Location:     time.UTC,
	}
}

// Result is the outcome of recording one event.
type Result struct {
	VisitID     string            `json:"visit_id"`
	Action      visit.Action      `json:"action"`
	MergeReason visit.MergeReason `json:"merge_reason,omitempty"`
	Absorbed    []string          `json:"absorbed,omitempty"`
}

// Service records location events against the visit store.
type Service struct {
	store *visit.Store
	locks *keylock.Map
	opts  Options
	newID func() string
}

// NewService creates an upsert service. The lock map must be shared with
// every other writer of the same store in this process.
func NewService(store *visit.Store, locks *keylock.Map, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		store: store,
		locks: locks,
		opts:  opts,
		newID: func() string { return uuid.New().String() },
	}
}

// Options returns the service's merge thresholds.
func (s *Service) Options() Options {
	return s.opts
}

// Record applies one event in a single transaction: it either merges the
// event into an existing visit or creates a new one.
//
// The (user, place) lock is taken without waiting. If another event for the
// same pair is in flight Record fails with visit.ErrLockContention and the
// caller retries. Nothing is written unless the whole decision commits.
func (s *Service) Record(ctx context.Context, ev visit.Event) (res Result, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "upsert.Record",
		trace.WithAttributes(
			attribute.String("visit.user_id", ev.UserID),
			attribute.String("visit.place_id", ev.PlaceID),
			attribute.Bool("visit.is_entry", ev.IsEntry),
		),
	)
	defer func() {
		latency.Observe(time.Since(start).Seconds())
		if err != nil {
			failures.WithLabelValues(visit.ErrorKind(err)).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, visit.ErrorKind(err))
		} else {
			decisions.WithLabelValues(string(res.Action), string(res.MergeReason)).Inc()
			span.SetAttributes(
				attribute.String("visit.action", string(res.Action)),
				attribute.String("visit.merge_reason", string(res.MergeReason)),
			)
		}
		span.End()
	}()

	ev, err = s.validate(ev)
	if err != nil {
		return Result{}, err
	}

	pair := visit.Pair{UserID: ev.UserID, PlaceID: ev.PlaceID}
	if !s.locks.TryLock(pair.Key()) {
		slog.Warn("lock contention", "user_id", pair.UserID, "place_id", pair.PlaceID)
		return Result{}, fmt.Errorf("%w: user %s place %s", visit.ErrLockContention, pair.UserID, pair.PlaceID)
	}
	defer s.locks.Unlock(pair.Key())

	err = s.store.WithTx(ctx, func(tx *visit.Tx) error {
		visits, err := tx.ListPair(ctx, pair)
		if err != nil {
			return err
		}
		for _, v := range visits {
			if v.IsCorrupt() {
				return fmt.Errorf("%w: visit %s entry %s exit %s", visit.ErrCorruptRange,
					v.ID, v.EntryTime.Format(time.RFC3339), v.ExitTime.Format(time.RFC3339))
			}
		}
		res, err = s.apply(ctx, tx, ev, visits)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, visit.ErrInvariantViolation):
			slog.Error("visit overlap guard rejected upsert", "user_id", pair.UserID, "place_id", pair.PlaceID, "err", err)
		case errors.Is(err, visit.ErrCorruptRange):
			slog.Error("corrupt visit range needs manual review", "user_id", pair.UserID, "place_id", pair.PlaceID, "err", err)
		}
		return Result{}, fmt.Errorf("recording event: %w", err)
	}

	slog.Debug("event recorded",
		"user_id", pair.UserID, "place_id", pair.PlaceID,
		"visit_id", res.VisitID, "action", res.Action, "reason", res.MergeReason)
	return res, nil
}

// validate normalizes and checks an event before any lock is taken.
func (s *Service) validate(ev visit.Event) (visit.Event, error) {
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.PlaceID = strings.TrimSpace(ev.PlaceID)
	ev.SessionID = strings.TrimSpace(ev.SessionID)

	var problems []string
	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return ev, &visit.ValidationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
	}

	if !ev.EventTime.IsZero() {
		// Stored precision is milliseconds.
		ev.EventTime = time.UnixMilli(ev.EventTime.UnixMilli()).UTC()
		now := s.store.Now()
		if s.opts.MaxClockSkew > 0 && ev.EventTime.After(now.Add(s.opts.MaxClockSkew)) {
			problems = append(problems, "EventTime is in the future")
		}
		if s.opts.MaxEventAge > 0 && ev.EventTime.Before(now.Add(-s.opts.MaxEventAge)) {
			problems = append(problems, "EventTime is too far in the past")
		}
	}

	if len(problems) > 0 {
		return ev, &visit.ValidationError{Problems: problems}
	}
	return ev, nil
}

// apply decides and writes the outcome for ev given every visit of its pair.
func (s *Service) apply(ctx context.Context, tx *visit.Tx, ev visit.Event, visits []*visit.Visit) (Result, error) {
	t := ev.EventTime
	now := tx.Now()

	open, err := s.closeAbandoned(ctx, tx, visits, t)
	if err != nil {
		return Result{}, err
	}

	target, reason := s.chooseTarget(visits, open, ev)
	if target == nil {
		v := s.newVisit(ev, visits)
		if err := tx.Insert(ctx, v); err != nil {
			return Result{}, err
		}
		return Result{VisitID: v.ID, Action: visit.Created}, nil
	}

	s.extend(target, ev, visits)

	// Widening a visit may reach neighbours; fold them in until the pair is
	// overlap-free again.
	var gone []string
	removed := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, o := range visits {
			if o == target || removed[o.ID] || !visit.Overlaps(target, o, now) {
				continue
			}
			target.Absorb(o)
			removed[o.ID] = true
			gone = append(gone, o.ID)
			changed = true
		}
	}
	for _, id := range gone {
		if err := tx.Delete(ctx, id); err != nil {
			return Result{}, err
		}
	}
	absorbed.Add(float64(len(gone)))

	if err := tx.Update(ctx, target); err != nil {
		return Result{}, err
	}
	if err := tx.AddPeople(ctx, target.ID, target.People); err != nil {
		return Result{}, err
	}

	return Result{VisitID: target.ID, Action: visit.Merged, MergeReason: reason, Absorbed: gone}, nil
}

// closeAbandoned closes open visits idle longer than AbandonAfter relative
// to t and returns the most recent remaining open visit.
func (s *Service) closeAbandoned(ctx context.Context, tx *visit.Tx, visits []*visit.Visit, t time.Time) (*visit.Visit, error) {
	var open *visit.Visit
	for _, v := range visits {
		if !v.IsOpen() {
			continue
		}
		if v.IsAbandoned(t, s.opts.AbandonAfter) {
			v.SetExit(v.AbandonedExit())
			if err := tx.Update(ctx, v); err != nil {
				return nil, err
			}
			abandonedClosed.Inc()
			slog.Info("closed abandoned visit", "visit_id", v.ID, "last_event_at", v.LastEventAt)
			continue
		}
		if open == nil || v.EntryTime.After(open.EntryTime) {
			open = v
		}
	}
	return open, nil
}

// chooseTarget applies the merge rules in order and returns the visit the
// event belongs to, or nil when a new visit must be created.
func (s *Service) chooseTarget(visits []*visit.Visit, open *visit.Visit, ev visit.Event) (*visit.Visit, visit.MergeReason) {
	t := ev.EventTime
	if open != nil {
		return open, visit.ReasonOpenVisit
	}

	var closed []*visit.Visit
	for _, v := range visits {
		if !v.IsOpen() {
			closed = append(closed, v)
		}
	}

	for _, v := range closed {
		if visit.Contains(v, t, t) {
			return v, visit.ReasonWithinVisit
		}
	}

	// A shared session id is direct evidence of the same stay, so it
	// tolerates a wider gap than the small-gap rule.
	if ev.SessionID != "" {
		if v := mostRecent(closed, t, func(v *visit.Visit, gap time.Duration) bool {
			return v.SessionID == ev.SessionID && gap <= s.opts.SessionGap
		}); v != nil {
			return v, visit.ReasonSameSession
		}
	}

	if v := mostRecent(closed, t, func(v *visit.Visit, gap time.Duration) bool {
		return gap < s.opts.SmallGap && visit.SameDay(t, visit.NearestEdge(v, t, t), s.opts.Location)
	}); v != nil {
		return v, visit.ReasonSmallGap
	}

	return nil, visit.ReasonNone
}

// mostRecent returns the latest closed visit that passes ok given its gap
// to t.
func mostRecent(closed []*visit.Visit, t time.Time, ok func(*visit.Visit, time.Duration) bool) *visit.Visit {
	var best *visit.Visit
	for _, v := range closed {
		if !ok(v, visit.Gap(v, t, t)) {
			continue
		}
		if best == nil || v.EntryTime.After(best.EntryTime) {
			best = v
		}
	}
	return best
}

// extend widens target to cover the event.
func (s *Service) extend(target *visit.Visit, ev visit.Event, visits []*visit.Visit) {
	t := ev.EventTime
	origEntry := target.EntryTime

	// Events may arrive out of order; an earlier event widens the visit
	// backwards instead of being rejected.
	if t.Before(target.EntryTime) {
		target.EntryTime = t
	}

	switch {
	case target.IsOpen():
		// An exit closes the visit unless it predates the stay it would close.
		if !ev.IsEntry && !t.Before(origEntry) {
			target.SetExit(t)
		}
	case t.After(*target.ExitTime):
		if ev.IsEntry && !hasLaterVisit(visits, target) {
			target.SetExit(time.Time{})
		} else {
			target.SetExit(t)
		}
	}

	if t.After(target.LastEventAt) {
		target.LastEventAt = t
	}
	if target.SessionID == "" {
		target.SessionID = ev.SessionID
	}
}

func hasLaterVisit(visits []*visit.Visit, target *visit.Visit) bool {
	for _, v := range visits {
		if v != target && v.EntryTime.After(target.EntryTime) {
			return true
		}
	}
	return false
}

// newVisit builds the visit created for an event with no merge target.
// An entry opens the visit unless a later visit exists, in which case the
// new visit ends where that one begins. An exit yields a zero-length visit
// that later events extend.
func (s *Service) newVisit(ev visit.Event, visits []*visit.Visit) *visit.Visit {
	t := ev.EventTime
	v := &visit.Visit{
		ID:          s.newID(),
		UserID:      ev.UserID,
		PlaceID:     ev.PlaceID,
		EntryTime:   t,
		SessionID:   ev.SessionID,
		People:      []string{},
		LastEventAt: t,
	}
	if !ev.IsEntry {
		v.SetExit(t)
		return v
	}
	var next *visit.Visit
	for _, o := range visits {
		if o.EntryTime.After(t) && (next == nil || o.EntryTime.Before(next.EntryTime)) {
			next = o
		}
	}
	if next != nil {
		v.SetExit(next.EntryTime)
	}
	return v
}

// SweepReport summarizes a CloseAbandoned run.
type SweepReport struct {
	Closed  []string `json:"closed"`
	Skipped int      `json:"skipped"`
}

// Annotate sets a visit's notes (when notes is non-nil) and adds people
// while holding the visit's pair lock, so an annotation never lands between
// a merge or a consolidation reading the pair and writing it back.
func (s *Service) Annotate(ctx context.Context, id string, notes *string, people []string) (*visit.Visit, error) {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	pair := v.Pair()
	if !s.locks.TryLock(pair.Key()) {
		slog.Warn("lock contention", "user_id", pair.UserID, "place_id", pair.PlaceID, "visit_id", id)
		return nil, fmt.Errorf("%w: user %s place %s", visit.ErrLockContention, pair.UserID, pair.PlaceID)
	}
	defer s.locks.Unlock(pair.Key())

	return s.store.Annotate(ctx, id, notes, people)
}

// CloseAbandoned closes every open visit that has seen no event for longer
// than AbandonAfter. Pairs whose lock is held are skipped and picked up by
// the next sweep.
func (s *Service) CloseAbandoned(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Closed: []string{}}
	if s.opts.AbandonAfter <= 0 {
		return report, nil
	}

	idle, err := s.store.ListOpenIdleSince(ctx, s.store.Now().Add(-s.opts.AbandonAfter))
	if err != nil {
		return nil, fmt.Errorf("listing idle visits: %w", err)
	}

	for _, v := range idle {
		key := v.Pair().Key()
		if !s.locks.TryLock(key) {
			report.Skipped++
			continue
		}
		closed := false
		err := s.store.WithTx(ctx, func(tx *visit.Tx) error {
			cur, err := tx.Get(ctx, v.ID)
			if errors.Is(err, visit.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !cur.IsOpen() || !cur.IsAbandoned(tx.Now(), s.opts.AbandonAfter) {
				return nil
			}
			cur.SetExit(cur.AbandonedExit())
			if err := tx.Update(ctx, cur); err != nil {
				return err
			}
			closed = true
			return nil
		})
		s.locks.Unlock(key)
		if err != nil {
			return report, fmt.Errorf("closing abandoned visit %s: %w", v.ID, err)
		}
		if closed {
			abandonedClosed.Inc()
			report.Closed = append(report.Closed, v.ID)
		}
	}

	if len(report.Closed) > 0 || report.Skipped > 0 {
		slog.Info("abandoned visit sweep", "closed", len(report.Closed), "skipped", report.Skipped)
	}
	return report, nil
}
