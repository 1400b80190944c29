package visit

import "time"

// Overlaps reports whether two visits' half-open ranges [entry, end)
// intersect. Open visits end at now. A zero-length range overlaps only a
// range that strictly contains it.
func Overlaps(a, b *Visit, now time.Time) bool {
	return a.EntryTime.Before(b.End(now)) && b.EntryTime.Before(a.End(now))
}

// Intersection returns the length of the overlap between two visits.
func Intersection(a, b *Visit, now time.Time) time.Duration {
	start := a.EntryTime
	if b.EntryTime.After(start) {
		start = b.EntryTime
	}
	end := a.End(now)
	if be := b.End(now); be.Before(end) {
		end = be
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Contains reports whether t lies within [entry, end] of the visit.
func Contains(v *Visit, t time.Time, now time.Time) bool {
	return !t.Before(v.EntryTime) && !t.After(v.End(now))
}

// Gap returns how far t lies outside the visit's range, or 0 if inside.
func Gap(v *Visit, t time.Time, now time.Time) time.Duration {
	if t.Before(v.EntryTime) {
		return v.EntryTime.Sub(t)
	}
	if end := v.End(now); t.After(end) {
		return t.Sub(end)
	}
	return 0
}

// NearestEdge returns the boundary of the visit closest to t.
func NearestEdge(v *Visit, t time.Time, now time.Time) time.Time {
	if t.Before(v.EntryTime) {
		return v.EntryTime
	}
	return v.End(now)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Day formats t as a calendar day in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
