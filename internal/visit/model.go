// Package visit provides the place visit domain model and the visit store.
package visit

import "time"

// Action is the decision taken for an incoming location event.
type Action string

const (
	Created Action = "created"
	Merged  Action = "merged"
)

// MergeReason records which rule caused an event to be merged.
type MergeReason string

const (
	ReasonNone        MergeReason = ""
	ReasonOpenVisit   MergeReason = "open-visit-extend"
	ReasonSmallGap    MergeReason = "small-gap-same-day"
	ReasonSameSession MergeReason = "same-session"
	ReasonWithinVisit MergeReason = "within-visit"
)

// Label returns a human-readable label for the merge reason.
func (r MergeReason) Label() string {
	switch r {
	case ReasonOpenVisit:
		return "Extended open visit"
	case ReasonSmallGap:
		return "Small gap, same day"
	case ReasonSameSession:
		return "Same session"
	case ReasonWithinVisit:
		return "Inside existing visit"
	case ReasonNone:
		return "-"
	default:
		return string(r)
	}
}

// Event is a location event reported by the geofence layer.
type Event struct {
	UserID    string    `json:"user_id" validate:"required,max=256"`
	PlaceID   string    `json:"place_id" validate:"required,max=256"`
	SessionID string    `json:"session_id" validate:"max=256"`
	EventTime time.Time `json:"event_time" validate:"required"`
	IsEntry   bool      `json:"is_entry"`
}

// Pair identifies the (user, place) scope visits are exclusive within.
type Pair struct {
	UserID  string `json:"user_id"`
	PlaceID string `json:"place_id"`
}

// Key returns a stable string key for the pair.
func (p Pair) Key() string {
	return p.UserID + "\x00" + p.PlaceID
}

// Visit represents a user being present at a place over [EntryTime, ExitTime).
// ExitTime is nil while the visit is still open.
type Visit struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	PlaceID     string     `json:"place_id"`
	EntryTime   time.Time  `json:"entry_time"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Notes       string     `json:"notes"`
	People      []string   `json:"people"`
	LastEventAt time.Time  `json:"last_event_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Pair returns the visit's (user, place) scope.
func (v *Visit) Pair() Pair {
	return Pair{UserID: v.UserID, PlaceID: v.PlaceID}
}

// IsOpen reports whether the visit has no recorded exit.
func (v *Visit) IsOpen() bool {
	return v.ExitTime == nil
}

// End returns the effective end of the visit. An open visit extends to
// now, but never ends before it starts.
func (v *Visit) End(now time.Time) time.Time {
	if v.ExitTime != nil {
		return *v.ExitTime
	}
	if now.Before(v.EntryTime) {
		return v.EntryTime
	}
	return now
}

// Duration returns End(now) - EntryTime.
func (v *Visit) Duration(now time.Time) time.Duration {
	return v.End(now).Sub(v.EntryTime)
}

// IsAbandoned reports whether the visit is open and has seen no event for
// longer than after. A non-positive after disables the policy.
func (v *Visit) IsAbandoned(now time.Time, after time.Duration) bool {
	return v.IsOpen() && after > 0 && now.Sub(v.LastEventAt) > after
}

// AbandonedExit is where an abandoned visit is closed: its last event, or
// its entry when that is later.
func (v *Visit) AbandonedExit() time.Time {
	if v.LastEventAt.After(v.EntryTime) {
		return v.LastEventAt
	}
	return v.EntryTime
}

// IsCorrupt reports whether the stored entry time is after the exit time.
func (v *Visit) IsCorrupt() bool {
	return v.ExitTime != nil && v.ExitTime.Before(v.EntryTime)
}

// SetExit sets the exit time; a zero time reopens the visit.
func (v *Visit) SetExit(t time.Time) {
	if t.IsZero() {
		v.ExitTime = nil
		return
	}
	exit := t
	v.ExitTime = &exit
}
