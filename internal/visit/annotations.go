package visit

import (
	"sort"
	"strings"
)

// NoteSeparator joins notes from visits consolidated into one.
const NoteSeparator = "\n---\n"

// JoinNotes concatenates notes in order. Blank notes and exact repeats of
// an earlier note are skipped; every kept note is carried verbatim.
func JoinNotes(notes ...string) string {
	var parts []string
	seen := make(map[string]bool)
	for _, n := range notes {
		if strings.TrimSpace(n) == "" || seen[n] {
			continue
		}
		seen[n] = true
		parts = append(parts, n)
	}
	return strings.Join(parts, NoteSeparator)
}

// UnionPeople returns the sorted union of people references.
func UnionPeople(sets ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, set := range sets {
		for _, p := range set {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Absorb folds other into v: the range widens to cover both, notes are
// appended, and people are unioned. An open visit keeps the result open.
func (v *Visit) Absorb(other *Visit) {
	if other.EntryTime.Before(v.EntryTime) {
		v.EntryTime = other.EntryTime
	}
	switch {
	case v.ExitTime == nil:
	case other.ExitTime == nil:
		v.ExitTime = nil
	case other.ExitTime.After(*v.ExitTime):
		v.SetExit(*other.ExitTime)
	}
	if other.LastEventAt.After(v.LastEventAt) {
		v.LastEventAt = other.LastEventAt
	}
	if v.SessionID == "" {
		v.SessionID = other.SessionID
	}
	v.Notes = JoinNotes(v.Notes, other.Notes)
	v.People = UnionPeople(v.People, other.People)
}
