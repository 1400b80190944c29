package visit

import (
	"context"
	"fmt"
)

// nowMS is SQLite's current time in unix milliseconds. Open visits extend
// to it when the guard checks for overlap.
const nowMS = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// guardCheck aborts a write of NEW that is inverted or overlaps another
// visit of the same (user, place).
const guardCheck = `
	SELECT RAISE(ABORT, '` + guardCorruptMsg + `')
	WHERE NEW.exit_ms IS NOT NULL AND NEW.exit_ms < NEW.entry_ms;
	SELECT RAISE(ABORT, '` + guardOverlapMsg + `')
	WHERE EXISTS (
		SELECT 1 FROM visits v
		WHERE v.user_id = NEW.user_id
		  AND v.place_id = NEW.place_id
		  AND v.id <> NEW.id
		  AND v.entry_ms < MAX(COALESCE(NEW.exit_ms, ` + nowMS + `), NEW.entry_ms)
		  AND NEW.entry_ms < MAX(COALESCE(v.exit_ms, ` + nowMS + `), v.entry_ms)
	);`

var guardTriggers = []struct {
	name string
	ddl  string
}{
	{
		name: "visits_guard_insert",
		ddl:  `CREATE TRIGGER IF NOT EXISTS visits_guard_insert BEFORE INSERT ON visits BEGIN` + guardCheck + ` END`,
	},
	{
		name: "visits_guard_update",
		ddl: `CREATE TRIGGER IF NOT EXISTS visits_guard_update
			BEFORE UPDATE OF user_id, place_id, entry_ms, exit_ms ON visits BEGIN` + guardCheck + ` END`,
	},
}

// Overlap describes two visits of the same (user, place) whose ranges intersect.
type Overlap struct {
	Pair     Pair   `json:"pair"`
	FirstID  string `json:"first_id"`
	SecondID string `json:"second_id"`
}

// GuardStatus reports whether the overlap guard is installed and whether
// the current data would satisfy it.
type GuardStatus struct {
	Installed bool      `json:"installed"`
	Corrupt   int       `json:"corrupt"`
	Overlaps  []Overlap `json:"overlaps"`
}

// GuardInstalled reports whether both guard triggers exist.
func (s *Store) GuardInstalled(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name IN (?, ?)",
		guardTriggers[0].name, guardTriggers[1].name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking guard triggers: %w", err)
	}
	return n == len(guardTriggers), nil
}

// CountCorrupt returns the number of visits with entry after exit.
func (s *Store) CountCorrupt(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM visits WHERE exit_ms IS NOT NULL AND entry_ms > exit_ms",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting corrupt visits: %w", err)
	}
	return n, nil
}

// FindOverlaps returns every overlapping pair of visits, using the
// store clock for open visits.
func (s *Store) FindOverlaps(ctx context.Context) ([]Overlap, error) {
	visits, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var overlaps []Overlap
	// visits are ordered by user, place, entry.
	for i := 0; i < len(visits); i++ {
		a := visits[i]
		for j := i + 1; j < len(visits); j++ {
			b := visits[j]
			if b.Pair() != a.Pair() || !b.EntryTime.Before(a.End(now)) {
				break
			}
			if Overlaps(a, b, now) {
				overlaps = append(overlaps, Overlap{Pair: a.Pair(), FirstID: a.ID, SecondID: b.ID})
			}
		}
	}
	return overlaps, nil
}

// Status returns the guard status.
func (s *Store) Status(ctx context.Context) (*GuardStatus, error) {
	installed, err := s.GuardInstalled(ctx)
	if err != nil {
		return nil, err
	}
	corrupt, err := s.CountCorrupt(ctx)
	if err != nil {
		return nil, err
	}
	overlaps, err := s.FindOverlaps(ctx)
	if err != nil {
		return nil, err
	}
	return &GuardStatus{Installed: installed, Corrupt: corrupt, Overlaps: overlaps}, nil
}

// InstallGuard installs the storage-level exclusion constraint. It refuses
// while inverted ranges (run the sanitizer) or overlapping visits (run
// deduplication) remain, because the overlap check is undefined for them.
// Installing twice is a no-op.
func (s *Store) InstallGuard(ctx context.Context) error {
	corrupt, err := s.CountCorrupt(ctx)
	if err != nil {
		return err
	}
	if corrupt > 0 {
		return fmt.Errorf("%w: %d visits must be sanitized first", ErrCorruptRange, corrupt)
	}

	overlaps, err := s.FindOverlaps(ctx)
	if err != nil {
		return err
	}
	if len(overlaps) > 0 {
		return fmt.Errorf("%w: %d overlapping visit pairs must be deduplicated first", ErrInvariantViolation, len(overlaps))
	}

	return s.WithTx(ctx, func(tx *Tx) error {
		for _, g := range guardTriggers {
			if _, err := tx.tx.ExecContext(ctx, g.ddl); err != nil {
				return fmt.Errorf("creating trigger %s: %w", g.name, err)
			}
		}
		return nil
	})
}
