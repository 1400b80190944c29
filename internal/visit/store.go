package visit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const selectColumns = `id, user_id, place_id, entry_ms, exit_ms, session_id, notes, last_event_ms, created_ms, updated_ms`

// querier is the subset of *sql.DB and *sql.Tx the read helpers need.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store provides access to visit records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a visit store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock returns a copy of the store using the given clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, now: now}
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns a visit by id.
func (s *Store) Get(ctx context.Context, id string) (*Visit, error) {
	return getVisit(ctx, s.db, id)
}

// List returns the visits for a (user, place), newest first.
func (s *Store) List(ctx context.Context, pair Pair) ([]*Visit, error) {
	visits, err := listVisits(ctx, s.db,
		"WHERE user_id = ? AND place_id = ? ORDER BY entry_ms DESC, id DESC",
		pair.UserID, pair.PlaceID)
	if err != nil {
		return nil, err
	}
	if err := loadPeople(ctx, s.db, visits); err != nil {
		return nil, err
	}
	return visits, nil
}

// ListSince returns all visits with entry at or after since, ordered by
// user, place and entry time. People are not loaded.
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]*Visit, error) {
	return listVisits(ctx, s.db,
		"WHERE entry_ms >= ? ORDER BY user_id, place_id, entry_ms, id",
		since.UnixMilli())
}

// ListAll returns every visit ordered by user, place and entry time.
// People are not loaded.
func (s *Store) ListAll(ctx context.Context) ([]*Visit, error) {
	return listVisits(ctx, s.db, "ORDER BY user_id, place_id, entry_ms, id")
}

// ListOpenIdleSince returns open visits whose last event is before cutoff.
func (s *Store) ListOpenIdleSince(ctx context.Context, cutoff time.Time) ([]*Visit, error) {
	return listVisits(ctx, s.db,
		"WHERE exit_ms IS NULL AND last_event_ms < ? ORDER BY user_id, place_id, entry_ms",
		cutoff.UnixMilli())
}

// Pairs returns every (user, place) that has at least one visit.
func (s *Store) Pairs(ctx context.Context) (pairs []Pair, err error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT user_id, place_id FROM visits ORDER BY user_id, place_id")
	if err != nil {
		return nil, fmt.Errorf("listing pairs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.UserID, &p.PlaceID); err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pairs: %w", err)
	}
	return pairs, nil
}

// Annotate sets a visit's notes (when notes is non-nil) and adds people.
// Annotations never change a visit's time range but always bump UpdatedAt.
// Callers that race merges take the pair lock first (upsert.Service.Annotate).
func (s *Store) Annotate(ctx context.Context, id string, notes *string, people []string) (*Visit, error) {
	err := s.WithTx(ctx, func(tx *Tx) error {
		v, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if notes != nil {
			v.Notes = strings.TrimSpace(*notes)
		}
		if err := tx.Update(ctx, v); err != nil {
			return err
		}
		return tx.AddPeople(ctx, id, people)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// WithTx runs fn inside a write transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (also failed to roll back: %v)", err, rbErr)
			}
		}
	}()

	if err := fn(&Tx{tx: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Tx is a write transaction over the visit store.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// Now returns the transaction's clock time.
func (t *Tx) Now() time.Time {
	return t.now()
}

// Get returns a visit by id with its people.
func (t *Tx) Get(ctx context.Context, id string) (*Visit, error) {
	return getVisit(ctx, t.tx, id)
}

// ListPair returns every visit of a (user, place) with people loaded,
// oldest entry first.
func (t *Tx) ListPair(ctx context.Context, pair Pair) ([]*Visit, error) {
	visits, err := listVisits(ctx, t.tx,
		"WHERE user_id = ? AND place_id = ? ORDER BY entry_ms, created_ms, id",
		pair.UserID, pair.PlaceID)
	if err != nil {
		return nil, err
	}
	if err := loadPeople(ctx, t.tx, visits); err != nil {
		return nil, err
	}
	return visits, nil
}

// ListCorrupt returns visits whose entry time is after their exit time.
func (t *Tx) ListCorrupt(ctx context.Context) ([]*Visit, error) {
	return listVisits(ctx, t.tx,
		"WHERE exit_ms IS NOT NULL AND entry_ms > exit_ms ORDER BY user_id, place_id, entry_ms")
}

// Insert stores a new visit and its people. CreatedAt and UpdatedAt are
// set from the transaction clock when zero.
func (t *Tx) Insert(ctx context.Context, v *Visit) error {
	now := t.now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.LastEventAt.IsZero() {
		v.LastEventAt = v.EntryTime
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO visits (id, user_id, place_id, entry_ms, exit_ms, session_id, notes, last_event_ms, created_ms, updated_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.PlaceID, v.EntryTime.UnixMilli(), nullableMS(v.ExitTime),
		v.SessionID, v.Notes, v.LastEventAt.UnixMilli(), v.CreatedAt.UnixMilli(), v.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting visit %s: %w", v.ID, mapWriteError(err))
	}
	return t.AddPeople(ctx, v.ID, v.People)
}

// Update writes a visit's range, session, notes and last event time.
func (t *Tx) Update(ctx context.Context, v *Visit) error {
	v.UpdatedAt = t.now()
	result, err := t.tx.ExecContext(ctx,
		`UPDATE visits SET entry_ms = ?, exit_ms = ?, session_id = ?, notes = ?, last_event_ms = ?, updated_ms = ?
		 WHERE id = ?`,
		v.EntryTime.UnixMilli(), nullableMS(v.ExitTime), v.SessionID, v.Notes,
		v.LastEventAt.UnixMilli(), v.UpdatedAt.UnixMilli(), v.ID,
	)
	if err != nil {
		return fmt.Errorf("updating visit %s: %w", v.ID, mapWriteError(err))
	}
	return requireRow(result, v.ID)
}

// Delete removes a visit. People cascade.
func (t *Tx) Delete(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, "DELETE FROM visits WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting visit %s: %w", id, err)
	}
	return requireRow(result, id)
}

// AddPeople associates people with a visit. Existing associations are kept.
func (t *Tx) AddPeople(ctx context.Context, id string, people []string) error {
	for _, p := range people {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO visit_people (visit_id, person_id) VALUES (?, ?)", id, p,
		); err != nil {
			return fmt.Errorf("adding person to visit %s: %w", id, err)
		}
	}
	return nil
}

func getVisit(ctx context.Context, q querier, id string) (*Visit, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM visits WHERE id = ?", selectColumns), id)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying visit %s: %w", id, err)
	}
	if err := loadPeople(ctx, q, []*Visit{v}); err != nil {
		return nil, err
	}
	return v, nil
}

func listVisits(ctx context.Context, q querier, where string, args ...any) (visits []*Visit, err error) {
	query := fmt.Sprintf("SELECT %s FROM visits %s", selectColumns, where)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing visits: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning visit: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating visits: %w", err)
	}
	return visits, nil
}

// loadPeople fills People on each visit.
func loadPeople(ctx context.Context, q querier, visits []*Visit) (err error) {
	if len(visits) == 0 {
		return nil
	}
	byID := make(map[string]*Visit, len(visits))
	placeholders := make([]string, 0, len(visits))
	args := make([]any, 0, len(visits))
	for _, v := range visits {
		v.People = []string{}
		byID[v.ID] = v
		placeholders = append(placeholders, "?")
		args = append(args, v.ID)
	}

	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT visit_id, person_id FROM visit_people WHERE visit_id IN (%s) ORDER BY person_id",
			strings.Join(placeholders, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("loading people: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var visitID, personID string
		if err := rows.Scan(&visitID, &personID); err != nil {
			return fmt.Errorf("scanning person: %w", err)
		}
		if v, ok := byID[visitID]; ok {
			v.People = append(v.People, personID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating people: %w", err)
	}
	for _, v := range visits {
		sort.Strings(v.People)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(s scanner) (*Visit, error) {
	var v Visit
	var entryMS, lastMS, createdMS, updatedMS int64
	var exitMS sql.NullInt64
	if err := s.Scan(&v.ID, &v.UserID, &v.PlaceID, &entryMS, &exitMS, &v.SessionID, &v.Notes,
		&lastMS, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	v.EntryTime = fromMS(entryMS)
	if exitMS.Valid {
		v.SetExit(fromMS(exitMS.Int64))
	}
	v.LastEventAt = fromMS(lastMS)
	v.CreatedAt = fromMS(createdMS)
	v.UpdatedAt = fromMS(updatedMS)
	return &v, nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func fromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
