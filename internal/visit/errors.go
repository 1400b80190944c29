package visit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a visit id does not exist.
	ErrNotFound = errors.New("visit not found")

	// ErrValidation marks malformed event input. Never retried.
	ErrValidation = errors.New("invalid event")

	// ErrLockContention means another writer holds the (user, place) lock.
	// Callers retry with backoff.
	ErrLockContention = errors.New("lock contention")

	// ErrInvariantViolation means a write would have produced overlapping
	// visits for the same (user, place). It signals a bug in merge logic
	// and must not be retried away.
	ErrInvariantViolation = errors.New("visit overlap invariant violated")

	// ErrCorruptRange means a visit's entry time is after its exit time.
	ErrCorruptRange = errors.New("visit entry time after exit time")
)

// ValidationError lists the problems found in an event.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLockContention):
		return "lock_contention"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrCorruptRange):
		return "corrupt_range"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// Messages raised by the overlap guard triggers.
const (
	guardOverlapMsg = "visit_overlap"
	guardCorruptMsg = "visit_corrupt_range"
)

// mapWriteError translates guard trigger aborts into domain errors.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) || (se.Code != sqlite3.ErrConstraint && se.ExtendedCode != sqlite3.ErrConstraintTrigger) {
		return err
	}
	msg := se.Error()
	switch {
	case strings.Contains(msg, guardOverlapMsg):
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	case strings.Contains(msg, guardCorruptMsg):
		return fmt.Errorf("%w: %v", ErrCorruptRange, err)
	default:
		return err
	}
}
