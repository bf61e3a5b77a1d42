/*
errors.go - Centralized error types for the rewards engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver errors into these; the api package maps them
  to HTTP status codes.

ERROR CATEGORIES:
  1. Duplicate award    - not a failure, an idempotent no-op
  2. Persistence        - transient, caller retries the whole call
  3. Invalid activity   - logged, no award, not user facing
  4. Constraint         - data-model invariant breach, must surface

USAGE:
  if errors.Is(err, generic.ErrDuplicateAward) {
      // already recorded, treat as success
  }
  if generic.IsRetryable(err) {
      // 503 + Retry-After
  }

SEE ALSO:
  - dispatcher.go: absorbs ErrDuplicateAward
  - store/sqlite/sqlite.go: translates driver errors
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateAward is returned when an entry with the same idempotency
	// key already exists. Expected for retries; callers treat it as success.
	ErrDuplicateAward = errors.New("duplicate award")

	// ErrPersistenceUnavailable is returned when the store cannot be reached,
	// times out, or the circuit breaker is open. Retry the whole call.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrInvalidActivity is returned when an activity matches no rule.
	ErrInvalidActivity = errors.New("invalid activity")

	// ErrConstraintViolation is returned when a store constraint other than
	// an idempotency/uniqueness key rejects a write.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidActivityError explains why an activity was rejected.
type InvalidActivityError struct {
	Type   ActivityType
	Reason string
}

func (e *InvalidActivityError) Error() string {
	return fmt.Sprintf("invalid activity %q: %s", e.Type, e.Reason)
}

func (e *InvalidActivityError) Unwrap() error { return ErrInvalidActivity }

// ConstraintViolationError names the invariant that was breached.
type ConstraintViolationError struct {
	Constraint string
	Detail     string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Detail)
}

func (e *ConstraintViolationError) Unwrap() error { return ErrConstraintViolation }

// PersistenceError wraps the underlying transient cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence unavailable: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistenceUnavailable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole call may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceUnavailable)
}

// IsDuplicate returns true for idempotent no-ops.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateAward)
}

// AsPersistence converts context deadline errors into ErrPersistenceUnavailable.
// Other errors are returned unchanged.
func AsPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PersistenceError{Op: op, Err: err}
	}
	return err
}
