/*
errors.go - Error types for the authority tree

ERROR CATEGORIES:
  1. Validation errors - Malformed role input (raised at construction)
  2. Authorization errors - Actor lacks a capability or is not the appointer
  3. Membership errors - Role existence preconditions

All errors are deterministic rule violations. None of them is retryable.

USAGE:
  if errors.Is(err, authority.ErrPermissionDenied) {
      // 403
  }

  var denied *authority.PermissionDeniedError
  if errors.As(err, &denied) {
      log.Printf("%s may not %s", denied.Actor, denied.Action)
  }
*/
package authority

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed role construction input.
	ErrValidation = errors.New("invalid role")

	// ErrPermissionDenied is returned when the actor lacks the capability
	// for an operation, including "not the exact appointer" checks.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotAMember is returned when a username has no role in the shop.
	ErrNotAMember = errors.New("not a member of shop")

	// ErrAlreadyMember is returned when appointing a username that already has a role.
	ErrAlreadyMember = errors.New("already a member of shop")

	// ErrEmptyPermissionSet is returned when an operation would leave a role
	// with no permissions.
	ErrEmptyPermissionSet = errors.New("empty permission set")

	// ErrFounderCannotResign is returned when the founder tries to resign.
	ErrFounderCannotResign = errors.New("founder cannot resign")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes which field of a role was malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid role: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PermissionDeniedError records who tried to do what and why it was refused.
type PermissionDeniedError struct {
	Actor  string
	Action string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s cannot %s: %s", e.Actor, e.Action, e.Reason)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

func denied(actor, action, reason string) error {
	return &PermissionDeniedError{Actor: actor, Action: action, Reason: reason}
}

func notAMember(username string) error {
	return fmt.Errorf("%w: %q", ErrNotAMember, username)
}

func alreadyMember(username string) error {
	return fmt.Errorf("%w: %q", ErrAlreadyMember, username)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error was caused by the caller's input
// or identity rather than by the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrAlreadyMember) ||
		errors.Is(err, ErrEmptyPermissionSet) ||
		errors.Is(err, ErrFounderCannotResign)
}
