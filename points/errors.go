/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The redemption package and the HTTP layer wrap or map these.

ERROR CATEGORIES:
  1. Balance errors - Insufficient points, race losses
  2. Lookup errors - Missing donor/voucher/reward
  3. Ledger errors - Append failures that trigger compensation
  4. Configuration errors - Missing tier thresholds or expiry settings

USAGE:
  if errors.Is(err, points.ErrInsufficientPoints) { ... }
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientPoints is returned when a charge exceeds the donor's
	// spendable balance. Recoverable, user-visible, no state change.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrNotFound is returned when a donor, voucher, or reward is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal is returned when a voucher transition is attempted
	// from a state other than pending.
	ErrAlreadyTerminal = errors.New("voucher already terminal")

	// ErrLedgerWrite is returned when a transaction cannot be appended.
	// Callers run their compensations, then surface this error.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrConfiguration is returned when tier thresholds or expiry settings
	// are missing. Fatal to the calling operation, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrRaceLost is returned when a conditional update matched no row.
	// The caller should retry the whole operation once, then surface it.
	ErrRaceLost = errors.New("conditional update lost race")

	// ErrDuplicateDonation is returned by stores when an earned transaction
	// with the same related donation already exists. Earn treats it as a
	// no-op, never as a failure.
	ErrDuplicateDonation = errors.New("donation already paid out")

	// ErrDuplicateCode is returned when a generated voucher code collides
	// with an existing one. The saga regenerates, never reuses.
	ErrDuplicateCode = errors.New("voucher code already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError reports the shortage detail.
type InsufficientPointsError struct {
	DonorID   DonorID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: donor %s has %d, requested %d (short %d)",
		e.DonorID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the operation might succeed if retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRaceLost)
}

// IsClientError reports whether the error is due to the caller's state or
// input rather than an engine failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrNotFound)
}
