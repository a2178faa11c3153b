/*
store.go - Persistence interfaces for the points engine

PURPOSE:
  Defines the interface between the ledger logic and the row store.
  The store guarantees SINGLE-ROW atomicity only: single-row read,
  single-row conditional update, and insert. There is no multi-row
  transaction across the ledger, balance, and voucher tables, so every
  multi-write operation in this module is ordered for safe partial
  failure and backstopped by the Auditor.

CONDITIONAL UPDATES:
  Every balance mutation goes through a conditional single-row update
  (e.g. "decrement spendable by N where spendable >= N"), never a
  read-then-write pair. Two operations racing on the same donor cannot
  lose an update: one of them sees no matching row instead.

APPEND-ONLY CONTRACT:
  TransactionStore has no update or delete. Corrections are made via
  adjusted transactions; audit corrections are journaled separately.

IMPLEMENTATIONS:
  - store/memory:   In-memory, for tests and development
  - store/sqlite:   SQLite (production single-node)
  - store/postgres: PostgreSQL (production)
*/
package points

import "context"

// =============================================================================
// BALANCE STORE - One mutable row per donor, conditional updates only
// =============================================================================

type BalanceStore interface {
	// GetBalance returns the donor's balance row.
	// Returns ErrNotFound if the donor has no balance yet.
	GetBalance(ctx context.Context, donorID DonorID) (DonorBalance, error)

	// EnsureBalance creates the balance row with both counters at zero if
	// it does not exist. Idempotent insert, never overwrites.
	EnsureBalance(ctx context.Context, donorID DonorID) error

	// Credit atomically adds amount (> 0) to both spendable and lifetime.
	Credit(ctx context.Context, donorID DonorID, amount int64) error

	// ChargeSpendable atomically decrements spendable by amount, but only
	// where spendable >= amount. No matching row means the donor cannot
	// afford the charge at write time: returns ErrInsufficientPoints.
	// Lifetime is never decreased by a charge.
	ChargeSpendable(ctx context.Context, donorID DonorID, amount int64) error

	// RefundSpendable atomically adds amount (> 0) back to spendable.
	// Lifetime is untouched: a refund is not a new earning event.
	RefundSpendable(ctx context.Context, donorID DonorID, amount int64) error

	// DeductFloored atomically decrements spendable and lifetime by amount,
	// each floored at zero independently. Used for earning reversals.
	DeductFloored(ctx context.Context, donorID DonorID, amount int64) error

	// SetSpendable conditionally sets spendable to `to` where the current
	// value equals `from` (compare-and-set). Returns ErrRaceLost if the
	// row changed since it was read. Used by audit Fix.
	SetSpendable(ctx context.Context, donorID DonorID, from, to int64) error

	// ListBalances returns every donor balance row. Used by audit.
	ListBalances(ctx context.Context) ([]DonorBalance, error)
}

// =============================================================================
// TRANSACTION STORE - Append-only ledger
// =============================================================================

type TransactionStore interface {
	// Append persists a transaction. Returns ErrDuplicateDonation when an
	// earned transaction with the same RelatedDonationID already exists.
	// This is the ONLY write operation: no update, no delete.
	Append(ctx context.Context, tx Transaction) error

	// DonationExists checks whether an earned transaction with this
	// RelatedDonationID was already written. Fast path of the earn
	// idempotency guard; Append's uniqueness check is the backstop.
	DonationExists(ctx context.Context, relatedDonationID string) (bool, error)

	// ListByDonor returns the donor's transactions in chronological order.
	ListByDonor(ctx context.Context, donorID DonorID) ([]Transaction, error)

	// ListDonors returns every donor that has at least one transaction.
	// Used by audit to catch donors whose balance row was never created.
	ListDonors(ctx context.Context) ([]DonorID, error)
}

// =============================================================================
// CORRECTION STORE - Audit fix journal (append-only)
// =============================================================================

type CorrectionStore interface {
	// AppendCorrection journals one applied audit fix.
	AppendCorrection(ctx context.Context, c Correction) error

	// ListCorrections returns all recorded corrections, newest first.
	ListCorrections(ctx context.Context) ([]Correction, error)
}
