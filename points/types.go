/*
Package points provides the core donor points engine.

PURPOSE:
  This package contains the types and algorithms for the donor loyalty
  ledger: an append-only log of signed point transactions per donor, a
  materialized balance record per donor, the tier derivation rule, and
  the audit/reconciliation algorithm that repairs balance drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry recording a signed point delta
  - DonorBalance: Materialized cache of the ledger (spendable + lifetime)
  - TierThreshold / Tier: Discount brackets derived from spendable balance
  - Discrepancy: Drift between the ledger sum and the cached balance

DESIGN PRINCIPLES:
  1. Ledger truth: sum(Transaction.Points) is the authoritative spendable
     balance; DonorBalance is a cache that can drift and be reconciled
  2. Immutability: Transactions are never modified or deleted, only
     compensated by adjusted entries
  3. Type Safety: Strong typing for IDs and statuses, no untyped rows

SEE ALSO:
  - ledger.go: Earn / ReverseEarning operations
  - tier.go: Tier derivation
  - audit.go: Reconciliation
  - store.go: Persistence interfaces
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DonorID string
type TransactionID string

// =============================================================================
// TRANSACTION - Append-only ledger entry
// =============================================================================

type TransactionType string

const (
	TxEarned   TransactionType = "earned"   // Verified donation payout
	TxRedeemed TransactionType = "redeemed" // Reward redemption charge
	TxAdjusted TransactionType = "adjusted" // Reversal or refund compensation
)

// Transaction is an immutable, append-only ledger entry.
// For any donor, sum(Points) over all transactions is the authoritative
// spendable balance.
type Transaction struct {
	ID                  TransactionID
	DonorID             DonorID
	Points              int64 // signed delta
	Type                TransactionType
	Description         string
	RelatedDonationID   string // non-empty for earned transactions; idempotency key
	RelatedRedemptionID string // non-empty for redeemed and refund transactions
	CreatedAt           time.Time
}

// =============================================================================
// DONOR BALANCE - Materialized cache of the ledger
// =============================================================================

// DonorBalance caches the running totals for one donor.
//
// INVARIANTS:
//   - SpendablePoints >= 0 by contract (transient drift is repaired by audit)
//   - LifetimePoints is never decreased by redemption, only by reversal
//     of a prior earning event
//
// Created lazily on the donor's first earn event.
type DonorBalance struct {
	DonorID         DonorID
	SpendablePoints int64
	LifetimePoints  int64
	UpdatedAt       time.Time
}

// =============================================================================
// TIERS - Discount brackets
// =============================================================================

// TierThreshold is one configured discount bracket. Thresholds are kept
// ascending by MinPoints; the first threshold (Bronze) has MinPoints 0.
type TierThreshold struct {
	Name            string
	MinPoints       int64
	DiscountPercent decimal.Decimal
}

// Tier is the bracket a donor currently qualifies for. DiscountPercent is
// informational for the merchant at verification time; redemption always
// charges the reward's full listed point cost.
type Tier struct {
	Name            string
	DiscountPercent decimal.Decimal
}

// =============================================================================
// DISCREPANCY - Drift between ledger sum and cached balance
// =============================================================================

// Discrepancy reports one donor whose cached spendable balance does not
// match the ledger sum.
type Discrepancy struct {
	DonorID           DonorID
	RecordedBalance   int64 // DonorBalance.SpendablePoints at audit time
	CalculatedBalance int64 // sum over the donor's transactions
	Delta             int64 // CalculatedBalance - RecordedBalance
	TotalEarned       int64 // sum of positive transactions
	TotalSpent        int64 // sum of negative transactions (as a negative number)
}

// Correction is the append-only record of one applied audit fix.
// It lives outside the points ledger: the ledger sum is the truth being
// restored, so the fix itself must not alter it.
type Correction struct {
	ID              string
	DonorID         DonorID
	PreviousBalance int64
	CorrectedTo     int64
	Delta           int64
	Description     string
	CreatedAt       time.Time
}
