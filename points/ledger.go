/*
ledger.go - Earn and reversal operations

PURPOSE:
  The Ledger is the write path for donation payouts. It appends to the
  append-only transaction log and keeps the materialized DonorBalance in
  step, with no multi-row atomicity available.

WRITE ORDER:
  Ledger append FIRST, cache update SECOND. If the cache write fails
  after the append succeeded, the ledger (truth) is intact and only the
  cache is stale; the Auditor repairs it. The reverse order could lose
  an economic event entirely.

IDEMPOTENCY:
  The same donation must never be paid out twice. Earn checks for an
  existing transaction with the same related donation id before writing,
  and the store's uniqueness constraint backstops the check under races.
  The guard applies to EVERY call site, admin-triggered earns included.

SEE ALSO:
  - audit.go: The drift backstop
  - redemption/saga.go: The redemption write path
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/notify"
)

// Ledger performs earn and reversal operations against the stores.
type Ledger struct {
	balances BalanceStore
	txs      TransactionStore
	log      *zap.Logger
	notifier notify.Notifier
}

func NewLedger(balances BalanceStore, txs TransactionStore, log *zap.Logger, n notify.Notifier) *Ledger {
	if n == nil {
		n = notify.Nop{}
	}
	return &Ledger{balances: balances, txs: txs, log: log, notifier: n}
}

// Earn pays out points for a verified donation.
//
// Idempotent on relatedDonationID: if a transaction for that donation
// already exists, Earn is a no-op and returns nil.
func (l *Ledger) Earn(ctx context.Context, donorID DonorID, amount int64, description, relatedDonationID string) error {
	if amount <= 0 {
		return fmt.Errorf("earn: amount must be positive, got %d", amount)
	}

	if relatedDonationID != "" {
		exists, err := l.txs.DonationExists(ctx, relatedDonationID)
		if err != nil {
			return fmt.Errorf("earn: idempotency check: %w", err)
		}
		if exists {
			l.log.Info("earn skipped, donation already paid out",
				zap.String("donor", string(donorID)),
				zap.String("donation", relatedDonationID))
			return nil
		}
	}

	if err := l.balances.EnsureBalance(ctx, donorID); err != nil {
		return fmt.Errorf("earn: ensure balance: %w", err)
	}

	tx := Transaction{
		ID:                TransactionID(uuid.NewString()),
		DonorID:           donorID,
		Points:            amount,
		Type:              TxEarned,
		Description:       description,
		RelatedDonationID: relatedDonationID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := l.txs.Append(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateDonation) {
			// Lost the race against a concurrent earn for the same donation.
			return nil
		}
		return fmt.Errorf("earn: %w: %v", ErrLedgerWrite, err)
	}

	if err := l.balances.Credit(ctx, donorID, amount); err != nil {
		// Ledger is ahead of the cache. The Auditor is the backstop.
		l.log.Error("earn: balance credit failed, cache stale until audit",
			zap.String("donor", string(donorID)),
			zap.Int64("amount", amount),
			zap.Error(err))
		return fmt.Errorf("earn: balance credit: %w", err)
	}

	l.notifier.Notify(ctx, notify.EventPointsEarned, map[string]any{
		"donor_id": string(donorID),
		"points":   amount,
		"donation": relatedDonationID,
	})
	return nil
}

// ReverseEarning compensates a deleted or invalidated earning event.
//
// Appends an adjusted transaction of -amount, then decrements spendable
// and lifetime, each floored at zero independently: a donor's lifetime
// rank never shows as negative even if more is reversed than currently
// held (some of it may already be spent).
func (l *Ledger) ReverseEarning(ctx context.Context, donorID DonorID, amount int64, description string) error {
	if amount <= 0 {
		return fmt.Errorf("reverse earning: amount must be positive, got %d", amount)
	}
	if _, err := l.balances.GetBalance(ctx, donorID); err != nil {
		return fmt.Errorf("reverse earning: %w", err)
	}

	tx := Transaction{
		ID:          TransactionID(uuid.NewString()),
		DonorID:     donorID,
		Points:      -amount,
		Type:        TxAdjusted,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.txs.Append(ctx, tx); err != nil {
		return fmt.Errorf("reverse earning: %w: %v", ErrLedgerWrite, err)
	}

	if err := l.balances.DeductFloored(ctx, donorID, amount); err != nil {
		l.log.Error("reverse earning: balance deduct failed, cache stale until audit",
			zap.String("donor", string(donorID)),
			zap.Int64("amount", amount),
			zap.Error(err))
		return fmt.Errorf("reverse earning: balance deduct: %w", err)
	}

	l.notifier.Notify(ctx, notify.EventPointsReversed, map[string]any{
		"donor_id": string(donorID),
		"points":   amount,
	})
	return nil
}

// Balance returns the donor's current materialized balance.
func (l *Ledger) Balance(ctx context.Context, donorID DonorID) (DonorBalance, error) {
	return l.balances.GetBalance(ctx, donorID)
}

// History returns the donor's transactions in chronological order.
func (l *Ledger) History(ctx context.Context, donorID DonorID) ([]Transaction, error) {
	return l.txs.ListByDonor(ctx, donorID)
}
