/*
lifecycle.go - Voucher lifecycle manager

PURPOSE:
  Advances vouchers through their state machine and drives refunds.
  Verify, Cancel, and the expiry sweep can race on the same voucher;
  every transition is a conditional single-row update on status, so a
  voucher is refunded exactly once no matter the interleaving.

REFUND ORDER:
  Transition first (claims the refund), ledger append second, balance
  credit third. The transition is the exactly-once gate; the ledger is
  written before the cache so a partial failure leaves the truth intact
  and only the cache stale for the Auditor to repair.
*/
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/notify"
	"github.com/hemolink/loyalty-engine/points"
)

// VerifyResult is returned to the merchant-facing scan.
type VerifyResult struct {
	Voucher Voucher
	Tier    points.Tier
	// AlreadyVerified flags an idempotent re-verification: the voucher was
	// verified before this call and the prior result is returned.
	AlreadyVerified bool
}

// SweepReport counts what the expiry sweep did.
type SweepReport struct {
	Refunded int
	Purged   int
}

// Lifecycle advances vouchers through their states and drives refunds.
type Lifecycle struct {
	balances points.BalanceStore
	txs      points.TransactionStore
	vouchers VoucherStore
	tiers    *points.TierEngine
	settings Settings
	log      *zap.Logger
	notifier notify.Notifier
}

func NewLifecycle(
	balances points.BalanceStore,
	txs points.TransactionStore,
	vouchers VoucherStore,
	tiers *points.TierEngine,
	settings Settings,
	log *zap.Logger,
	n notify.Notifier,
) *Lifecycle {
	if n == nil {
		n = notify.Nop{}
	}
	return &Lifecycle{
		balances: balances,
		txs:      txs,
		vouchers: vouchers,
		tiers:    tiers,
		settings: settings,
		log:      log,
		notifier: n,
	}
}

// Verify marks a pending voucher verified and returns it with the donor's
// current tier for discount display. No ledger change: the points were
// charged at redemption time.
//
// Idempotent on re-verification; cancelled vouchers fail with
// ErrAlreadyTerminal, expired (or past-expiry pending) ones with ErrExpired.
func (m *Lifecycle) Verify(ctx context.Context, code string) (VerifyResult, error) {
	canonical, ok := CanonicalCode(code)
	if !ok {
		return VerifyResult{}, fmt.Errorf("verify: malformed voucher code: %w", points.ErrNotFound)
	}

	v, err := m.vouchers.GetVoucherByCode(ctx, canonical)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify: %w", err)
	}

	switch v.Status {
	case StatusVerified:
		return m.verifiedResult(ctx, v, true)
	case StatusCancelled:
		return VerifyResult{}, fmt.Errorf("verify: voucher cancelled: %w", points.ErrAlreadyTerminal)
	case StatusExpired:
		return VerifyResult{}, fmt.Errorf("verify: %w", ErrExpired)
	}

	now := time.Now().UTC()
	if now.After(v.ExpiresAt) {
		// The sweep owns the refund; verification just refuses.
		return VerifyResult{}, fmt.Errorf("verify: %w", ErrExpired)
	}

	if err := m.vouchers.Transition(ctx, v.ID, StatusPending, StatusVerified, &now); err != nil {
		if errors.Is(err, points.ErrAlreadyTerminal) {
			// Lost a race: re-read and report what actually happened.
			current, gerr := m.vouchers.GetVoucher(ctx, v.ID)
			if gerr == nil && current.Status == StatusVerified {
				return m.verifiedResult(ctx, current, true)
			}
			return VerifyResult{}, fmt.Errorf("verify: %w", points.ErrAlreadyTerminal)
		}
		return VerifyResult{}, fmt.Errorf("verify: %w", err)
	}

	v.Status = StatusVerified
	v.VerifiedAt = &now

	m.log.Info("voucher verified",
		zap.String("voucher", string(v.ID)),
		zap.String("donor", string(v.DonorID)))
	m.notifier.Notify(ctx, notify.EventVoucherVerified, map[string]any{
		"donor_id":     string(v.DonorID),
		"voucher_code": v.Code,
	})
	return m.verifiedResult(ctx, v, false)
}

func (m *Lifecycle) verifiedResult(ctx context.Context, v Voucher, already bool) (VerifyResult, error) {
	tier, err := m.donorTier(ctx, v.DonorID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify: %w", err)
	}
	return VerifyResult{Voucher: v, Tier: tier, AlreadyVerified: already}, nil
}

func (m *Lifecycle) donorTier(ctx context.Context, donorID points.DonorID) (points.Tier, error) {
	balance, err := m.balances.GetBalance(ctx, donorID)
	if err != nil {
		return points.Tier{}, err
	}
	return m.tiers.TierFor(balance.SpendablePoints)
}

// Cancel voids a pending voucher and refunds its points. Admin-only at the
// API layer. Fails with ErrAlreadyTerminal when the voucher is not pending.
func (m *Lifecycle) Cancel(ctx context.Context, id VoucherID) error {
	v, err := m.vouchers.GetVoucher(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	// Conditional transition claims the refund. A racing sweep that wins
	// leaves us with AlreadyTerminal and no second refund.
	if err := m.vouchers.Transition(ctx, v.ID, StatusPending, StatusCancelled, nil); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	if err := m.refund(ctx, v, StatusCancelled); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	m.log.Info("voucher cancelled",
		zap.String("voucher", string(v.ID)),
		zap.String("donor", string(v.DonorID)),
		zap.Int64("refunded", v.PointsSpent))
	return nil
}

// SweepExpired expires and refunds overdue pending vouchers, then purges
// terminal vouchers past the retention window. A still-pending voucher is
// never purged.
func (m *Lifecycle) SweepExpired(ctx context.Context) (SweepReport, error) {
	now := time.Now().UTC()
	var report SweepReport

	overdue, err := m.vouchers.ListExpiredPending(ctx, now)
	if err != nil {
		return report, fmt.Errorf("sweep: %w", err)
	}
	for _, v := range overdue {
		err := m.vouchers.Transition(ctx, v.ID, StatusPending, StatusExpired, nil)
		if errors.Is(err, points.ErrAlreadyTerminal) || errors.Is(err, points.ErrNotFound) {
			continue // someone else transitioned (or purged) it first
		}
		if err != nil {
			return report, fmt.Errorf("sweep: expire %s: %w", v.ID, err)
		}
		if err := m.refund(ctx, v, StatusExpired); err != nil {
			return report, fmt.Errorf("sweep: refund %s: %w", v.ID, err)
		}
		report.Refunded++
	}

	purged, err := m.vouchers.PurgeTerminalBefore(ctx, now.Add(-m.settings.VoucherRetention()))
	if err != nil {
		return report, fmt.Errorf("sweep: purge: %w", err)
	}
	report.Purged = purged

	if report.Refunded > 0 || report.Purged > 0 {
		m.log.Info("expiry sweep completed",
			zap.Int("refunded", report.Refunded),
			zap.Int("purged", report.Purged))
	}
	return report, nil
}

// refund records the compensating adjusted transaction and credits the
// balance back. The caller already won the status transition.
func (m *Lifecycle) refund(ctx context.Context, v Voucher, to Status) error {
	tx := points.Transaction{
		ID:                  points.TransactionID(uuid.NewString()),
		DonorID:             v.DonorID,
		Points:              v.PointsSpent,
		Type:                points.TxAdjusted,
		Description:         fmt.Sprintf("refund for %s voucher %s", to, v.Code),
		RelatedRedemptionID: string(v.ID),
		CreatedAt:           time.Now().UTC(),
	}
	if err := m.txs.Append(ctx, tx); err != nil {
		// Give the refund claim back so a retry can run the whole flow.
		if rerr := m.vouchers.Transition(ctx, v.ID, to, StatusPending, nil); rerr != nil {
			m.log.Error("refund: could not release claim after ledger failure",
				zap.String("voucher", string(v.ID)), zap.Error(rerr))
		}
		return fmt.Errorf("%w: %v", points.ErrLedgerWrite, err)
	}

	if err := m.balances.RefundSpendable(ctx, v.DonorID, v.PointsSpent); err != nil {
		// Ledger has the refund; cache is stale until audit.
		m.log.Error("refund: balance credit failed, cache stale until audit",
			zap.String("donor", string(v.DonorID)), zap.Error(err))
		return err
	}

	m.notifier.Notify(ctx, notify.EventVoucherRefunded, map[string]any{
		"donor_id":     string(v.DonorID),
		"voucher_code": v.Code,
		"points":       v.PointsSpent,
		"status":       string(to),
	})
	return nil
}

// VouchersFor lists a donor's vouchers, newest first.
func (m *Lifecycle) VouchersFor(ctx context.Context, donorID points.DonorID) ([]Voucher, error) {
	return m.vouchers.ListVouchersByDonor(ctx, donorID)
}
