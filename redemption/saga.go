/*
saga.go - The redemption saga

PURPOSE:
  Redeems a catalog reward for a donor. No multi-row transaction exists
  across the voucher, balance, and ledger tables, so the flow runs as
  ordered compensable steps:

    1. Re-read the donor's balance (authoritative re-check, never the
       caller's cached value). Insufficient -> fail, nothing written.
    2. Insert the pending voucher (unique code, signed QR payload).
       Compensation: delete the voucher.
    3. Conditionally charge the balance ("spendable -= N where
       spendable >= N"), which re-validates sufficiency at write time
       and closes the race left open by step 1.
       Compensation: refund the charge.
    4. Append the redeemed ledger transaction linked to the voucher.

  On a step failure every earlier compensation runs before the error is
  surfaced: a debited balance without an issued voucher, or an issued
  voucher without a debit, must never outlive the call.
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

// Vouchers are retried on code collision this many times before giving up.
const maxCodeAttempts = 5

// Saga orchestrates reward redemption.
type Saga struct {
	balances points.BalanceStore
	txs      points.TransactionStore
	vouchers VoucherStore
	catalog  Catalog
	codec    *TokenCodec
	settings Settings
	log      *zap.Logger
	notifier notify.Notifier
}

func NewSaga(
	balances points.BalanceStore,
	txs points.TransactionStore,
	vouchers VoucherStore,
	catalog Catalog,
	codec *TokenCodec,
	settings Settings,
	log *zap.Logger,
	n notify.Notifier,
) *Saga {
	if n == nil {
		n = notify.Nop{}
	}
	return &Saga{
		balances: balances,
		txs:      txs,
		vouchers: vouchers,
		catalog:  catalog,
		codec:    codec,
		settings: settings,
		log:      log,
		notifier: n,
	}
}

// Redeem charges the reward's full listed point cost and issues a pending
// voucher. The tier discount is informational at verification time and is
// never subtracted here.
func (s *Saga) Redeem(ctx context.Context, donorID points.DonorID, rewardID string) (Voucher, error) {
	reward, err := s.catalog.Reward(ctx, rewardID)
	if err != nil {
		return Voucher{}, fmt.Errorf("redeem: %w", err)
	}
	if !reward.Active {
		return Voucher{}, fmt.Errorf("redeem: reward %q is not active: %w", rewardID, points.ErrNotFound)
	}
	if reward.PointsRequired < 0 {
		return Voucher{}, fmt.Errorf("redeem: reward %q has negative cost", rewardID)
	}

	// Step 1: authoritative balance re-check. No writes yet.
	balance, err := s.balances.GetBalance(ctx, donorID)
	if err != nil {
		return Voucher{}, fmt.Errorf("redeem: %w", err)
	}
	if balance.SpendablePoints < reward.PointsRequired {
		return Voucher{}, &points.InsufficientPointsError{
			DonorID:   donorID,
			Available: balance.SpendablePoints,
			Requested: reward.PointsRequired,
		}
	}

	// Step 2: issue the pending voucher.
	voucher, err := s.insertVoucher(ctx, donorID, reward)
	if err != nil {
		return Voucher{}, fmt.Errorf("redeem: %w", err)
	}

	// Step 3: conditional charge. No-match means the balance no longer
	// covers the cost: a concurrent redemption won the race since step 1.
	if err := s.balances.ChargeSpendable(ctx, donorID, reward.PointsRequired); err != nil {
		s.compensateVoucher(ctx, voucher)
		if errors.Is(err, points.ErrInsufficientPoints) {
			return Voucher{}, &points.InsufficientPointsError{
				DonorID:   donorID,
				Available: balance.SpendablePoints,
				Requested: reward.PointsRequired,
			}
		}
		return Voucher{}, fmt.Errorf("redeem: charge: %w", err)
	}

	// Step 4: record the charge in the ledger.
	tx := points.Transaction{
		ID:                  points.TransactionID(uuid.NewString()),
		DonorID:             donorID,
		Points:              -reward.PointsRequired,
		Type:                points.TxRedeemed,
		Description:         fmt.Sprintf("redeemed %q (%s)", reward.Title, reward.PartnerName),
		RelatedRedemptionID: string(voucher.ID),
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.txs.Append(ctx, tx); err != nil {
		// Both compensations: restore the balance, remove the voucher.
		if rerr := s.balances.RefundSpendable(ctx, donorID, reward.PointsRequired); rerr != nil {
			s.log.Error("redeem: charge compensation failed, audit will repair",
				zap.String("donor", string(donorID)),
				zap.Int64("points", reward.PointsRequired),
				zap.Error(rerr))
		}
		s.compensateVoucher(ctx, voucher)
		return Voucher{}, fmt.Errorf("redeem: %w: %v", points.ErrLedgerWrite, err)
	}

	s.log.Info("reward redeemed",
		zap.String("donor", string(donorID)),
		zap.String("reward", rewardID),
		zap.String("voucher", string(voucher.ID)),
		zap.Int64("points", reward.PointsRequired))
	s.notifier.Notify(ctx, notify.EventVoucherIssued, map[string]any{
		"donor_id":     string(donorID),
		"voucher_code": voucher.Code,
		"reward":       reward.Title,
		"points":       reward.PointsRequired,
		"expires_at":   voucher.ExpiresAt,
	})
	return voucher, nil
}

// insertVoucher creates the pending voucher row, regenerating the code on
// collision. A colliding code is never reused.
func (s *Saga) insertVoucher(ctx context.Context, donorID points.DonorID, reward Reward) (Voucher, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.settings.VoucherExpiry())

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := NewCode()
		if err != nil {
			return Voucher{}, err
		}
		qr, err := s.codec.IssueURL(code, expiresAt)
		if err != nil {
			return Voucher{}, err
		}

		v := Voucher{
			ID:          VoucherID(uuid.NewString()),
			DonorID:     donorID,
			RewardID:    reward.ID,
			PointsSpent: reward.PointsRequired,
			Code:        code,
			QRPayload:   qr,
			Status:      StatusPending,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		}
		err = s.vouchers.InsertVoucher(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, points.ErrDuplicateCode) {
			return Voucher{}, err
		}
		s.log.Warn("voucher code collision, regenerating",
			zap.String("donor", string(donorID)), zap.Int("attempt", attempt+1))
	}
	return Voucher{}, fmt.Errorf("voucher code generation exhausted after %d attempts: %w",
		maxCodeAttempts, points.ErrDuplicateCode)
}

func (s *Saga) compensateVoucher(ctx context.Context, v Voucher) {
	if err := s.vouchers.DeleteVoucher(ctx, v.ID); err != nil {
		s.log.Error("redeem: voucher compensation failed, orphaned pending voucher remains",
			zap.String("voucher", string(v.ID)), zap.Error(err))
	}
}
