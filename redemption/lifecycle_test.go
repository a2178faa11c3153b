package redemption_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
	"github.com/hemolink/loyalty-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func testTierEngine() *points.TierEngine {
	return points.NewTierEngine(points.StaticThresholds{
		{Name: "bronze", MinPoints: 0, DiscountPercent: decimal.Zero},
		{Name: "silver", MinPoints: 200, DiscountPercent: decimal.NewFromInt(5)},
	})
}

func newTestLifecycle(t *testing.T) (*redemption.Lifecycle, *redemption.Saga, *memory.Store) {
	t.Helper()
	store := memory.New()
	saga := redemption.NewSaga(store, store, store, store, testCodec(), testSettings, zap.NewNop(), nil)
	lifecycle := redemption.NewLifecycle(store, store, store, testTierEngine(), testSettings, zap.NewNop(), nil)
	return lifecycle, saga, store
}

// redeemVoucher seeds a donor and reward and redeems one pending voucher.
func redeemVoucher(t *testing.T, saga *redemption.Saga, store *memory.Store, donorID points.DonorID, balance, cost int64) redemption.Voucher {
	t.Helper()
	seedDonor(t, store, donorID, balance)
	seedReward(t, store, "reward-"+string(donorID), cost, true)
	v, err := saga.Redeem(context.Background(), donorID, "reward-"+string(donorID))
	require.NoError(t, err)
	return v
}

// forceExpired backdates a pending voucher so the sweep sees it as overdue.
func forceExpired(t *testing.T, store *memory.Store, v redemption.Voucher) redemption.Voucher {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.DeleteVoucher(ctx, v.ID))
	v.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.InsertVoucher(ctx, v))
	return v
}

// =============================================================================
// VERIFY TESTS
// =============================================================================

func TestLifecycle_Verify_MarksVerified(t *testing.T) {
	// GIVEN: A pending voucher
	// WHEN: The merchant verifies its code
	// THEN: The voucher is verified with a timestamp and the donor's
	//       current tier is returned for the discount display

	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)

	result, err := lifecycle.Verify(context.Background(), v.Code)
	require.NoError(t, err)

	assert.Equal(t, redemption.StatusVerified, result.Voucher.Status)
	require.NotNil(t, result.Voucher.VerifiedAt)
	assert.False(t, result.AlreadyVerified)
	assert.Equal(t, "silver", result.Tier.Name, "400 spendable after the charge")
}

func TestLifecycle_Verify_Reverify_Idempotent(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	ctx := context.Background()

	first, err := lifecycle.Verify(ctx, v.Code)
	require.NoError(t, err)

	second, err := lifecycle.Verify(ctx, v.Code)
	require.NoError(t, err, "re-scanning a verified voucher is not an error")
	assert.True(t, second.AlreadyVerified)
	assert.Equal(t, first.Voucher.ID, second.Voucher.ID)

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), b.SpendablePoints, "verification never moves points")
}

func TestLifecycle_Verify_AcceptsUngroupedCode(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)

	bare := ""
	for _, r := range v.Code {
		if r != '-' {
			bare += string(r)
		}
	}
	_, err := lifecycle.Verify(context.Background(), bare)
	assert.NoError(t, err)
}

func TestLifecycle_Verify_MistypedCode_NotFound(t *testing.T) {
	lifecycle, _, _ := newTestLifecycle(t)

	_, err := lifecycle.Verify(context.Background(), "0000-0000-0001")
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestLifecycle_Verify_CancelledVoucher_Rejected(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	ctx := context.Background()

	require.NoError(t, lifecycle.Cancel(ctx, v.ID))

	_, err := lifecycle.Verify(ctx, v.Code)
	assert.ErrorIs(t, err, points.ErrAlreadyTerminal)
}

func TestLifecycle_Verify_PastExpiry_RejectedWithoutRefund(t *testing.T) {
	// GIVEN: A pending voucher past its expiry the sweep has not reached
	// WHEN: A merchant tries to verify it
	// THEN: Rejected as expired; the refund stays with the sweep

	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	v = forceExpired(t, store, v)
	ctx := context.Background()

	_, err := lifecycle.Verify(ctx, v.Code)
	require.ErrorIs(t, err, redemption.ErrExpired)

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), b.SpendablePoints, "verification must not refund")

	current, err := store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, redemption.StatusPending, current.Status, "sweep owns the transition")
}

// =============================================================================
// CANCEL TESTS
// =============================================================================

func TestLifecycle_Cancel_RefundsPoints(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	ctx := context.Background()

	require.NoError(t, lifecycle.Cancel(ctx, v.ID))

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.SpendablePoints)
	assert.Equal(t, int64(500), b.LifetimePoints)

	txs, err := store.ListByDonor(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, txs, 2, "redeem then refund")
	assert.Equal(t, points.TxAdjusted, txs[1].Type)
	assert.Equal(t, int64(100), txs[1].Points)
	assert.Equal(t, string(v.ID), txs[1].RelatedRedemptionID)
}

func TestLifecycle_Cancel_VerifiedVoucher_Rejected(t *testing.T) {
	// A verified voucher was consumed at a partner; cancelling it would
	// refund points for a benefit already received.
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	ctx := context.Background()

	_, err := lifecycle.Verify(ctx, v.Code)
	require.NoError(t, err)

	err = lifecycle.Cancel(ctx, v.ID)
	assert.ErrorIs(t, err, points.ErrAlreadyTerminal)

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), b.SpendablePoints, "no refund for a consumed voucher")
}

func TestLifecycle_Cancel_Twice_SingleRefund(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	ctx := context.Background()

	require.NoError(t, lifecycle.Cancel(ctx, v.ID))
	err := lifecycle.Cancel(ctx, v.ID)
	assert.ErrorIs(t, err, points.ErrAlreadyTerminal)

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.SpendablePoints, "exactly one refund")
}

// =============================================================================
// SWEEP TESTS
// =============================================================================

func TestLifecycle_Sweep_RefundsOverduePending(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	v = forceExpired(t, store, v)
	ctx := context.Background()

	report, err := lifecycle.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refunded)

	current, err := store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, redemption.StatusExpired, current.Status)

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.SpendablePoints)
}

func TestLifecycle_Sweep_LeavesLiveVouchersAlone(t *testing.T) {
	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	ctx := context.Background()

	report, err := lifecycle.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Refunded)

	current, err := store.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, redemption.StatusPending, current.Status)
}

func TestLifecycle_Sweep_PurgesOldTerminalOnly(t *testing.T) {
	// GIVEN: An old cancelled voucher and an equally old pending one
	// WHEN: The sweep purges past the retention window
	// THEN: Only the terminal voucher is removed; pending survives
	//       regardless of age until it expires and refunds

	lifecycle, saga, store := newTestLifecycle(t)
	ctx := context.Background()

	cancelled := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	require.NoError(t, lifecycle.Cancel(ctx, cancelled.ID))

	pending := redeemVoucher(t, saga, store, "donor-2", 500, 100)

	// Backdate both creations past retention.
	old := time.Now().UTC().Add(-testSettings.Retention - 24*time.Hour)
	for _, v := range []redemption.Voucher{cancelled, pending} {
		current, err := store.GetVoucher(ctx, v.ID)
		require.NoError(t, err)
		require.NoError(t, store.DeleteVoucher(ctx, v.ID))
		current.CreatedAt = old
		require.NoError(t, store.InsertVoucher(ctx, current))
	}

	report, err := lifecycle.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	_, err = store.GetVoucher(ctx, cancelled.ID)
	assert.ErrorIs(t, err, points.ErrNotFound)

	_, err = store.GetVoucher(ctx, pending.ID)
	assert.NoError(t, err, "a pending voucher is never purged")
}

func TestLifecycle_ConcurrentCancelAndSweep_SingleRefund(t *testing.T) {
	// GIVEN: An overdue pending voucher
	// WHEN: An admin cancel and the expiry sweep race on it
	// THEN: Exactly one refund lands, whoever wins the transition

	lifecycle, saga, store := newTestLifecycle(t)
	v := redeemVoucher(t, saga, store, "donor-1", 500, 100)
	forceExpired(t, store, v)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = lifecycle.Cancel(ctx, v.ID) // may lose with ErrAlreadyTerminal
	}()
	go func() {
		defer wg.Done()
		_, err := lifecycle.SweepExpired(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.SpendablePoints, "exactly one refund despite the race")

	txs, err := store.ListByDonor(ctx, "donor-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2, "redeem plus exactly one refund transaction")
}

// =============================================================================
// END TO END
// =============================================================================

func TestRedemptionRoundTrip_LedgerAndCacheAgree(t *testing.T) {
	// Earn 150, redeem 100 -> 50, cancel -> 150. After the round trip the
	// ledger sum equals the cached spendable balance and the audit is clean.

	store := memory.New()
	log := zap.NewNop()
	ledger := points.NewLedger(store, store, log, nil)
	auditor := points.NewAuditor(store, store, store, log, nil)
	saga := redemption.NewSaga(store, store, store, store, testCodec(), testSettings, log, nil)
	lifecycle := redemption.NewLifecycle(store, store, store, testTierEngine(), testSettings, log, nil)
	ctx := context.Background()

	require.NoError(t, ledger.Earn(ctx, "donor-1", 150, "donation payout", "donation-1"))
	seedReward(t, store, "checkup", 100, true)

	v, err := saga.Redeem(ctx, "donor-1", "checkup")
	require.NoError(t, err)

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), b.SpendablePoints)

	require.NoError(t, lifecycle.Cancel(ctx, v.ID))

	b, err = store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.SpendablePoints)
	assert.Equal(t, int64(150), b.LifetimePoints)

	txs, err := store.ListByDonor(ctx, "donor-1")
	require.NoError(t, err)
	var sum int64
	for _, tx := range txs {
		sum += tx.Points
	}
	assert.Equal(t, b.SpendablePoints, sum, "ledger sum equals cached balance")

	discrepancies, err := auditor.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}
