package points_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*points.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledger := points.NewLedger(store, store, zap.NewNop(), nil)
	return ledger, store
}

// =============================================================================
// EARN TESTS
// =============================================================================

func TestLedger_Earn_CreatesBalanceLazily(t *testing.T) {
	// GIVEN: A donor with no balance row
	// WHEN: They earn points for a donation
	// THEN: A balance row appears with both counters credited

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	err := ledger.Earn(ctx, "donor-1", 100, "whole blood donation", "donation-1")
	require.NoError(t, err)

	b, err := ledger.Balance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.SpendablePoints)
	assert.Equal(t, int64(100), b.LifetimePoints)
}

func TestLedger_Earn_AppendsLedgerTransaction(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Earn(ctx, "donor-1", 100, "whole blood donation", "donation-1"))

	history, err := ledger.History(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, points.TxEarned, history[0].Type)
	assert.Equal(t, int64(100), history[0].Points)
	assert.Equal(t, "donation-1", history[0].RelatedDonationID)
}

func TestLedger_Earn_SameDonationTwice_NoOp(t *testing.T) {
	// GIVEN: Points already paid out for donation-1
	// WHEN: A retry (or duplicate webhook) pays out donation-1 again
	// THEN: The second call succeeds silently and credits nothing

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Earn(ctx, "donor-1", 100, "donation payout", "donation-1"))
	require.NoError(t, ledger.Earn(ctx, "donor-1", 100, "donation payout retry", "donation-1"))

	b, err := ledger.Balance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.SpendablePoints, "duplicate payout must not credit twice")

	history, err := ledger.History(ctx, "donor-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "duplicate payout must not append a second transaction")
}

func TestLedger_Earn_DistinctDonations_Accumulate(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Earn(ctx, "donor-1", 100, "first donation", "donation-1"))
	require.NoError(t, ledger.Earn(ctx, "donor-1", 150, "second donation", "donation-2"))

	b, err := ledger.Balance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), b.SpendablePoints)
	assert.Equal(t, int64(250), b.LifetimePoints)
}

func TestLedger_Earn_NonPositiveAmount_Rejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	assert.Error(t, ledger.Earn(ctx, "donor-1", 0, "zero", "donation-1"))
	assert.Error(t, ledger.Earn(ctx, "donor-1", -10, "negative", "donation-2"))

	_, err := ledger.Balance(ctx, "donor-1")
	assert.ErrorIs(t, err, points.ErrNotFound, "rejected earn must not create a balance")
}

// =============================================================================
// REVERSAL TESTS
// =============================================================================

func TestLedger_ReverseEarning_DeductsBothCounters(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Earn(ctx, "donor-1", 200, "donation payout", "donation-1"))
	require.NoError(t, ledger.ReverseEarning(ctx, "donor-1", 50, "donation record deleted"))

	b, err := ledger.Balance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.SpendablePoints)
	assert.Equal(t, int64(150), b.LifetimePoints)
}

func TestLedger_ReverseEarning_FloorsAtZero(t *testing.T) {
	// GIVEN: A donor holding 100 spendable points
	// WHEN: 300 points are reversed (some were already spent elsewhere)
	// THEN: Both counters floor at zero; the ledger still records -300

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Earn(ctx, "donor-1", 100, "donation payout", "donation-1"))
	require.NoError(t, ledger.ReverseEarning(ctx, "donor-1", 300, "bulk invalidation"))

	b, err := ledger.Balance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.SpendablePoints)
	assert.Equal(t, int64(0), b.LifetimePoints)

	history, err := ledger.History(ctx, "donor-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, points.TxAdjusted, history[1].Type)
	assert.Equal(t, int64(-300), history[1].Points)
}

func TestLedger_ReverseEarning_UnknownDonor_NotFound(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	err := ledger.ReverseEarning(ctx, "ghost", 10, "nothing to reverse")
	assert.ErrorIs(t, err, points.ErrNotFound)
}

// =============================================================================
// WRITE ORDER TESTS
// =============================================================================

// failingCredit wraps the balance store and fails every Credit call, to
// simulate the cache write failing after the ledger append succeeded.
type failingCredit struct {
	*memory.Store
}

func (f *failingCredit) Credit(ctx context.Context, donorID points.DonorID, amount int64) error {
	return assert.AnError
}

func TestLedger_Earn_CacheFailureLeavesLedgerIntact(t *testing.T) {
	// GIVEN: The balance cache write fails after the ledger append
	// WHEN: Earn returns the error
	// THEN: The ledger holds the transaction (truth intact, cache stale)

	store := memory.New()
	ledger := points.NewLedger(&failingCredit{store}, store, zap.NewNop(), nil)
	ctx := context.Background()

	err := ledger.Earn(ctx, "donor-1", 100, "donation payout", "donation-1")
	require.Error(t, err)

	history, err := ledger.History(ctx, "donor-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "ledger append must survive a cache failure")

	b, err := store.GetBalance(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.SpendablePoints, "cache stays stale until audit")
}
