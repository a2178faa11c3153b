/*
audit.go - Balance reconciliation

PURPOSE:
  The ledger sum is the authoritative spendable balance; the cached
  DonorBalance can drift when a multi-write operation partially fails.
  The Auditor recomputes every donor's balance from the transaction log,
  reports drift, and repairs the cache.

DRIFT IS NOT AN ERROR:
  Audit only fails on store-connectivity problems. A discrepancy is the
  expected, handled case.

FIX SEMANTICS:
  Fix compare-and-sets the cached spendable balance to the ledger sum
  and journals the correction in the append-only correction log. The
  correction is NOT written as a points transaction: the ledger sum is
  the value being restored, so writing the delta into the ledger would
  move the target and leave the donor drifted by the same amount again.
  LifetimePoints is never touched by audit.
*/
package points

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/notify"
)

// Auditor detects and repairs drift between the transaction log and the
// materialized balances.
type Auditor struct {
	balances    BalanceStore
	txs         TransactionStore
	corrections CorrectionStore
	log         *zap.Logger
	notifier    notify.Notifier
}

func NewAuditor(balances BalanceStore, txs TransactionStore, corrections CorrectionStore, log *zap.Logger, n notify.Notifier) *Auditor {
	if n == nil {
		n = notify.Nop{}
	}
	return &Auditor{balances: balances, txs: txs, corrections: corrections, log: log, notifier: n}
}

// Audit recomputes every donor's spendable balance from the ledger and
// returns one Discrepancy per drifted donor, worst drift first.
//
// Covers donors with a balance row, and donors that have transactions but
// no balance row yet (a failed lazy creation counts as drift too).
func (a *Auditor) Audit(ctx context.Context) ([]Discrepancy, error) {
	balances, err := a.balances.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list balances: %w", err)
	}
	recorded := make(map[DonorID]int64, len(balances))
	for _, b := range balances {
		recorded[b.DonorID] = b.SpendablePoints
	}

	donors, err := a.txs.ListDonors(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list donors: %w", err)
	}
	seen := make(map[DonorID]bool, len(donors))
	for _, d := range donors {
		seen[d] = true
	}
	for d := range recorded {
		if !seen[d] {
			donors = append(donors, d)
		}
	}

	var out []Discrepancy
	for _, donor := range donors {
		txs, err := a.txs.ListByDonor(ctx, donor)
		if err != nil {
			return nil, fmt.Errorf("audit: load transactions for %s: %w", donor, err)
		}

		var calculated, earned, spent int64
		for _, tx := range txs {
			calculated += tx.Points
			if tx.Points > 0 {
				earned += tx.Points
			} else {
				spent += tx.Points
			}
		}

		if rec := recorded[donor]; rec != calculated {
			out = append(out, Discrepancy{
				DonorID:           donor,
				RecordedBalance:   rec,
				CalculatedBalance: calculated,
				Delta:             calculated - rec,
				TotalEarned:       earned,
				TotalSpent:        spent,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return abs(out[i].Delta) > abs(out[j].Delta) })

	a.log.Info("audit completed",
		zap.Int("donors_checked", len(donors)),
		zap.Int("discrepancies", len(out)))
	return out, nil
}

// Fix repairs one discrepancy: the cached spendable balance is set to the
// calculated ledger sum, guarded by a compare-and-set on the recorded value
// so a concurrent mutation cannot be overwritten (ErrRaceLost instead; the
// caller re-audits and retries).
func (a *Auditor) Fix(ctx context.Context, d Discrepancy) error {
	if err := a.balances.EnsureBalance(ctx, d.DonorID); err != nil {
		return fmt.Errorf("fix: ensure balance: %w", err)
	}
	if err := a.balances.SetSpendable(ctx, d.DonorID, d.RecordedBalance, d.CalculatedBalance); err != nil {
		return fmt.Errorf("fix: %w", err)
	}

	c := Correction{
		ID:              uuid.NewString(),
		DonorID:         d.DonorID,
		PreviousBalance: d.RecordedBalance,
		CorrectedTo:     d.CalculatedBalance,
		Delta:           d.Delta,
		Description: fmt.Sprintf("audit correction: spendable %d -> %d (ledger sum)",
			d.RecordedBalance, d.CalculatedBalance),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.corrections.AppendCorrection(ctx, c); err != nil {
		// The balance is already repaired; losing the journal entry is
		// an observability gap, not a consistency one.
		a.log.Error("fix: correction journal append failed",
			zap.String("donor", string(d.DonorID)), zap.Error(err))
		return fmt.Errorf("fix: journal correction: %w", err)
	}

	a.log.Warn("balance drift repaired",
		zap.String("donor", string(d.DonorID)),
		zap.Int64("recorded", d.RecordedBalance),
		zap.Int64("calculated", d.CalculatedBalance),
		zap.Int64("delta", d.Delta))
	a.notifier.Notify(ctx, notify.EventBalanceRepaired, map[string]any{
		"donor_id": string(d.DonorID),
		"delta":    d.Delta,
	})
	return nil
}

// Corrections returns the journal of applied fixes, newest first.
func (a *Auditor) Corrections(ctx context.Context) ([]Correction, error) {
	return a.corrections.ListCorrections(ctx)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
