/*
tier.go - Discount tier derivation

PURPOSE:
  Maps a donor's CURRENT SPENDABLE balance to a discount tier using the
  configured ascending thresholds. Pure function: no side effects, no
  failure mode other than "no thresholds configured".

  The tier is derived from spendable points, not lifetime points. A tier
  can drop when a donor spends down past a threshold. The discount is
  informational for the merchant at verification time and is never
  subtracted from a redemption charge.
*/
package points

import (
	"fmt"
	"sort"
)

// ThresholdProvider supplies the current tier configuration. The config
// package implements this with hot reload; tests supply a fixed slice.
type ThresholdProvider interface {
	Thresholds() []TierThreshold
}

// StaticThresholds is a fixed ThresholdProvider.
type StaticThresholds []TierThreshold

func (s StaticThresholds) Thresholds() []TierThreshold { return s }

// TierEngine derives tiers from spendable balances.
type TierEngine struct {
	provider ThresholdProvider
}

func NewTierEngine(provider ThresholdProvider) *TierEngine {
	return &TierEngine{provider: provider}
}

// TierFor returns the highest configured tier whose MinPoints does not
// exceed spendable. Thresholds are scanned ascending; the last qualifying
// one wins. Returns ErrConfiguration when no thresholds are configured.
func (e *TierEngine) TierFor(spendable int64) (Tier, error) {
	thresholds := e.provider.Thresholds()
	if len(thresholds) == 0 {
		return Tier{}, fmt.Errorf("%w: no tier thresholds configured", ErrConfiguration)
	}

	sorted := make([]TierThreshold, len(thresholds))
	copy(sorted, thresholds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinPoints < sorted[j].MinPoints })

	if sorted[0].MinPoints != 0 {
		return Tier{}, fmt.Errorf("%w: lowest tier %q must start at 0 points", ErrConfiguration, sorted[0].Name)
	}

	best := sorted[0]
	for _, t := range sorted[1:] {
		if t.MinPoints > spendable {
			break
		}
		best = t
	}
	return Tier{Name: best.Name, DiscountPercent: best.DiscountPercent}, nil
}
