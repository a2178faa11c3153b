/*
Package memory provides an in-memory implementation of every storage
interface (balances, transactions, corrections, vouchers, catalog).

PURPOSE:
  Used by tests and local development. It honors the same contract as the
  SQL stores: each method is a single atomic row operation, conditional
  updates check their predicate and mutate under one lock acquisition, and
  the transaction log is append-only.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
)

// Store implements all storage interfaces in memory.
type Store struct {
	mu          sync.RWMutex
	balances    map[points.DonorID]points.DonorBalance
	txs         []points.Transaction
	donations   map[string]bool // related donation ids already paid out
	corrections []points.Correction
	vouchers    map[redemption.VoucherID]redemption.Voucher
	byCode      map[string]redemption.VoucherID
	rewards     map[string]redemption.Reward
}

func New() *Store {
	return &Store{
		balances:  make(map[points.DonorID]points.DonorBalance),
		donations: make(map[string]bool),
		vouchers:  make(map[redemption.VoucherID]redemption.Voucher),
		byCode:    make(map[string]redemption.VoucherID),
		rewards:   make(map[string]redemption.Reward),
	}
}

// Interface conformance.
var (
	_ points.BalanceStore     = (*Store)(nil)
	_ points.TransactionStore = (*Store)(nil)
	_ points.CorrectionStore  = (*Store)(nil)
	_ redemption.VoucherStore = (*Store)(nil)
	_ redemption.Catalog      = (*Store)(nil)
)

// =============================================================================
// BALANCE STORE
// =============================================================================

func (s *Store) GetBalance(_ context.Context, donorID points.DonorID) (points.DonorBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[donorID]
	if !ok {
		return points.DonorBalance{}, points.ErrNotFound
	}
	return b, nil
}

func (s *Store) EnsureBalance(_ context.Context, donorID points.DonorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[donorID]; !ok {
		s.balances[donorID] = points.DonorBalance{DonorID: donorID, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (s *Store) Credit(_ context.Context, donorID points.DonorID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[donorID]
	if !ok {
		return points.ErrNotFound
	}
	b.SpendablePoints += amount
	b.LifetimePoints += amount
	b.UpdatedAt = time.Now().UTC()
	s.balances[donorID] = b
	return nil
}

func (s *Store) ChargeSpendable(_ context.Context, donorID points.DonorID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[donorID]
	if !ok {
		return points.ErrNotFound
	}
	if b.SpendablePoints < amount {
		return points.ErrInsufficientPoints
	}
	b.SpendablePoints -= amount
	b.UpdatedAt = time.Now().UTC()
	s.balances[donorID] = b
	return nil
}

func (s *Store) RefundSpendable(_ context.Context, donorID points.DonorID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[donorID]
	if !ok {
		return points.ErrNotFound
	}
	b.SpendablePoints += amount
	b.UpdatedAt = time.Now().UTC()
	s.balances[donorID] = b
	return nil
}

func (s *Store) DeductFloored(_ context.Context, donorID points.DonorID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[donorID]
	if !ok {
		return points.ErrNotFound
	}
	b.SpendablePoints = max64(b.SpendablePoints-amount, 0)
	b.LifetimePoints = max64(b.LifetimePoints-amount, 0)
	b.UpdatedAt = time.Now().UTC()
	s.balances[donorID] = b
	return nil
}

func (s *Store) SetSpendable(_ context.Context, donorID points.DonorID, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[donorID]
	if !ok {
		return points.ErrNotFound
	}
	if b.SpendablePoints != from {
		return points.ErrRaceLost
	}
	b.SpendablePoints = to
	b.UpdatedAt = time.Now().UTC()
	s.balances[donorID] = b
	return nil
}

func (s *Store) ListBalances(_ context.Context) ([]points.DonorBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]points.DonorBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DonorID < out[j].DonorID })
	return out, nil
}

// =============================================================================
// TRANSACTION STORE (append-only)
// =============================================================================

func (s *Store) Append(_ context.Context, tx points.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.Type == points.TxEarned && tx.RelatedDonationID != "" {
		if s.donations[tx.RelatedDonationID] {
			return points.ErrDuplicateDonation
		}
		s.donations[tx.RelatedDonationID] = true
	}
	s.txs = append(s.txs, tx)
	return nil
}

func (s *Store) DonationExists(_ context.Context, relatedDonationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.donations[relatedDonationID], nil
}

func (s *Store) ListByDonor(_ context.Context, donorID points.DonorID) ([]points.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []points.Transaction
	for _, tx := range s.txs {
		if tx.DonorID == donorID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Store) ListDonors(_ context.Context) ([]points.DonorID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[points.DonorID]bool)
	var out []points.DonorID
	for _, tx := range s.txs {
		if !seen[tx.DonorID] {
			seen[tx.DonorID] = true
			out = append(out, tx.DonorID)
		}
	}
	return out, nil
}

// =============================================================================
// CORRECTION STORE (append-only)
// =============================================================================

func (s *Store) AppendCorrection(_ context.Context, c points.Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections = append(s.corrections, c)
	return nil
}

func (s *Store) ListCorrections(_ context.Context) ([]points.Correction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]points.Correction, len(s.corrections))
	copy(out, s.corrections)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// VOUCHER STORE
// =============================================================================

func (s *Store) InsertVoucher(_ context.Context, v redemption.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[v.Code]; ok {
		return points.ErrDuplicateCode
	}
	s.vouchers[v.ID] = v
	s.byCode[v.Code] = v.ID
	return nil
}

func (s *Store) GetVoucher(_ context.Context, id redemption.VoucherID) (redemption.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vouchers[id]
	if !ok {
		return redemption.Voucher{}, points.ErrNotFound
	}
	return v, nil
}

func (s *Store) GetVoucherByCode(_ context.Context, code string) (redemption.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return redemption.Voucher{}, points.ErrNotFound
	}
	return s.vouchers[id], nil
}

func (s *Store) Transition(_ context.Context, id redemption.VoucherID, from, to redemption.Status, verifiedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[id]
	if !ok {
		return points.ErrNotFound
	}
	if v.Status != from {
		return points.ErrAlreadyTerminal
	}
	v.Status = to
	if verifiedAt != nil {
		t := *verifiedAt
		v.VerifiedAt = &t
	}
	s.vouchers[id] = v
	return nil
}

func (s *Store) DeleteVoucher(_ context.Context, id redemption.VoucherID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[id]
	if !ok {
		return points.ErrNotFound
	}
	delete(s.byCode, v.Code)
	delete(s.vouchers, id)
	return nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time) ([]redemption.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []redemption.Voucher
	for _, v := range s.vouchers {
		if v.Status == redemption.StatusPending && now.After(v.ExpiresAt) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *Store) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, v := range s.vouchers {
		if v.Status.Terminal() && v.CreatedAt.Before(cutoff) {
			delete(s.byCode, v.Code)
			delete(s.vouchers, id)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) ListVouchersByDonor(_ context.Context, donorID points.DonorID) ([]redemption.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []redemption.Voucher
	for _, v := range s.vouchers {
		if v.DonorID == donorID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) Reward(_ context.Context, rewardID string) (redemption.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rewards[rewardID]
	if !ok {
		return redemption.Reward{}, points.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRewards(_ context.Context) ([]redemption.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]redemption.Reward, 0, len(s.rewards))
	for _, r := range s.rewards {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveReward upserts a catalog entry. Catalog management is external to
// the engine; this exists so tests and seeds can populate rewards.
func (s *Store) SaveReward(_ context.Context, r redemption.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards[r.ID] = r
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
