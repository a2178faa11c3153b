/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface (balances, transactions,
  corrections, vouchers, catalog) on SQLite. The same SQL shapes apply to
  PostgreSQL (see store/postgres) - only dialect differences.

SINGLE-ROW ATOMICITY:
  The engine assumes the store offers single-row read, single-row
  conditional update, and insert - never a multi-row transaction across
  the balance, ledger, and voucher tables. Every balance mutation here is
  one conditional UPDATE whose WHERE clause carries the predicate
  ("spendable_points >= N", "status = 'pending'", "spendable_points = X"),
  so racing operations lose cleanly instead of losing updates.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch the transactions or corrections
  tables. A partial unique index on related_donation_id backstops the
  earn idempotency guard; the unique voucher code index backstops code
  generation.

WAL MODE:
  SQLite is opened with WAL for better read concurrency and crash
  recovery.

SEE ALSO:
  - points/store.go: Interface definitions and contracts
  - store/postgres: PostgreSQL implementation
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// Interface conformance.
var (
	_ points.BalanceStore     = (*Store)(nil)
	_ points.TransactionStore = (*Store)(nil)
	_ points.CorrectionStore  = (*Store)(nil)
	_ redemption.VoucherStore = (*Store)(nil)
	_ redemption.Catalog      = (*Store)(nil)
)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Materialized balance cache, one row per donor
	CREATE TABLE IF NOT EXISTS donor_balances (
		donor_id TEXT PRIMARY KEY,
		spendable_points INTEGER NOT NULL DEFAULT 0,
		lifetime_points INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	-- Append-only points ledger (no UPDATE, no DELETE, ever)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		related_donation_id TEXT,
		related_redemption_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_donor
		ON transactions(donor_id, created_at);

	-- A donation is paid out at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_donation
		ON transactions(related_donation_id)
		WHERE tx_type = 'earned' AND related_donation_id != '';

	CREATE INDEX IF NOT EXISTS idx_transactions_redemption
		ON transactions(related_redemption_id)
		WHERE related_redemption_id != '';

	-- Audit fix journal (append-only)
	CREATE TABLE IF NOT EXISTS corrections (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		previous_balance INTEGER NOT NULL,
		corrected_to INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		description TEXT,
		created_at TIMESTAMP NOT NULL
	);

	-- Vouchers
	CREATE TABLE IF NOT EXISTS vouchers (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		points_spent INTEGER NOT NULL,
		code TEXT NOT NULL UNIQUE,
		qr_payload TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		verified_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_vouchers_donor ON vouchers(donor_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_vouchers_status_expiry ON vouchers(status, expires_at);

	-- Reward catalog (managed externally, read by the engine)
	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		partner_name TEXT,
		points_required INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, donorID points.DonorID) (points.DonorBalance, error) {
	var b points.DonorBalance
	err := s.db.QueryRowContext(ctx,
		`SELECT donor_id, spendable_points, lifetime_points, updated_at
		 FROM donor_balances WHERE donor_id = ?`, string(donorID)).
		Scan(&b.DonorID, &b.SpendablePoints, &b.LifetimePoints, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return points.DonorBalance{}, points.ErrNotFound
	}
	if err != nil {
		return points.DonorBalance{}, err
	}
	return b, nil
}

func (s *Store) EnsureBalance(ctx context.Context, donorID points.DonorID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO donor_balances (donor_id, spendable_points, lifetime_points, updated_at)
		 VALUES (?, 0, 0, ?)`, string(donorID), time.Now().UTC())
	return err
}

func (s *Store) Credit(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = spendable_points + ?,
		     lifetime_points = lifetime_points + ?,
		     updated_at = ?
		 WHERE donor_id = ?`, amount, amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return s.matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) ChargeSpendable(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = spendable_points - ?, updated_at = ?
		 WHERE donor_id = ? AND spendable_points >= ?`,
		amount, time.Now().UTC(), string(donorID), amount)
	if err != nil {
		return err
	}
	return s.matched(res, func() error {
		if exists, err := s.balanceExists(ctx, donorID); err != nil {
			return err
		} else if !exists {
			return points.ErrNotFound
		}
		return points.ErrInsufficientPoints
	})
}

func (s *Store) RefundSpendable(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = spendable_points + ?, updated_at = ?
		 WHERE donor_id = ?`, amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return s.matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) DeductFloored(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = MAX(spendable_points - ?, 0),
		     lifetime_points = MAX(lifetime_points - ?, 0),
		     updated_at = ?
		 WHERE donor_id = ?`, amount, amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return s.matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) SetSpendable(ctx context.Context, donorID points.DonorID, from, to int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = ?, updated_at = ?
		 WHERE donor_id = ? AND spendable_points = ?`,
		to, time.Now().UTC(), string(donorID), from)
	if err != nil {
		return err
	}
	return s.matched(res, func() error {
		if exists, err := s.balanceExists(ctx, donorID); err != nil {
			return err
		} else if !exists {
			return points.ErrNotFound
		}
		return points.ErrRaceLost
	})
}

func (s *Store) ListBalances(ctx context.Context) ([]points.DonorBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT donor_id, spendable_points, lifetime_points, updated_at
		 FROM donor_balances ORDER BY donor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.DonorBalance
	for rows.Next() {
		var b points.DonorBalance
		if err := rows.Scan(&b.DonorID, &b.SpendablePoints, &b.LifetimePoints, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) balanceExists(ctx context.Context, donorID points.DonorID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM donor_balances WHERE donor_id = ?`, string(donorID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) matched(res sql.Result, onMiss func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onMiss()
	}
	return nil
}

// =============================================================================
// TRANSACTION STORE (append-only)
// =============================================================================

func (s *Store) Append(ctx context.Context, tx points.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, donor_id, points, tx_type, description, related_donation_id, related_redemption_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.DonorID), tx.Points, string(tx.Type),
		tx.Description, tx.RelatedDonationID, tx.RelatedRedemptionID, tx.CreatedAt)
	if err != nil && isUniqueViolation(err, "related_donation_id") {
		return points.ErrDuplicateDonation
	}
	return err
}

func (s *Store) DonationExists(ctx context.Context, relatedDonationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM transactions
		 WHERE tx_type = 'earned' AND related_donation_id = ?`, relatedDonationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListByDonor(ctx context.Context, donorID points.DonorID) ([]points.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, points, tx_type, description, related_donation_id, related_redemption_id, created_at
		 FROM transactions WHERE donor_id = ? ORDER BY created_at, id`, string(donorID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.Transaction
	for rows.Next() {
		var tx points.Transaction
		if err := rows.Scan(&tx.ID, &tx.DonorID, &tx.Points, &tx.Type,
			&tx.Description, &tx.RelatedDonationID, &tx.RelatedRedemptionID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) ListDonors(ctx context.Context) ([]points.DonorID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT donor_id FROM transactions ORDER BY donor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.DonorID
	for rows.Next() {
		var d points.DonorID
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// CORRECTION STORE (append-only)
// =============================================================================

func (s *Store) AppendCorrection(ctx context.Context, c points.Correction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corrections (id, donor_id, previous_balance, corrected_to, delta, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.DonorID), c.PreviousBalance, c.CorrectedTo, c.Delta, c.Description, c.CreatedAt)
	return err
}

func (s *Store) ListCorrections(ctx context.Context) ([]points.Correction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, previous_balance, corrected_to, delta, description, created_at
		 FROM corrections ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.Correction
	for rows.Next() {
		var c points.Correction
		if err := rows.Scan(&c.ID, &c.DonorID, &c.PreviousBalance, &c.CorrectedTo,
			&c.Delta, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// VOUCHER STORE
// =============================================================================

func (s *Store) InsertVoucher(ctx context.Context, v redemption.Voucher) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vouchers
		 (id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(v.ID), string(v.DonorID), v.RewardID, v.PointsSpent, v.Code, v.QRPayload,
		string(v.Status), v.ExpiresAt, nullTime(v.VerifiedAt), v.CreatedAt)
	if err != nil && isUniqueViolation(err, "vouchers.code") {
		return points.ErrDuplicateCode
	}
	return err
}

func (s *Store) GetVoucher(ctx context.Context, id redemption.VoucherID) (redemption.Voucher, error) {
	return s.scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE id = ?`, string(id)))
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (redemption.Voucher, error) {
	return s.scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE code = ?`, code))
}

func (s *Store) Transition(ctx context.Context, id redemption.VoucherID, from, to redemption.Status, verifiedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vouchers
		 SET status = ?, verified_at = COALESCE(?, verified_at)
		 WHERE id = ? AND status = ?`,
		string(to), nullTime(verifiedAt), string(id), string(from))
	if err != nil {
		return err
	}
	return s.matched(res, func() error {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vouchers WHERE id = ?`, string(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return points.ErrNotFound
		}
		if err != nil {
			return err
		}
		return points.ErrAlreadyTerminal
	})
}

func (s *Store) DeleteVoucher(ctx context.Context, id redemption.VoucherID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	return s.matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]redemption.Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE status = 'pending' AND expires_at < ? ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectVouchers(rows)
}

func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vouchers
		 WHERE status IN ('verified', 'cancelled', 'expired') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListVouchersByDonor(ctx context.Context, donorID points.DonorID) ([]redemption.Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE donor_id = ? ORDER BY created_at DESC`, string(donorID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectVouchers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanVoucher(row rowScanner) (redemption.Voucher, error) {
	var v redemption.Voucher
	var verifiedAt sql.NullTime
	err := row.Scan(&v.ID, &v.DonorID, &v.RewardID, &v.PointsSpent, &v.Code,
		&v.QRPayload, &v.Status, &v.ExpiresAt, &verifiedAt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Voucher{}, points.ErrNotFound
	}
	if err != nil {
		return redemption.Voucher{}, err
	}
	if verifiedAt.Valid {
		v.VerifiedAt = &verifiedAt.Time
	}
	return v, nil
}

func (s *Store) collectVouchers(rows *sql.Rows) ([]redemption.Voucher, error) {
	var out []redemption.Voucher
	for rows.Next() {
		v, err := s.scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) Reward(ctx context.Context, rewardID string) (redemption.Reward, error) {
	var r redemption.Reward
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, partner_name, points_required, active FROM rewards WHERE id = ?`, rewardID).
		Scan(&r.ID, &r.Title, &r.PartnerName, &r.PointsRequired, &r.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Reward{}, points.ErrNotFound
	}
	if err != nil {
		return redemption.Reward{}, err
	}
	return r, nil
}

func (s *Store) ListRewards(ctx context.Context) ([]redemption.Reward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, partner_name, points_required, active FROM rewards ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []redemption.Reward
	for rows.Next() {
		var r redemption.Reward
		if err := rows.Scan(&r.ID, &r.Title, &r.PartnerName, &r.PointsRequired, &r.Active); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveReward upserts a catalog entry. Catalog management lives outside the
// engine; this exists for seeding and admin tooling.
func (s *Store) SaveReward(ctx context.Context, r redemption.Reward) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewards (id, title, partner_name, points_required, active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   partner_name = excluded.partner_name,
		   points_required = excluded.points_required,
		   active = excluded.active`,
		r.ID, r.Title, r.PartnerName, r.PointsRequired, r.Active)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error, needle string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), needle)
}
