/*
Package postgres provides a PostgreSQL-backed implementation of the
storage interfaces, mirroring store/sqlite.

PURPOSE:
  Same contract as the SQLite store: single-row conditional updates for
  every balance mutation and voucher transition, append-only ledger and
  correction tables, unique indexes backstopping the idempotency guards.
  Uses the pgx driver through database/sql.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
)

// Store implements all storage interfaces using PostgreSQL.
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

// New connects to PostgreSQL with the given DSN and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
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

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS donor_balances (
		donor_id TEXT PRIMARY KEY,
		spendable_points BIGINT NOT NULL DEFAULT 0,
		lifetime_points BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		points BIGINT NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		related_donation_id TEXT,
		related_redemption_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_donor
		ON transactions(donor_id, created_at);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_donation
		ON transactions(related_donation_id)
		WHERE tx_type = 'earned' AND related_donation_id != '';

	CREATE TABLE IF NOT EXISTS corrections (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		previous_balance BIGINT NOT NULL,
		corrected_to BIGINT NOT NULL,
		delta BIGINT NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vouchers (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		points_spent BIGINT NOT NULL,
		code TEXT NOT NULL,
		qr_payload TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		verified_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_vouchers_code ON vouchers(code);
	CREATE INDEX IF NOT EXISTS idx_vouchers_donor ON vouchers(donor_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_vouchers_status_expiry ON vouchers(status, expires_at);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		partner_name TEXT,
		points_required BIGINT NOT NULL,
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
		 FROM donor_balances WHERE donor_id = $1`, string(donorID)).
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
		`INSERT INTO donor_balances (donor_id, spendable_points, lifetime_points, updated_at)
		 VALUES ($1, 0, 0, $2)
		 ON CONFLICT (donor_id) DO NOTHING`, string(donorID), time.Now().UTC())
	return err
}

func (s *Store) Credit(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = spendable_points + $1,
		     lifetime_points = lifetime_points + $1,
		     updated_at = $2
		 WHERE donor_id = $3`, amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) ChargeSpendable(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = spendable_points - $1, updated_at = $2
		 WHERE donor_id = $3 AND spendable_points >= $1`,
		amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return matched(res, func() error {
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
		 SET spendable_points = spendable_points + $1, updated_at = $2
		 WHERE donor_id = $3`, amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) DeductFloored(ctx context.Context, donorID points.DonorID, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = GREATEST(spendable_points - $1, 0),
		     lifetime_points = GREATEST(lifetime_points - $1, 0),
		     updated_at = $2
		 WHERE donor_id = $3`, amount, time.Now().UTC(), string(donorID))
	if err != nil {
		return err
	}
	return matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) SetSpendable(ctx context.Context, donorID points.DonorID, from, to int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donor_balances
		 SET spendable_points = $1, updated_at = $2
		 WHERE donor_id = $3 AND spendable_points = $4`,
		to, time.Now().UTC(), string(donorID), from)
	if err != nil {
		return err
	}
	return matched(res, func() error {
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
		`SELECT 1 FROM donor_balances WHERE donor_id = $1`, string(donorID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// =============================================================================
// TRANSACTION STORE (append-only)
// =============================================================================

func (s *Store) Append(ctx context.Context, tx points.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, donor_id, points, tx_type, description, related_donation_id, related_redemption_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(tx.ID), string(tx.DonorID), tx.Points, string(tx.Type),
		tx.Description, tx.RelatedDonationID, tx.RelatedRedemptionID, tx.CreatedAt)
	if isUniqueViolation(err, "idx_transactions_donation") {
		return points.ErrDuplicateDonation
	}
	return err
}

func (s *Store) DonationExists(ctx context.Context, relatedDonationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM transactions
		 WHERE tx_type = 'earned' AND related_donation_id = $1`, relatedDonationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListByDonor(ctx context.Context, donorID points.DonorID) ([]points.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, points, tx_type, description, related_donation_id, related_redemption_id, created_at
		 FROM transactions WHERE donor_id = $1 ORDER BY created_at, id`, string(donorID))
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(v.ID), string(v.DonorID), v.RewardID, v.PointsSpent, v.Code, v.QRPayload,
		string(v.Status), v.ExpiresAt, nullTime(v.VerifiedAt), v.CreatedAt)
	if isUniqueViolation(err, "idx_vouchers_code") {
		return points.ErrDuplicateCode
	}
	return err
}

func (s *Store) GetVoucher(ctx context.Context, id redemption.VoucherID) (redemption.Voucher, error) {
	return scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE id = $1`, string(id)))
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (redemption.Voucher, error) {
	return scanVoucher(s.db.QueryRowContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE code = $1`, code))
}

func (s *Store) Transition(ctx context.Context, id redemption.VoucherID, from, to redemption.Status, verifiedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vouchers
		 SET status = $1, verified_at = COALESCE($2, verified_at)
		 WHERE id = $3 AND status = $4`,
		string(to), nullTime(verifiedAt), string(id), string(from))
	if err != nil {
		return err
	}
	return matched(res, func() error {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vouchers WHERE id = $1`, string(id)).Scan(&one)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	return matched(res, func() error { return points.ErrNotFound })
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]redemption.Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVouchers(rows)
}

func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vouchers
		 WHERE status IN ('verified', 'cancelled', 'expired') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListVouchersByDonor(ctx context.Context, donorID points.DonorID) ([]redemption.Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, donor_id, reward_id, points_spent, code, qr_payload, status, expires_at, verified_at, created_at
		 FROM vouchers WHERE donor_id = $1 ORDER BY created_at DESC`, string(donorID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVouchers(rows)
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) Reward(ctx context.Context, rewardID string) (redemption.Reward, error) {
	var r redemption.Reward
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, partner_name, points_required, active FROM rewards WHERE id = $1`, rewardID).
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

// SaveReward upserts a catalog entry for seeding and admin tooling.
func (s *Store) SaveReward(ctx context.Context, r redemption.Reward) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rewards (id, title, partner_name, points_required, active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   partner_name = EXCLUDED.partner_name,
		   points_required = EXCLUDED.points_required,
		   active = EXCLUDED.active`,
		r.ID, r.Title, r.PartnerName, r.PointsRequired, r.Active)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func matched(res sql.Result, onMiss func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onMiss()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row rowScanner) (redemption.Voucher, error) {
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

func collectVouchers(rows *sql.Rows) ([]redemption.Voucher, error) {
	var out []redemption.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}
