/*
Package redemption orchestrates reward redemption and the voucher lifecycle.

PURPOSE:
  Redeeming a reward is a multi-step operation against stores that only
  guarantee single-row atomicity, so it runs as a saga: each step has a
  defined compensation that undoes it if a later step fails. Issued
  vouchers then move through a small state machine (verify, cancel,
  expire) driven by the Lifecycle manager.

VOUCHER STATE MACHINE:
  pending -> verified   (merchant scan)
  pending -> cancelled  (admin cancel, refunds points)
  pending -> expired    (scheduled sweep, refunds points)
  verified, cancelled, expired are terminal. Only pending transitions.

REFUND INVARIANT:
  A voucher's PointsSpent is reflected by exactly one redeemed transaction
  while pending/verified, and exactly one compensating adjusted transaction
  if the voucher is cancelled or expires. Cancel and sweep racing on the
  same voucher are resolved by the conditional status transition: whoever
  wins the transition performs the refund, the loser does nothing.

SEE ALSO:
  - saga.go: Redeem flow with compensations
  - lifecycle.go: Verify / Cancel / SweepExpired
  - code.go: Voucher code generation (Luhn check digit)
  - qrtoken.go: Signed QR verification payload
*/
package redemption

import (
	"context"
	"errors"
	"time"

	"github.com/hemolink/loyalty-engine/points"
)

// =============================================================================
// VOUCHER
// =============================================================================

type VoucherID string

type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool { return s != StatusPending }

// Voucher is one redemption instance.
type Voucher struct {
	ID          VoucherID
	DonorID     points.DonorID
	RewardID    string
	PointsSpent int64
	Code        string // globally unique, human-shareable, Luhn check digit
	QRPayload   string // signed verification URL for the QR renderer
	Status      Status
	ExpiresAt   time.Time
	VerifiedAt  *time.Time
	CreatedAt   time.Time
}

// ErrExpired is returned when verifying a voucher past its expiry, or one
// the sweep already expired. The points come back via the refund sweep,
// never via verification.
var ErrExpired = errors.New("voucher expired")

// =============================================================================
// REWARD CATALOG - External collaborator, lookup only
// =============================================================================

// Reward is a catalog entry as seen by the redemption flow. Catalog
// management is out of scope; the engine only reads.
type Reward struct {
	ID             string
	Title          string
	PartnerName    string
	PointsRequired int64
	Active         bool
}

type Catalog interface {
	// Reward returns the catalog entry, or points.ErrNotFound.
	Reward(ctx context.Context, rewardID string) (Reward, error)

	// ListRewards returns all catalog entries.
	ListRewards(ctx context.Context) ([]Reward, error)
}

// =============================================================================
// VOUCHER STORE - Single-row atomicity only
// =============================================================================

type VoucherStore interface {
	// InsertVoucher persists a new voucher. Returns points.ErrDuplicateCode
	// when the voucher code already exists; the caller must regenerate the
	// code, never reuse the colliding one.
	InsertVoucher(ctx context.Context, v Voucher) error

	// GetVoucher returns the voucher by id, or points.ErrNotFound.
	GetVoucher(ctx context.Context, id VoucherID) (Voucher, error)

	// GetVoucherByCode returns the voucher by code, or points.ErrNotFound.
	GetVoucherByCode(ctx context.Context, code string) (Voucher, error)

	// Transition conditionally moves the voucher from one status to another
	// in a single-row update ("update where status = from"). Returns
	// points.ErrNotFound if the id is unknown, points.ErrAlreadyTerminal if
	// the voucher was not in the expected from status. verifiedAt is
	// recorded when non-nil.
	Transition(ctx context.Context, id VoucherID, from, to Status, verifiedAt *time.Time) error

	// DeleteVoucher removes a voucher row. Only the saga's compensation
	// path uses this, on the pending voucher it just created.
	DeleteVoucher(ctx context.Context, id VoucherID) error

	// ListExpiredPending returns pending vouchers with ExpiresAt before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]Voucher, error)

	// PurgeTerminalBefore deletes vouchers in a terminal state created
	// before the cutoff and returns how many were removed. Pending vouchers
	// are never touched.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// ListVouchersByDonor returns the donor's vouchers, newest first.
	ListVouchersByDonor(ctx context.Context, donorID points.DonorID) ([]Voucher, error)
}

// =============================================================================
// SETTINGS - Read-only, hot-reloadable configuration
// =============================================================================

// Settings supplies the redemption timing knobs. The config package
// implements this with hot reload.
type Settings interface {
	// VoucherExpiry is how long an issued voucher stays redeemable.
	VoucherExpiry() time.Duration

	// VoucherRetention is how long terminal vouchers are kept before the
	// sweep purges them.
	VoucherRetention() time.Duration
}

// StaticSettings is a fixed Settings implementation for tests.
type StaticSettings struct {
	Expiry    time.Duration
	Retention time.Duration
}

func (s StaticSettings) VoucherExpiry() time.Duration    { return s.Expiry }
func (s StaticSettings) VoucherRetention() time.Duration { return s.Retention }
