/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes exposed over the wire, kept separate from the domain types
  so the engine's structs can evolve without breaking API clients.
*/
package api

import (
	"time"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
)

// =============================================================================
// REQUESTS
// =============================================================================

type EarnRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	DonationID  string `json:"donation_id"`
}

type ReverseRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type RedeemRequest struct {
	RewardID string `json:"reward_id"`
}

type VerifyRequest struct {
	Code string `json:"code"`
}

type FixRequest struct {
	DonorID string `json:"donor_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	DonorID         string  `json:"donor_id"`
	SpendablePoints int64   `json:"spendable_points"`
	LifetimePoints  int64   `json:"lifetime_points"`
	Tier            TierDTO `json:"tier"`
	UpdatedAt       string  `json:"updated_at"`
}

type TierDTO struct {
	Name            string `json:"name"`
	DiscountPercent string `json:"discount_percent"`
}

type TransactionDTO struct {
	ID                  string `json:"id"`
	DonorID             string `json:"donor_id"`
	Points              int64  `json:"points"`
	Type                string `json:"type"`
	Description         string `json:"description,omitempty"`
	RelatedDonationID   string `json:"related_donation_id,omitempty"`
	RelatedRedemptionID string `json:"related_redemption_id,omitempty"`
	CreatedAt           string `json:"created_at"`
}

type VoucherDTO struct {
	ID          string `json:"id"`
	DonorID     string `json:"donor_id"`
	RewardID    string `json:"reward_id"`
	PointsSpent int64  `json:"points_spent"`
	Code        string `json:"code"`
	QRPayload   string `json:"qr_payload"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expires_at"`
	VerifiedAt  string `json:"verified_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type VerifyResponseDTO struct {
	Voucher         VoucherDTO `json:"voucher"`
	Tier            TierDTO    `json:"tier"`
	AlreadyVerified bool       `json:"already_verified"`
}

type RewardDTO struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	PartnerName    string `json:"partner_name"`
	PointsRequired int64  `json:"points_required"`
	Active         bool   `json:"active"`
}

type DiscrepancyDTO struct {
	DonorID           string `json:"donor_id"`
	RecordedBalance   int64  `json:"recorded_balance"`
	CalculatedBalance int64  `json:"calculated_balance"`
	Delta             int64  `json:"delta"`
	TotalEarned       int64  `json:"total_earned"`
	TotalSpent        int64  `json:"total_spent"`
}

type CorrectionDTO struct {
	ID              string `json:"id"`
	DonorID         string `json:"donor_id"`
	PreviousBalance int64  `json:"previous_balance"`
	CorrectedTo     int64  `json:"corrected_to"`
	Delta           int64  `json:"delta"`
	Description     string `json:"description"`
	CreatedAt       string `json:"created_at"`
}

type SweepDTO struct {
	Refunded int `json:"refunded"`
	Purged   int `json:"purged"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func tierDTO(t points.Tier) TierDTO {
	return TierDTO{Name: t.Name, DiscountPercent: t.DiscountPercent.String()}
}

func balanceDTO(b points.DonorBalance, t points.Tier) BalanceDTO {
	return BalanceDTO{
		DonorID:         string(b.DonorID),
		SpendablePoints: b.SpendablePoints,
		LifetimePoints:  b.LifetimePoints,
		Tier:            tierDTO(t),
		UpdatedAt:       b.UpdatedAt.Format(time.RFC3339),
	}
}

func transactionDTO(tx points.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                  string(tx.ID),
		DonorID:             string(tx.DonorID),
		Points:              tx.Points,
		Type:                string(tx.Type),
		Description:         tx.Description,
		RelatedDonationID:   tx.RelatedDonationID,
		RelatedRedemptionID: tx.RelatedRedemptionID,
		CreatedAt:           tx.CreatedAt.Format(time.RFC3339),
	}
}

func voucherDTO(v redemption.Voucher) VoucherDTO {
	dto := VoucherDTO{
		ID:          string(v.ID),
		DonorID:     string(v.DonorID),
		RewardID:    v.RewardID,
		PointsSpent: v.PointsSpent,
		Code:        v.Code,
		QRPayload:   v.QRPayload,
		Status:      string(v.Status),
		ExpiresAt:   v.ExpiresAt.Format(time.RFC3339),
		CreatedAt:   v.CreatedAt.Format(time.RFC3339),
	}
	if v.VerifiedAt != nil {
		dto.VerifiedAt = v.VerifiedAt.Format(time.RFC3339)
	}
	return dto
}

func rewardDTO(r redemption.Reward) RewardDTO {
	return RewardDTO{
		ID:             r.ID,
		Title:          r.Title,
		PartnerName:    r.PartnerName,
		PointsRequired: r.PointsRequired,
		Active:         r.Active,
	}
}

func discrepancyDTO(d points.Discrepancy) DiscrepancyDTO {
	return DiscrepancyDTO{
		DonorID:           string(d.DonorID),
		RecordedBalance:   d.RecordedBalance,
		CalculatedBalance: d.CalculatedBalance,
		Delta:             d.Delta,
		TotalEarned:       d.TotalEarned,
		TotalSpent:        d.TotalSpent,
	}
}

func correctionDTO(c points.Correction) CorrectionDTO {
	return CorrectionDTO{
		ID:              c.ID,
		DonorID:         string(c.DonorID),
		PreviousBalance: c.PreviousBalance,
		CorrectedTo:     c.CorrectedTo,
		Delta:           c.Delta,
		Description:     c.Description,
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
	}
}
