/*
handlers.go - HTTP API handlers for the donor loyalty engine

PURPOSE:
  Exposes the ledger, redemption saga, voucher lifecycle, and audit
  reconciler via REST. Handles HTTP request/response and JSON; all
  consistency logic lives in the points and redemption packages.

ENDPOINTS:
  Donors:
    POST /api/donors/{id}/earn          Pay out points for a donation
    POST /api/donors/{id}/reverse       Reverse an earning event
    POST /api/donors/{id}/redeem        Redeem a reward, returns voucher
    GET  /api/donors/{id}/balance       Balance + current tier
    GET  /api/donors/{id}/transactions  Ledger history
    GET  /api/donors/{id}/vouchers      Voucher history

  Vouchers:
    POST /api/vouchers/verify           Merchant scan (code or QR token)
    POST /api/vouchers/{id}/cancel      Admin cancel + refund

  Catalog:
    GET  /api/rewards                   List catalog entries

  Admin:
    POST /api/admin/sweep               Expire-and-refund + purge
    GET  /api/admin/audit               Balance drift report
    POST /api/admin/audit/fix           Repair one donor's drift
    GET  /api/admin/corrections         Applied fix journal
    POST /api/admin/config/reload       Force a config reload

ERROR HANDLING:
  Errors map to JSON with status:
  - 400: invalid input
  - 402: insufficient points
  - 404: donor/voucher/reward not found
  - 409: voucher already terminal, lost race
  - 410: voucher expired
  - 500: ledger write / configuration failures
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/config"
	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *points.Ledger
	Tiers     *points.TierEngine
	Auditor   *points.Auditor
	Saga      *redemption.Saga
	Lifecycle *redemption.Lifecycle
	Catalog   redemption.Catalog
	QRCodec   *redemption.TokenCodec
	Config    *config.Provider
	Log       *zap.Logger
}

// =============================================================================
// DONOR HANDLERS
// =============================================================================

// Earn pays out points for a verified donation. Idempotent on donation_id.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	donorID := points.DonorID(chi.URLParam(r, "id"))

	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}

	if err := h.Ledger.Earn(r.Context(), donorID, req.Amount, req.Description, req.DonationID); err != nil {
		h.writeDomainError(w, "Failed to award points", err)
		return
	}
	h.writeBalance(w, r, donorID, http.StatusOK)
}

// Reverse undoes a prior earning event (donation deleted upstream).
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	donorID := points.DonorID(chi.URLParam(r, "id"))

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}

	if err := h.Ledger.ReverseEarning(r.Context(), donorID, req.Amount, req.Description); err != nil {
		h.writeDomainError(w, "Failed to reverse earning", err)
		return
	}
	h.writeBalance(w, r, donorID, http.StatusOK)
}

// Redeem runs the redemption saga and returns the issued voucher.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	donorID := points.DonorID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RewardID == "" {
		writeError(w, http.StatusBadRequest, "reward_id is required", nil)
		return
	}

	voucher, err := h.Saga.Redeem(r.Context(), donorID, req.RewardID)
	if err != nil {
		h.writeDomainError(w, "Redemption failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, voucherDTO(voucher))
}

// GetBalance returns the donor's balance and current tier.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, points.DonorID(chi.URLParam(r, "id")), http.StatusOK)
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, donorID points.DonorID, status int) {
	balance, err := h.Ledger.Balance(r.Context(), donorID)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	tier, err := h.Tiers.TierFor(balance.SpendablePoints)
	if err != nil {
		h.writeDomainError(w, "Failed to derive tier", err)
		return
	}
	writeJSON(w, status, balanceDTO(balance, tier))
}

// GetTransactions returns the donor's ledger history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	donorID := points.DonorID(chi.URLParam(r, "id"))
	txs, err := h.Ledger.History(r.Context(), donorID)
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVouchers returns the donor's vouchers, newest first.
func (h *Handler) GetVouchers(w http.ResponseWriter, r *http.Request) {
	donorID := points.DonorID(chi.URLParam(r, "id"))
	vouchers, err := h.Lifecycle.VouchersFor(r.Context(), donorID)
	if err != nil {
		h.writeDomainError(w, "Failed to get vouchers", err)
		return
	}
	dtos := make([]VoucherDTO, len(vouchers))
	for i, v := range vouchers {
		dtos[i] = voucherDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// VOUCHER HANDLERS
// =============================================================================

// Verify handles the merchant-facing scan. Accepts either the raw voucher
// code or the signed QR token (?token=).
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	code := ""
	if token := r.URL.Query().Get("token"); token != "" {
		c, err := h.QRCodec.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid QR token", err)
			return
		}
		code = c
	} else {
		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		code = req.Code
	}

	result, err := h.Lifecycle.Verify(r.Context(), code)
	if err != nil {
		h.writeDomainError(w, "Verification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponseDTO{
		Voucher:         voucherDTO(result.Voucher),
		Tier:            tierDTO(result.Tier),
		AlreadyVerified: result.AlreadyVerified,
	})
}

// Cancel voids a pending voucher and refunds its points. Admin-only.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := redemption.VoucherID(chi.URLParam(r, "id"))
	if err := h.Lifecycle.Cancel(r.Context(), id); err != nil {
		h.writeDomainError(w, "Cancellation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListRewards returns the reward catalog.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Catalog.ListRewards(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list rewards", err)
		return
	}
	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = rewardDTO(rw)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Sweep runs the expire-and-refund sweep plus the retention purge.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Lifecycle.SweepExpired(r.Context())
	if err != nil {
		h.writeDomainError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Refunded: report.Refunded, Purged: report.Purged})
}

// Audit returns the drift report, worst drift first.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	discrepancies, err := h.Auditor.Audit(r.Context())
	if err != nil {
		h.writeDomainError(w, "Audit failed", err)
		return
	}
	dtos := make([]DiscrepancyDTO, len(discrepancies))
	for i, d := range discrepancies {
		dtos[i] = discrepancyDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Fix repairs one donor's drift. The discrepancy is recomputed server-side
// rather than trusting client-supplied balances; a lost race is retried
// once against fresh numbers.
func (h *Handler) Fix(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DonorID == "" {
		writeError(w, http.StatusBadRequest, "donor_id is required", nil)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		d, found, err := h.findDiscrepancy(r, points.DonorID(req.DonorID))
		if err != nil {
			h.writeDomainError(w, "Audit failed", err)
			return
		}
		if !found {
			writeJSON(w, http.StatusOK, map[string]string{"status": "no discrepancy"})
			return
		}
		err = h.Auditor.Fix(r.Context(), d)
		if err == nil {
			writeJSON(w, http.StatusOK, discrepancyDTO(d))
			return
		}
		if !errors.Is(err, points.ErrRaceLost) {
			h.writeDomainError(w, "Fix failed", err)
			return
		}
	}
	writeError(w, http.StatusConflict, "Fix lost race twice, retry later", points.ErrRaceLost)
}

func (h *Handler) findDiscrepancy(r *http.Request, donorID points.DonorID) (points.Discrepancy, bool, error) {
	discrepancies, err := h.Auditor.Audit(r.Context())
	if err != nil {
		return points.Discrepancy{}, false, err
	}
	for _, d := range discrepancies {
		if d.DonorID == donorID {
			return d, true, nil
		}
	}
	return points.Discrepancy{}, false, nil
}

// Corrections returns the journal of applied audit fixes.
func (h *Handler) Corrections(w http.ResponseWriter, r *http.Request) {
	corrections, err := h.Auditor.Corrections(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list corrections", err)
		return
	}
	dtos := make([]CorrectionDTO, len(corrections))
	for i, c := range corrections {
		dtos[i] = correctionDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReloadConfig forces an immediate config reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.Config.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "Config reload failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeDomainError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, points.ErrInsufficientPoints):
		status = http.StatusPaymentRequired
	case errors.Is(err, points.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, points.ErrAlreadyTerminal), errors.Is(err, points.ErrRaceLost):
		status = http.StatusConflict
	case errors.Is(err, redemption.ErrExpired):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		h.Log.Error(msg, zap.Error(err))
	}
	writeError(w, status, msg, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}
