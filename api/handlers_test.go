package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/api"
	"github.com/hemolink/loyalty-engine/config"
	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
	"github.com/hemolink/loyalty-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testConfigYAML = `
qr_expiry_hours: 72
voucher_retention_days: 7
qr_signing_secret: "test-secret"
base_url: "https://rewards.example.org"
tiers:
  - name: bronze
    min_points: 0
    discount_percent: "0"
  - name: silver
    min_points: 200
    discount_percent: "5"
`

type testEnv struct {
	server *httptest.Server
	store  *memory.Store
	codec  *redemption.TokenCodec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	cfgPath := filepath.Join(t.TempDir(), "loyalty.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigYAML), 0o644))
	provider, err := config.Load(cfgPath, log)
	require.NoError(t, err)

	store := memory.New()
	cfg := provider.Snapshot()
	codec := redemption.NewTokenCodec(cfg.QRSigningSecret, cfg.BaseURL)
	tiers := points.NewTierEngine(provider)

	h := &api.Handler{
		Ledger:    points.NewLedger(store, store, log, nil),
		Tiers:     tiers,
		Auditor:   points.NewAuditor(store, store, store, log, nil),
		Saga:      redemption.NewSaga(store, store, store, store, codec, provider, log, nil),
		Lifecycle: redemption.NewLifecycle(store, store, store, tiers, provider, log, nil),
		Catalog:   store,
		QRCodec:   codec,
		Config:    provider,
		Log:       log,
	}

	server := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: store, codec: codec}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) seedReward(t *testing.T, id string, cost int64) {
	t.Helper()
	require.NoError(t, e.store.SaveReward(context.Background(), redemption.Reward{
		ID: id, Title: "Cinema Ticket", PartnerName: "Grand Cinema",
		PointsRequired: cost, Active: true,
	}))
}

// =============================================================================
// DONOR ENDPOINT TESTS
// =============================================================================

func TestAPI_Earn_ReturnsBalanceWithTier(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{
		Amount: 250, Description: "whole blood donation", DonationID: "donation-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	balance := decode[api.BalanceDTO](t, resp)
	assert.Equal(t, int64(250), balance.SpendablePoints)
	assert.Equal(t, int64(250), balance.LifetimePoints)
	assert.Equal(t, "silver", balance.Tier.Name)
}

func TestAPI_Earn_DuplicateDonation_SameBalance(t *testing.T) {
	env := newTestEnv(t)
	body := api.EarnRequest{Amount: 100, DonationID: "donation-1"}

	resp := env.post(t, "/api/donors/donor-1/earn", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/donors/donor-1/earn", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[api.BalanceDTO](t, resp)
	assert.Equal(t, int64(100), balance.SpendablePoints, "retry must not double-credit")
}

func TestAPI_Earn_InvalidAmount_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: -5})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetBalance_UnknownDonor_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/donors/ghost/balance")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// REDEMPTION ENDPOINT TESTS
// =============================================================================

func TestAPI_Redeem_IssuesVoucher(t *testing.T) {
	env := newTestEnv(t)
	env.seedReward(t, "cinema", 150)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: 200, DonationID: "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/donors/donor-1/redeem", api.RedeemRequest{RewardID: "cinema"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	voucher := decode[api.VoucherDTO](t, resp)
	assert.Equal(t, "pending", voucher.Status)
	assert.Equal(t, int64(150), voucher.PointsSpent)
	assert.NotEmpty(t, voucher.Code)
	assert.Contains(t, voucher.QRPayload, "token=")
}

func TestAPI_Redeem_InsufficientPoints_PaymentRequired(t *testing.T) {
	env := newTestEnv(t)
	env.seedReward(t, "cinema", 150)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: 50, DonationID: "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/donors/donor-1/redeem", api.RedeemRequest{RewardID: "cinema"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestAPI_Verify_ByCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedReward(t, "cinema", 150)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: 200, DonationID: "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.post(t, "/api/donors/donor-1/redeem", api.RedeemRequest{RewardID: "cinema"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	voucher := decode[api.VoucherDTO](t, resp)

	resp = env.post(t, "/api/vouchers/verify", api.VerifyRequest{Code: voucher.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	verified := decode[api.VerifyResponseDTO](t, resp)
	assert.Equal(t, "verified", verified.Voucher.Status)
	assert.False(t, verified.AlreadyVerified)
	assert.Equal(t, "bronze", verified.Tier.Name, "50 spendable after the charge")

	// Second scan is idempotent.
	resp = env.post(t, "/api/vouchers/verify", api.VerifyRequest{Code: voucher.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[api.VerifyResponseDTO](t, resp)
	assert.True(t, again.AlreadyVerified)
}

func TestAPI_Verify_ByQRToken(t *testing.T) {
	// The QR on the voucher carries a signed URL; scanning it hits the
	// verify endpoint as GET ?token=.
	env := newTestEnv(t)
	env.seedReward(t, "cinema", 150)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: 200, DonationID: "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.post(t, "/api/donors/donor-1/redeem", api.RedeemRequest{RewardID: "cinema"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	voucher := decode[api.VoucherDTO](t, resp)

	qr, err := url.Parse(voucher.QRPayload)
	require.NoError(t, err)
	token := qr.Query().Get("token")
	require.NotEmpty(t, token)

	resp = env.get(t, "/api/vouchers/verify?token="+url.QueryEscape(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[api.VerifyResponseDTO](t, resp)
	assert.Equal(t, voucher.ID, verified.Voucher.ID)
}

func TestAPI_Verify_ForgedToken_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	forged := redemption.NewTokenCodec("other-secret", "https://rewards.example.org")
	issued, err := forged.IssueURL("1234-5678-9012", time.Now().Add(time.Hour))
	require.NoError(t, err)
	u, err := url.Parse(issued)
	require.NoError(t, err)

	resp := env.get(t, "/api/vouchers/verify?token="+url.QueryEscape(u.Query().Get("token")))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Cancel_RefundsAndConflictsOnRepeat(t *testing.T) {
	env := newTestEnv(t)
	env.seedReward(t, "cinema", 150)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: 200, DonationID: "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.post(t, "/api/donors/donor-1/redeem", api.RedeemRequest{RewardID: "cinema"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	voucher := decode[api.VoucherDTO](t, resp)

	resp = env.post(t, "/api/vouchers/"+voucher.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/donors/donor-1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[api.BalanceDTO](t, resp)
	assert.Equal(t, int64(200), balance.SpendablePoints)

	resp = env.post(t, "/api/vouchers/"+voucher.ID+"/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second cancel must not refund again")
}

// =============================================================================
// ADMIN ENDPOINT TESTS
// =============================================================================

func TestAPI_AuditAndFix(t *testing.T) {
	// GIVEN: A donor whose cache drifted (ledger append without credit)
	// WHEN: The admin audits and fixes via the API
	// THEN: The drift is reported, repaired, and journaled

	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.EnsureBalance(ctx, "donor-1"))
	require.NoError(t, env.store.Append(ctx, points.Transaction{
		ID: "tx-1", DonorID: "donor-1", Points: 120, Type: points.TxEarned,
		CreatedAt: time.Now().UTC(),
	}))

	resp := env.get(t, "/api/admin/audit")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[[]api.DiscrepancyDTO](t, resp)
	require.Len(t, report, 1)
	assert.Equal(t, int64(120), report[0].CalculatedBalance)

	resp = env.post(t, "/api/admin/audit/fix", api.FixRequest{DonorID: "donor-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/donors/donor-1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[api.BalanceDTO](t, resp)
	assert.Equal(t, int64(120), balance.SpendablePoints)

	resp = env.get(t, "/api/admin/corrections")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	corrections := decode[[]api.CorrectionDTO](t, resp)
	require.Len(t, corrections, 1)
	assert.Equal(t, int64(120), corrections[0].Delta)
}

func TestAPI_Fix_NoDiscrepancy_NoOp(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/donors/donor-1/earn", api.EarnRequest{Amount: 100, DonationID: "d-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/admin/audit/fix", api.FixRequest{DonorID: "donor-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "no discrepancy", body["status"])
}

func TestAPI_Sweep_ReportsCounts(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[api.SweepDTO](t, resp)
	assert.Equal(t, 0, report.Refunded)
	assert.Equal(t, 0, report.Purged)
}

func TestAPI_ListRewards(t *testing.T) {
	env := newTestEnv(t)
	env.seedReward(t, "cinema", 150)

	resp := env.get(t, "/api/rewards")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rewards := decode[[]api.RewardDTO](t, resp)
	require.Len(t, rewards, 1)
	assert.Equal(t, "cinema", rewards[0].ID)
}
