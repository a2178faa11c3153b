/*
Package notify delivers fire-and-forget event notifications.

PURPOSE:
  The ledger and redemption flows emit events (points earned, voucher
  issued, voucher verified, refund applied) for an external broadcast
  channel. Delivery is strictly fire-and-forget: a notification failure
  must never block or roll back a ledger operation, so Notify returns
  nothing and implementations swallow (but log) their own errors.

IMPLEMENTATIONS:
  - Webhook: POSTs the event as JSON to a configured URL (resty)
  - Logger:  writes the event to the structured log (zap)
  - Nop:     discards everything (tests, notifications disabled)
*/
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Event names emitted by the engine.
const (
	EventPointsEarned    = "points.earned"
	EventPointsReversed  = "points.reversed"
	EventVoucherIssued   = "voucher.issued"
	EventVoucherVerified = "voucher.verified"
	EventVoucherRefunded = "voucher.refunded"
	EventBalanceRepaired = "balance.repaired"
)

// Notifier is the outbound notification contract. Implementations must
// never return delivery failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// Webhook POSTs events to a single endpoint. Delivery runs in the calling
// goroutine with a short timeout; errors are logged and dropped.
type Webhook struct {
	URL     string
	Timeout time.Duration
	Log     *zap.Logger

	client *resty.Client
}

func NewWebhook(url string, log *zap.Logger) *Webhook {
	return &Webhook{
		URL:     url,
		Timeout: 5 * time.Second,
		Log:     log,
		client:  resty.New(),
	}
}

func (w *Webhook) Notify(ctx context.Context, event string, payload map[string]any) {
	if w.URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	body := map[string]any{"event": event, "payload": payload}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(w.URL)
	if err != nil {
		w.Log.Warn("notification delivery failed",
			zap.String("event", event), zap.Error(err))
		return
	}
	if resp.StatusCode() >= 300 {
		w.Log.Warn("notification endpoint rejected event",
			zap.String("event", event), zap.Int("status", resp.StatusCode()))
	}
}

// =============================================================================
// LOGGER NOTIFIER
// =============================================================================

// Logger writes events to the structured log instead of delivering them.
type Logger struct {
	Log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger { return &Logger{Log: log} }

func (l *Logger) Notify(_ context.Context, event string, payload map[string]any) {
	l.Log.Info("event", zap.String("event", event), zap.Any("payload", payload))
}

// =============================================================================
// NOP NOTIFIER
// =============================================================================

type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]any) {}
