package oracle

import (
	"context"

	"tower-arena/server/logging"
)

const (
	// EventCallSucceeded is emitted when a ledger call completes, possibly after retries.
	EventCallSucceeded logging.EventType = "oracle.call_succeeded"
	// EventCallRetrying is emitted before each backoff sleep.
	EventCallRetrying logging.EventType = "oracle.call_retrying"
	// EventCallFailed is emitted when a call is abandoned.
	EventCallFailed logging.EventType = "oracle.call_failed"
	// EventPaymentChecked is emitted after a stake payment verification.
	EventPaymentChecked logging.EventType = "oracle.payment_checked"
)

type CallPayload struct {
	Call     string `json:"call"`
	Attempts int    `json:"attempts"`
	DelayMs  int64  `json:"delayMs,omitempty"`
	Class    string `json:"class,omitempty"`
	Error    string `json:"error,omitempty"`
}

type PaymentPayload struct {
	Player   string `json:"player"`
	Stake    int64  `json:"stake"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, sev logging.Severity, sessionID string, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      typ,
		Actor:     logging.EntityRef{ID: "ledger", Kind: logging.EntityKindOracle},
		Targets:   []logging.EntityRef{logging.SessionRef(sessionID)},
		Severity:  sev,
		Category:  logging.CategoryOracle,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func CallSucceeded(ctx context.Context, pub logging.Publisher, sessionID string, payload CallPayload) {
	sev := logging.SeverityDebug
	if payload.Attempts > 1 {
		sev = logging.SeverityInfo
	}
	publish(ctx, pub, EventCallSucceeded, sev, sessionID, payload)
}

func CallRetrying(ctx context.Context, pub logging.Publisher, sessionID string, payload CallPayload) {
	publish(ctx, pub, EventCallRetrying, logging.SeverityWarn, sessionID, payload)
}

func CallFailed(ctx context.Context, pub logging.Publisher, sessionID string, payload CallPayload) {
	publish(ctx, pub, EventCallFailed, logging.SeverityError, sessionID, payload)
}

func PaymentChecked(ctx context.Context, pub logging.Publisher, sessionID string, payload PaymentPayload) {
	sev := logging.SeverityInfo
	if !payload.Verified {
		sev = logging.SeverityWarn
	}
	publish(ctx, pub, EventPaymentChecked, sev, sessionID, payload)
}
