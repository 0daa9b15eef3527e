package simulation

import (
	"context"

	"tower-arena/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when one registry tick takes longer than its interval.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventSessionFault is emitted when a session's update panics and is contained.
	EventSessionFault logging.EventType = "simulation.session_fault"
	// EventSessionReclaimed is emitted when the registry drops a finished or abandoned session.
	EventSessionReclaimed logging.EventType = "simulation.session_reclaimed"
)

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Sessions       int     `json:"sessions"`
}

type SessionFaultPayload struct {
	Panic string `json:"panic"`
}

type SessionReclaimedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// TickBudgetOverrun publishes a warning when the registry loop overruns.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: "registry", Kind: logging.EntityKindRegistry},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySystem,
		Payload:  payload,
	})
}

// SessionFault publishes an error when a session panics during a tick.
func SessionFault(ctx context.Context, pub logging.Publisher, tick uint64, sessionID string, payload SessionFaultPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventSessionFault,
		Tick:      tick,
		Actor:     logging.SessionRef(sessionID),
		Severity:  logging.SeverityError,
		Category:  logging.CategorySystem,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func SessionReclaimed(ctx context.Context, pub logging.Publisher, tick uint64, sessionID string, payload SessionReclaimedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventSessionReclaimed,
		Tick:      tick,
		Actor:     logging.SessionRef(sessionID),
		Severity:  logging.SeverityDebug,
		Category:  logging.CategorySystem,
		SessionID: sessionID,
		Payload:   payload,
	})
}
