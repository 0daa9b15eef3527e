package network

import (
	"context"

	"tower-arena/server/logging"
)

const (
	// EventConnected is emitted when a websocket upgrade succeeds.
	EventConnected logging.EventType = "network.connected"
	// EventDisconnected is emitted when a connection's read loop exits.
	EventDisconnected logging.EventType = "network.disconnected"
	// EventMessageRejected is emitted when an inbound frame cannot be decoded or is unknown.
	EventMessageRejected logging.EventType = "network.message_rejected"
	// EventRateLimited is emitted when a connection exceeds its message budget.
	EventRateLimited logging.EventType = "network.rate_limited"
	// EventSendDropped is emitted when an outbound queue overflows.
	EventSendDropped logging.EventType = "network.send_dropped"
)

type ConnectionPayload struct {
	Remote string `json:"remote,omitempty"`
	Codec  string `json:"codec,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type MessagePayload struct {
	MessageType string `json:"messageType,omitempty"`
	Reason      string `json:"reason"`
}

func connRef(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindConnection}
}

func Connected(ctx context.Context, pub logging.Publisher, connID string, payload ConnectionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnected,
		Actor:    connRef(connID),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

func Disconnected(ctx context.Context, pub logging.Publisher, connID string, payload ConnectionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDisconnected,
		Actor:    connRef(connID),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

func MessageRejected(ctx context.Context, pub logging.Publisher, connID string, payload MessagePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMessageRejected,
		Actor:    connRef(connID),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

func RateLimited(ctx context.Context, pub logging.Publisher, connID string, payload MessagePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRateLimited,
		Actor:    connRef(connID),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

func SendDropped(ctx context.Context, pub logging.Publisher, connID string, payload MessagePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSendDropped,
		Actor:    connRef(connID),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}
