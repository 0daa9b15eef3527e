package session

import (
	"context"

	"tower-arena/server/logging"
)

const (
	// EventPlayerJoined is emitted when a player is added to a session roster.
	EventPlayerJoined logging.EventType = "session.player_joined"
	// EventPlayerLeft is emitted when a player is removed from a session.
	EventPlayerLeft logging.EventType = "session.player_left"
	// EventGameStarted is emitted when a session leaves the waiting state.
	EventGameStarted logging.EventType = "session.game_started"
	// EventTurnStarted is emitted whenever the turn passes to a new player.
	EventTurnStarted logging.EventType = "session.turn_started"
	// EventMoveAccepted is emitted when a submitted move is recorded for the turn.
	EventMoveAccepted logging.EventType = "session.move_accepted"
	// EventMoveRejected is emitted when validation or turn checks refuse a move.
	EventMoveRejected logging.EventType = "session.move_rejected"
	// EventTurnEnded is emitted when a turn closes, with or without a move.
	EventTurnEnded logging.EventType = "session.turn_ended"
	// EventTowerCollapsed is emitted once when the tower crosses the collapse threshold.
	EventTowerCollapsed logging.EventType = "session.tower_collapsed"
	// EventGameEnded is emitted when too few active players remain.
	EventGameEnded logging.EventType = "session.game_ended"
	// EventPlayerDisconnected is emitted when a grace window opens for a player.
	EventPlayerDisconnected logging.EventType = "session.player_disconnected"
	// EventPlayerReconnected is emitted when a player returns inside the grace window.
	EventPlayerReconnected logging.EventType = "session.player_reconnected"
	// EventGraceExpired is emitted when a disconnected player is dropped after the grace window.
	EventGraceExpired logging.EventType = "session.grace_expired"
)

type PlayerPayload struct {
	Reason     string `json:"reason,omitempty"`
	RosterSize int    `json:"rosterSize"`
}

type GameStartedPayload struct {
	Players    []string `json:"players"`
	Difficulty string   `json:"difficulty"`
	Stake      int64    `json:"stake"`
}

type TurnPayload struct {
	Player     string `json:"player"`
	TurnNumber int    `json:"turnNumber"`
	DeadlineMs int64  `json:"deadlineMs"`
}

type MovePayload struct {
	BlockIndex int    `json:"blockIndex"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type TurnEndedPayload struct {
	Player  string `json:"player"`
	HadMove bool   `json:"hadMove"`
}

type CollapsePayload struct {
	Fallen    int      `json:"fallen"`
	Total     int      `json:"total"`
	Survivors []string `json:"survivors"`
}

type GameEndedPayload struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

type GracePayload struct {
	GraceMs int64 `json:"graceMs"`
}

func emit(ctx context.Context, pub logging.Publisher, typ logging.EventType, sev logging.Severity, sessionID string, tick uint64, actor logging.EntityRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      typ,
		Tick:      tick,
		Actor:     actor,
		Severity:  sev,
		Category:  logging.CategoryGameplay,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func PlayerJoined(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string, payload PlayerPayload) {
	emit(ctx, pub, EventPlayerJoined, logging.SeverityInfo, sessionID, tick, logging.PlayerRef(player), payload)
}

func PlayerLeft(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string, payload PlayerPayload) {
	emit(ctx, pub, EventPlayerLeft, logging.SeverityInfo, sessionID, tick, logging.PlayerRef(player), payload)
}

func GameStarted(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, payload GameStartedPayload) {
	emit(ctx, pub, EventGameStarted, logging.SeverityInfo, sessionID, tick, logging.SessionRef(sessionID), payload)
}

func TurnStarted(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, payload TurnPayload) {
	emit(ctx, pub, EventTurnStarted, logging.SeverityDebug, sessionID, tick, logging.PlayerRef(payload.Player), payload)
}

func MoveAccepted(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string, payload MovePayload) {
	emit(ctx, pub, EventMoveAccepted, logging.SeverityInfo, sessionID, tick, logging.PlayerRef(player), payload)
}

// MoveRejected is logged at warn; rejections are routine but worth surfacing.
func MoveRejected(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string, payload MovePayload) {
	emit(ctx, pub, EventMoveRejected, logging.SeverityWarn, sessionID, tick, logging.PlayerRef(player), payload)
}

func TurnEnded(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, payload TurnEndedPayload) {
	emit(ctx, pub, EventTurnEnded, logging.SeverityDebug, sessionID, tick, logging.PlayerRef(payload.Player), payload)
}

func TowerCollapsed(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, payload CollapsePayload) {
	emit(ctx, pub, EventTowerCollapsed, logging.SeverityInfo, sessionID, tick, logging.SessionRef(sessionID), payload)
}

func GameEnded(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, payload GameEndedPayload) {
	emit(ctx, pub, EventGameEnded, logging.SeverityInfo, sessionID, tick, logging.SessionRef(sessionID), payload)
}

func PlayerDisconnected(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string, payload GracePayload) {
	emit(ctx, pub, EventPlayerDisconnected, logging.SeverityInfo, sessionID, tick, logging.PlayerRef(player), payload)
}

func PlayerReconnected(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string) {
	emit(ctx, pub, EventPlayerReconnected, logging.SeverityInfo, sessionID, tick, logging.PlayerRef(player), nil)
}

func GraceExpired(ctx context.Context, pub logging.Publisher, sessionID string, tick uint64, player string, payload GracePayload) {
	emit(ctx, pub, EventGraceExpired, logging.SeverityWarn, sessionID, tick, logging.PlayerRef(player), payload)
}
