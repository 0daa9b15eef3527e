package session

import "tower-arena/server/internal/physics"

type EventKind string

const (
	EventGameState          EventKind = "gameState"
	EventTurnChanged        EventKind = "turnChanged"
	EventPhysicsUpdate      EventKind = "physicsUpdate"
	EventGameCollapsed      EventKind = "gameCollapsed"
	EventGameEnded          EventKind = "gameEnded"
	EventPlayerDisconnected EventKind = "playerDisconnected"
	EventPlayerReconnected  EventKind = "playerReconnected"
	EventMoveAccepted       EventKind = "moveAccepted"
)

// Event is an outbound message for every connection in the session.
type Event struct {
	Kind    EventKind
	Payload any
}

// State is the public projection of a session.
type State struct {
	ID            string   `json:"id"`
	Roster        []string `json:"roster"`
	Active        []string `json:"activePlayers"`
	Disconnected  []string `json:"disconnectedPlayers,omitempty"`
	CurrentPlayer string   `json:"currentPlayer,omitempty"`
	Status        Status   `json:"status"`
	Config        Config   `json:"config"`
	TurnNumber    int      `json:"turnNumber"`
	TurnDeadline  int64    `json:"turnDeadline,omitempty"`
	Winner        string   `json:"winner,omitempty"`
}

type TurnChanged struct {
	Player     string `json:"player"`
	Deadline   int64  `json:"deadline"`
	TurnNumber int    `json:"turnNumber"`
}

type PhysicsUpdate struct {
	Tick   uint64              `json:"tick"`
	Bodies []physics.BodyState `json:"bodies"`
}

type GameCollapsed struct {
	Survivors []string `json:"survivors"`
}

type GameEnded struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

type PlayerDisconnected struct {
	Player  string `json:"player"`
	GraceMs int64  `json:"graceMs"`
}

type PlayerReconnected struct {
	Player string `json:"player"`
}

type MoveAccepted struct {
	Player     string `json:"player"`
	BlockIndex int    `json:"blockIndex"`
}
