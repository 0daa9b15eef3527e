package proto

import (
	"fmt"

	"tower-arena/server/internal/move"
	"tower-arena/server/internal/physics"
	"tower-arena/server/internal/session"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Client message type identifiers.
const (
	TypeCreateSession = "createSession"
	TypeJoinSession   = "joinSession"
	TypeSubmitMove    = "submitMove"
	TypeSurrender     = "surrender"
	TypeHeartbeat     = "heartbeat"
)

// Server-only message type identifiers. Session events use their
// session.EventKind as the type.
const (
	TypeError  = "error"
	TypeJoined = "joined"
)

// ClientMessage captures an inbound websocket message. Fields are flat; which
// ones are meaningful depends on Type.
type ClientMessage struct {
	Ver  int    `json:"ver,omitempty"`
	Type string `json:"type" jsonschema:"enum=createSession,enum=joinSession,enum=submitMove,enum=surrender,enum=heartbeat"`

	// createSession
	MaxPlayers int    `json:"maxPlayers,omitempty" jsonschema:"minimum=2,maximum=7"`
	Difficulty string `json:"difficulty,omitempty" jsonschema:"enum=easy,enum=medium,enum=hard"`
	Stake      int64  `json:"stake,omitempty" jsonschema:"minimum=0"`
	IsPractice bool   `json:"isPractice,omitempty"`

	// joinSession
	Player    string `json:"player,omitempty" jsonschema:"description=Player identity"`
	SessionID string `json:"sessionId,omitempty" jsonschema:"description=Session to join; empty selects matchmaking"`

	// submitMove
	BlockIndex *float64     `json:"blockIndex,omitempty"`
	Force      *move.Vector `json:"force,omitempty"`
	Point      *move.Vector `json:"point,omitempty"`

	// heartbeat
	SentAt int64 `json:"sentAt,omitempty"`
}

// DecodeClientMessage converts a raw frame into a structured message.
func DecodeClientMessage(codec Codec, payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if codec == nil {
		codec = JSON
	}
	if err := codec.Decode(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("message type is missing")
	}
	return msg, nil
}

// SessionConfig overlays the createSession fields onto base.
func (m ClientMessage) SessionConfig(base session.Config) session.Config {
	cfg := base
	if m.MaxPlayers > 0 {
		cfg.MaxPlayers = m.MaxPlayers
	}
	if m.Difficulty != "" {
		cfg.Difficulty = physics.Difficulty(m.Difficulty)
	}
	cfg.Stake = m.Stake
	cfg.Practice = m.IsPractice
	return cfg
}

// MoveInput returns the submitMove fields as a validator input.
func (m ClientMessage) MoveInput() *move.Input {
	return &move.Input{BlockIndex: m.BlockIndex, Force: m.Force, Point: m.Point}
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorPayload reports a rejected request to the offending connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinedPayload confirms a join to the joining connection.
type JoinedPayload struct {
	SessionID   string        `json:"sessionId"`
	Player      string        `json:"player"`
	Reconnected bool          `json:"reconnected,omitempty"`
	State       session.State `json:"state"`
}

// HeartbeatPayload echoes timing metadata back to the client.
type HeartbeatPayload struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
	RTTMillis  int64 `json:"rtt"`
}

// Event wraps a session event.
func Event(ev session.Event) ServerMessage {
	return ServerMessage{Ver: Version, Type: string(ev.Kind), Payload: ev.Payload}
}

// State wraps a public session snapshot as a gameState message.
func State(state session.State) ServerMessage {
	return ServerMessage{Ver: Version, Type: string(session.EventGameState), Payload: state}
}

func Error(code, message string) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeError, Payload: ErrorPayload{Code: code, Message: message}}
}

// ErrorFrom converts err into an error message, keeping any wire code it carries.
func ErrorFrom(err error) ServerMessage {
	return Error(session.ErrorCode(err), err.Error())
}

func Joined(payload JoinedPayload) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeJoined, Payload: payload}
}

func Heartbeat(payload HeartbeatPayload) ServerMessage {
	return ServerMessage{Ver: Version, Type: TypeHeartbeat, Payload: payload}
}
