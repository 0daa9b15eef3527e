package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"tower-arena/server/internal/physics"
	"tower-arena/server/internal/session"
	"tower-arena/server/internal/turn"
)

func TestDecodeClientMessage(t *testing.T) {
	t.Run("submit move json", func(t *testing.T) {
		raw := []byte(`{"type":"submitMove","blockIndex":4,"force":{"x":1,"y":0,"z":-2},"point":{"x":0,"y":0.1,"z":0}}`)
		msg, err := DecodeClientMessage(JSON, raw)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if msg.Type != TypeSubmitMove || msg.Ver != Version {
			t.Fatalf("unexpected header: %+v", msg)
		}
		in := msg.MoveInput()
		if in.BlockIndex == nil || *in.BlockIndex != 4 {
			t.Fatalf("unexpected block index: %v", in.BlockIndex)
		}
		if in.Force == nil || in.Force.Z == nil || *in.Force.Z != -2 {
			t.Fatalf("unexpected force: %+v", in.Force)
		}
	})

	t.Run("join msgpack", func(t *testing.T) {
		raw, err := msgpack.Marshal(map[string]any{
			"type":      TypeJoinSession,
			"player":    "alice",
			"sessionId": "s-1",
		})
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		msg, err := DecodeClientMessage(MsgPack, raw)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if msg.Player != "alice" || msg.SessionID != "s-1" {
			t.Fatalf("unexpected join fields: %+v", msg)
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		if _, err := DecodeClientMessage(JSON, []byte(`{"ver":9,"type":"heartbeat"}`)); err == nil {
			t.Fatalf("expected version error")
		}
	})

	t.Run("missing type", func(t *testing.T) {
		if _, err := DecodeClientMessage(nil, []byte(`{"sentAt":5}`)); err == nil {
			t.Fatalf("expected missing type error")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := DecodeClientMessage(JSON, []byte(`{"type":`)); err == nil {
			t.Fatalf("expected syntax error")
		}
	})
}

func TestSessionConfigOverlaysCreateFields(t *testing.T) {
	base := session.DefaultConfig()
	msg := ClientMessage{Type: TypeCreateSession, MaxPlayers: 4, Difficulty: "hard", Stake: 10}

	cfg := msg.SessionConfig(base)
	if cfg.MaxPlayers != 4 || cfg.Difficulty != physics.DifficultyHard || cfg.Stake != 10 || cfg.Practice {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TurnDuration != base.TurnDuration {
		t.Fatalf("turn duration should come from base, got %v", cfg.TurnDuration)
	}

	practice := ClientMessage{Type: TypeCreateSession, IsPractice: true}.SessionConfig(base)
	if practice.MaxPlayers != base.MaxPlayers || !practice.Practice {
		t.Fatalf("unexpected practice config: %+v", practice)
	}
}

func TestErrorFromKeepsWireCode(t *testing.T) {
	msg := ErrorFrom(turn.ErrNotYourTurn)
	payload, ok := msg.Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("unexpected payload %T", msg.Payload)
	}
	if msg.Type != TypeError || payload.Code != "NOT_YOUR_TURN" {
		t.Fatalf("unexpected error message: %+v", msg)
	}

	plain := ErrorFrom(errors.New("boom")).Payload.(ErrorPayload)
	if plain.Code != "ERROR" || plain.Message != "boom" {
		t.Fatalf("unexpected plain error payload: %+v", plain)
	}
}

func TestEncodeServerMessage(t *testing.T) {
	msg := Event(session.Event{
		Kind:    session.EventTurnChanged,
		Payload: session.TurnChanged{Player: "bob", Deadline: 1234, TurnNumber: 1},
	})

	for _, codec := range []Codec{JSON, MsgPack} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(msg)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			var decoded struct {
				Ver     int            `json:"ver"`
				Type    string         `json:"type"`
				Payload map[string]any `json:"payload"`
			}
			if err := codec.Decode(data, &decoded); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if decoded.Type != "turnChanged" || decoded.Ver != Version {
				t.Fatalf("unexpected envelope: %+v", decoded)
			}
			if decoded.Payload["player"] != "bob" {
				t.Fatalf("unexpected payload: %+v", decoded.Payload)
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	if CodecByName("msgpack") != MsgPack || !MsgPack.Binary() {
		t.Fatalf("expected binary msgpack codec")
	}
	if CodecByName("") != JSON || CodecByName("xml") != JSON {
		t.Fatalf("expected json fallback")
	}
}

func TestSchemasDescribeMessageTypes(t *testing.T) {
	schemas := Schemas()
	data, err := json.Marshal(schemas["client"])
	if err != nil {
		t.Fatalf("marshal client schema: %v", err)
	}
	for _, want := range []string{"submitMove", "blockIndex", "sessionId"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("client schema missing %q: %s", want, data)
		}
	}
	if schemas["server"] == nil {
		t.Fatalf("expected server schema")
	}
}
