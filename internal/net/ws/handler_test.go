package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tower-arena/server/internal/net/proto"
	"tower-arena/server/internal/registry"
)

type frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func newTestServer(t *testing.T, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx)
		close(done)
	}()

	handler := NewHandler(reg, cfg)
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, codec string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "/"
	if codec != "" {
		url += "?codec=" + codec
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, codec proto.Codec, typ string) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var f frame
		if err := codec.Decode(data, &f); err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("timed out waiting for %s", typ)
	return frame{}
}

func join(t *testing.T, conn *websocket.Conn, player string) string {
	t.Helper()
	sendJSON(t, conn, fmt.Sprintf(`{"type":"joinSession","player":%q}`, player))
	joined := readUntil(t, conn, proto.JSON, proto.TypeJoined)
	id, _ := joined.Payload["sessionId"].(string)
	if id == "" {
		t.Fatalf("joined frame missing session id: %+v", joined)
	}
	return id
}

func TestJoinStartsGame(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{})
	alice, bob := dial(t, srv, ""), dial(t, srv, "")

	first := join(t, alice, "alice")
	second := join(t, bob, "bob")
	if first != second {
		t.Fatalf("expected matchmaking into one session, got %s and %s", first, second)
	}

	changed := readUntil(t, alice, proto.JSON, "turnChanged")
	if changed.Payload["player"] != "bob" {
		t.Fatalf("expected bob to move first, got %v", changed.Payload["player"])
	}
	readUntil(t, alice, proto.JSON, "physicsUpdate")
}

func TestMoveRejectionReachesSender(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{})
	alice, bob := dial(t, srv, ""), dial(t, srv, "")
	join(t, alice, "alice")
	join(t, bob, "bob")

	sendJSON(t, alice, `{"type":"submitMove","blockIndex":4,"force":{"x":0,"y":0,"z":5},"point":{"x":0,"y":0,"z":0}}`)
	rejected := readUntil(t, alice, proto.JSON, proto.TypeError)
	if rejected.Payload["code"] != "NOT_YOUR_TURN" {
		t.Fatalf("expected NOT_YOUR_TURN, got %+v", rejected.Payload)
	}

	sendJSON(t, bob, `{"type":"submitMove","blockIndex":4,"force":{"x":0,"y":0,"z":5}}`)
	invalid := readUntil(t, bob, proto.JSON, proto.TypeError)
	if invalid.Payload["code"] != "INVALID_MOVE_DATA" {
		t.Fatalf("expected INVALID_MOVE_DATA, got %+v", invalid.Payload)
	}

	sendJSON(t, bob, `{"type":"submitMove","blockIndex":4,"force":{"x":0,"y":0,"z":5},"point":{"x":0,"y":0,"z":0}}`)
	accepted := readUntil(t, alice, proto.JSON, "moveAccepted")
	if accepted.Payload["player"] != "bob" {
		t.Fatalf("unexpected moveAccepted payload: %+v", accepted.Payload)
	}
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{})
	conn := dial(t, srv, "")

	sendJSON(t, conn, `{"type":`)
	if got := readUntil(t, conn, proto.JSON, proto.TypeError); got.Payload["code"] != "INVALID_MESSAGE" {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", got.Payload)
	}

	sendJSON(t, conn, `{"type":"dance"}`)
	if got := readUntil(t, conn, proto.JSON, proto.TypeError); got.Payload["code"] != "UNKNOWN_MESSAGE" {
		t.Fatalf("expected UNKNOWN_MESSAGE, got %+v", got.Payload)
	}

	sendJSON(t, conn, `{"type":"surrender"}`)
	if got := readUntil(t, conn, proto.JSON, proto.TypeError); got.Payload["code"] != "NOT_IN_SESSION" {
		t.Fatalf("expected NOT_IN_SESSION, got %+v", got.Payload)
	}
}

func TestHeartbeatEchoesClientTime(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{})
	conn := dial(t, srv, "")

	sent := time.Now().Add(-5 * time.Millisecond).UnixMilli()
	sendJSON(t, conn, fmt.Sprintf(`{"type":"heartbeat","sentAt":%d}`, sent))
	ack := readUntil(t, conn, proto.JSON, proto.TypeHeartbeat)

	if int64(ack.Payload["clientTime"].(float64)) != sent {
		t.Fatalf("expected client time %d, got %v", sent, ack.Payload["clientTime"])
	}
	if rtt := ack.Payload["rtt"].(float64); rtt < 5 {
		t.Fatalf("expected rtt of at least 5ms, got %v", rtt)
	}
}

func TestMsgpackCodec(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{})
	conn := dial(t, srv, "msgpack")

	data, err := proto.MsgPack.Encode(proto.ClientMessage{Type: proto.TypeJoinSession, Player: "alice"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	joined := readUntil(t, conn, proto.MsgPack, proto.TypeJoined)
	if joined.Payload["player"] != "alice" {
		t.Fatalf("unexpected joined payload: %+v", joined.Payload)
	}
}

func TestInboundRateLimit(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{MessageRate: 0.001, MessageBurst: 1})
	conn := dial(t, srv, "")

	sendJSON(t, conn, `{"type":"heartbeat"}`)
	sendJSON(t, conn, `{"type":"heartbeat"}`)

	readUntil(t, conn, proto.JSON, proto.TypeHeartbeat)
	limited := readUntil(t, conn, proto.JSON, proto.TypeError)
	if limited.Payload["code"] != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %+v", limited.Payload)
	}
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{})
	alice, bob := dial(t, srv, ""), dial(t, srv, "")
	join(t, alice, "alice")
	join(t, bob, "bob")

	alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	alice.Close()

	gone := readUntil(t, bob, proto.JSON, "playerDisconnected")
	if gone.Payload["player"] != "alice" {
		t.Fatalf("unexpected playerDisconnected payload: %+v", gone.Payload)
	}
	if gone.Payload["graceMs"].(float64) != 30000 {
		t.Fatalf("expected 30s grace, got %v", gone.Payload["graceMs"])
	}
}
