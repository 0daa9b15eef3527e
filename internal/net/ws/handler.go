package ws

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tower-arena/server/internal/move"
	"tower-arena/server/internal/net/proto"
	"tower-arena/server/internal/registry"
	"tower-arena/server/internal/session"
	"tower-arena/server/internal/telemetry"
	"tower-arena/server/logging"
	"tower-arena/server/logging/network"
)

// Registry is the part of the session registry the handler drives.
type Registry interface {
	Attach(ctx context.Context, conn registry.Connection) error
	Detach(ctx context.Context, connID string) error
	CreateSession(ctx context.Context, connID string, cfg session.Config) (session.State, error)
	Join(ctx context.Context, connID, player, sessionID string) (registry.JoinResult, error)
	SubmitMove(ctx context.Context, connID string, in *move.Input) error
	Surrender(ctx context.Context, connID string) error
}

type HandlerConfig struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	// Defaults seeds createSession requests.
	Defaults session.Config

	// MessageRate and MessageBurst bound inbound frames per connection.
	MessageRate  float64
	MessageBurst int
	SendBuffer   int
	ReadLimit    int64
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Defaults:     session.DefaultConfig(),
		MessageRate:  20,
		MessageBurst: 40,
		SendBuffer:   128,
		ReadLimit:    64 << 10,
		WriteWait:    10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 25 * time.Second,
	}
}

type Handler struct {
	registry Registry
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(reg Registry, cfg HandlerConfig) *Handler {
	def := DefaultHandlerConfig()
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.Defaults == (session.Config{}) {
		cfg.Defaults = def.Defaults
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = def.MessageRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = def.MessageBurst
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}

	return &Handler{
		registry: reg,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and serves the connection until it closes.
// The optional codec query parameter selects json (default) or msgpack.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	codec := proto.CodecByName(r.URL.Query().Get("codec"))
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	ctx := r.Context()
	c := newConn(uuid.NewString(), ws, codec, h.cfg)
	if err := h.registry.Attach(ctx, c); err != nil {
		h.cfg.Logger.Printf("attach failed for %s: %v", c.id, err)
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable"))
		ws.Close()
		return
	}
	go c.writePump()

	h.cfg.Metrics.Add("ws_connections_opened", 1)
	network.Connected(ctx, h.cfg.Publisher, c.id, network.ConnectionPayload{Remote: r.RemoteAddr, Codec: codec.Name()})

	reason := h.serve(ctx, c)

	detachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.WriteWait)
	defer cancel()
	if err := h.registry.Detach(detachCtx, c.id); err != nil {
		h.cfg.Logger.Printf("detach failed for %s: %v", c.id, err)
	}
	c.Close()
	<-c.pumpDone
	h.cfg.Metrics.Add("ws_connections_closed", 1)
	network.Disconnected(ctx, h.cfg.Publisher, c.id, network.ConnectionPayload{Remote: r.RemoteAddr, Codec: codec.Name(), Reason: reason})
}

// serve runs the read loop and returns why it stopped.
func (h *Handler) serve(ctx context.Context, c *conn) string {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	c.ws.SetReadLimit(h.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err.Error()
			}
			return "closed"
		}
		c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if !limiter.Allow() {
			h.cfg.Metrics.Add("ws_messages_rate_limited", 1)
			network.RateLimited(ctx, h.cfg.Publisher, c.id, network.MessagePayload{Reason: "inbound rate exceeded"})
			c.Send(proto.Error("RATE_LIMITED", "too many messages"))
			continue
		}

		msg, err := proto.DecodeClientMessage(c.codec, payload)
		if err != nil {
			network.MessageRejected(ctx, h.cfg.Publisher, c.id, network.MessagePayload{Reason: err.Error()})
			c.Send(proto.Error("INVALID_MESSAGE", err.Error()))
			continue
		}
		h.cfg.Metrics.Add("ws_messages_received", 1)

		if err := h.dispatch(ctx, c, msg); err != nil {
			c.Send(proto.ErrorFrom(err))
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, msg proto.ClientMessage) error {
	switch msg.Type {
	case proto.TypeCreateSession:
		_, err := h.registry.CreateSession(ctx, c.id, msg.SessionConfig(h.cfg.Defaults))
		return err
	case proto.TypeJoinSession:
		_, err := h.registry.Join(ctx, c.id, msg.Player, msg.SessionID)
		return err
	case proto.TypeSubmitMove:
		return h.registry.SubmitMove(ctx, c.id, msg.MoveInput())
	case proto.TypeSurrender:
		return h.registry.Surrender(ctx, c.id)
	case proto.TypeHeartbeat:
		now := h.cfg.Clock.Now().UnixMilli()
		var rtt int64
		if msg.SentAt > 0 && msg.SentAt <= now {
			rtt = now - msg.SentAt
		}
		c.Send(proto.Heartbeat(proto.HeartbeatPayload{ServerTime: now, ClientTime: msg.SentAt, RTTMillis: rtt}))
		return nil
	default:
		network.MessageRejected(ctx, h.cfg.Publisher, c.id, network.MessagePayload{MessageType: msg.Type, Reason: "unknown type"})
		return &unknownTypeError{typ: msg.Type}
	}
}

type unknownTypeError struct{ typ string }

func (e *unknownTypeError) Error() string { return "unknown message type " + e.typ }
func (e *unknownTypeError) Code() string  { return "UNKNOWN_MESSAGE" }
