package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tower-arena/server/internal/net/proto"
	"tower-arena/server/internal/telemetry"
)

// conn adapts a websocket to registry.Connection. Frames are queued on a
// bounded channel and written by a single pump goroutine.
type conn struct {
	id     string
	ws     *websocket.Conn
	codec  proto.Codec
	logger telemetry.Logger

	send      chan proto.ServerMessage
	closed    chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}

	writeWait    time.Duration
	pingInterval time.Duration
}

func newConn(id string, ws *websocket.Conn, codec proto.Codec, cfg HandlerConfig) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		codec:        codec,
		logger:       cfg.Logger,
		send:         make(chan proto.ServerMessage, cfg.SendBuffer),
		closed:       make(chan struct{}),
		pumpDone:     make(chan struct{}),
		writeWait:    cfg.WriteWait,
		pingInterval: cfg.PingInterval,
	}
}

func (c *conn) ID() string { return c.id }

// Send never blocks. It reports false when the connection is closed or its
// queue is full.
func (c *conn) Send(msg proto.ServerMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close asks the pump to flush queued frames and close the socket.
func (c *conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *conn) writePump() {
	defer close(c.pumpDone)
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			for {
				select {
				case msg := <-c.send:
					if !c.write(msg) {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
					c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *conn) write(msg proto.ServerMessage) bool {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Printf("failed to encode %s for %s: %v", msg.Type, c.id, err)
		return true
	}
	kind := websocket.TextMessage
	if c.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteMessage(kind, data); err != nil {
		return false
	}
	return true
}
