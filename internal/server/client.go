package server

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
	ws "github.com/agentap/agentap/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound buffer per client; overflow drops the client.
	sendBufferSize = 256
)

// client is a single WebSocket connection. Until the auth handshake
// completes it may only send auth and ping messages.
type client struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	send   chan []byte
	authed atomic.Bool
	userID atomic.Value
	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, srv *Server, log *logger.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		srv:    srv,
		send:   make(chan []byte, sendBufferSize),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// readPump pumps messages from the WebSocket connection into the server.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.srv.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		msg, err := ws.Decode(raw)
		if err != nil {
			c.logger.Warn("unparseable message", zap.Error(err))
			c.sendMessage(ws.NewError("", ws.ErrorCodeBadRequest, "Invalid message format"))
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message", zap.String("type", string(msg.Type)))

	// Liveness and authentication work before the handshake completes.
	switch msg.Type {
	case ws.TypePing:
		c.sendMessage(ws.NewPong())
		return
	case ws.TypeAuth:
		c.handleAuth(ctx, msg)
		return
	}

	if !c.authed.Load() {
		c.sendMessage(ws.NewError(msg.ID, ws.ErrorCodeUnauthorized, "Authentication required"))
		return
	}

	response, err := c.srv.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		c.sendMessage(ws.NewError(msg.ID, ws.ErrorCodeInternalError, err.Error()))
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

func (c *client) handleAuth(ctx context.Context, msg *ws.Message) {
	verdict := c.srv.authenticate(ctx, msg.Token)
	if verdict == nil || !verdict.Valid {
		c.logger.Warn("client auth rejected")
		c.sendMessage(ws.NewAuthError("Invalid token"))
		return
	}

	c.userID.Store(verdict.UserID)
	c.authed.Store(true)
	c.logger.Info("client authenticated", zap.String("user_id", verdict.UserID))
	c.sendMessage(ws.NewAuthOK(verdict.UserID))

	if cb := c.srv.callbacks.OnClientAuthenticated; cb != nil {
		cb(verdict.UserID)
	}
}

// sendMessage marshals and queues a message for this client only.
func (c *client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, message dropped")
	}
}

// writePump pumps queued frames to the WebSocket connection and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)

			// Batch additional queued frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
