package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/conference/internal/apperr"
)

const (
	maxMessageSize = 65536
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// ClientOptions tunes per-connection buffers and inbound rate limiting.
type ClientOptions struct {
	SendBuffer int
	RatePerSec float64
	RateBurst  int
}

// DefaultClientOptions returns the options used when none are configured.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{SendBuffer: 256, RatePerSec: 20, RateBurst: 40}
}

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	UserID     *uuid.UUID
	RemoteAddr string
	hub        *Hub
	conn       *websocket.Conn
	send       chan WSMessage
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token query
// parameter is optional; when present it must be a valid presenter token.
func ServeWs(hub *Hub, logger *zap.Logger, jwtValidate func(token string) (uuid.UUID, error), opts ClientOptions) gin.HandlerFunc {
	if opts.SendBuffer <= 0 {
		opts = DefaultClientOptions()
	}
	return func(c *gin.Context) {
		var userID *uuid.UUID
		if token := c.Query("token"); token != "" && jwtValidate != nil {
			id, err := jwtValidate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
				return
			}
			userID = &id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:         uuid.New().String(),
			UserID:     userID,
			RemoteAddr: c.ClientIP(),
			hub:        hub,
			conn:       conn,
			send:       make(chan WSMessage, opts.SendBuffer),
			limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
			logger:     logger,
		}
		hub.register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.dispatch(Inbound{Kind: InboundDisconnect, ConnID: c.ID, RemoteAddr: c.RemoteAddr, UserID: c.UserID})
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.hub.Send(c.ID, EventError, ErrorPayload{Kind: apperr.KindValidation, Message: "malformed message"})
			continue
		}
		if !c.limiter.Allow() {
			c.hub.metrics.MessageRateLimited()
			c.hub.Send(c.ID, EventError, ErrorPayload{Kind: apperr.KindRateLimited, Message: apperr.ErrRateLimited.Message, Event: msg.Event})
			continue
		}
		c.hub.dispatch(Inbound{
			Kind:       InboundMessage,
			ConnID:     c.ID,
			RemoteAddr: c.RemoteAddr,
			UserID:     c.UserID,
			Event:      msg.Event,
			Data:       msg.Data,
		})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
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
