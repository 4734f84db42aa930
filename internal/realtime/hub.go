package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/metrics"
	"github.com/aura-webinar/conference/internal/room"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, origin, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

// Hub owns the live websocket connections. Room membership lives in the room
// registry; the hub resolves member connection ids to clients when delivering.
// Broadcasts are also published to Redis so other instances can deliver them to
// their own members.
type Hub struct {
	clients    map[string]*Client
	subs       map[uuid.UUID]func() // cancel Redis subscription per session
	mu         sync.RWMutex
	rooms      *room.Registry
	logger     *zap.Logger
	redis      RedisPublisher
	redisSub   RedisSubscriber
	instanceID string
	dispatcher Dispatcher
	metrics    *metrics.Metrics
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a
// single-instance deployment.
func NewHub(rooms *room.Registry, logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		subs:       make(map[uuid.UUID]func()),
		rooms:      rooms,
		logger:     logger,
		redis:      redisPub,
		redisSub:   redisSub,
		instanceID: uuid.New().String(),
		metrics:    m,
	}
}

// SetDispatcher sets the consumer of inbound connection events.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

func (h *Hub) dispatch(in Inbound) {
	h.mu.RLock()
	d := h.dispatcher
	h.mu.RUnlock()
	if d != nil {
		d.Dispatch(in)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.logger.Debug("client connected", zap.String("conn_id", c.ID), zap.String("remote_addr", c.RemoteAddr))
}

// unregister removes the client and closes its send channel. Sends hold the read
// lock, so no send can race the close.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
	h.metrics.ConnectionClosed()
	h.logger.Debug("client disconnected", zap.String("conn_id", c.ID))
}

// Send delivers an event to a single connection. It reports false when the
// connection is unknown, the payload cannot be encoded, or the client buffer is full.
func (h *Hub) Send(connID string, event string, payload interface{}) bool {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode message", zap.String("event", event), zap.Error(err))
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		h.logger.Warn("client buffer full, message dropped", zap.String("conn_id", connID), zap.String("event", event))
		return false
	}
}

// Broadcast sends an event to every member of the session room except the
// connection `except`, and publishes it for other instances.
func (h *Hub) Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string) {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode message", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliverLocal(sessionID, msg, except)
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(sessionID, h.instanceID, event, msg.Data); err != nil {
			h.logger.Warn("publish session event", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
}

func (h *Hub) deliverLocal(sessionID uuid.UUID, msg WSMessage, except string) {
	members := h.rooms.MembersOf(sessionID)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range members {
		if id == except {
			continue
		}
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// OpenRoom starts the Redis subscription for a session whose room was just created.
func (h *Hub) OpenRoom(sessionID uuid.UUID) {
	if h.redisSub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sessionID]; ok {
		return
	}
	cancel, err := h.redisSub.SubscribeSession(sessionID, func(origin, event string, payload []byte) {
		if origin == h.instanceID {
			return
		}
		h.deliverLocal(sessionID, WSMessage{Event: event, Data: json.RawMessage(payload)}, "")
	})
	if err != nil {
		h.logger.Warn("subscribe session", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	h.subs[sessionID] = cancel
}

// CloseRoom cancels the Redis subscription of a released room.
func (h *Hub) CloseRoom(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.subs[sessionID]; ok {
		cancel()
		delete(h.subs, sessionID)
	}
}

// ConnectionCount returns the number of open connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
