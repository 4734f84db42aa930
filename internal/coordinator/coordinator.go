// Package coordinator runs the session join/leave state machine. All connection
// events pass through one mailbox and are handled by a single loop, so room
// membership changes are serialized without per-room locks.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/metrics"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
	"github.com/aura-webinar/conference/internal/realtime"
	"github.com/aura-webinar/conference/internal/room"
	"github.com/aura-webinar/conference/internal/signaling"
	"github.com/aura-webinar/conference/internal/store"
)

// Gateway is the transport the coordinator talks through.
type Gateway interface {
	Send(connID string, event string, payload interface{}) bool
	Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string)
	OpenRoom(sessionID uuid.UUID)
	CloseRoom(sessionID uuid.UUID)
}

type connState int

const (
	stateUnbound connState = iota
	stateJoining
	stateJoined
	stateLeft
)

func (s connState) String() string {
	switch s {
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateLeft:
		return "left"
	default:
		return "unbound"
	}
}

// Coordinator drives the room registry, the Q&A ledger and the signaling relay
// from inbound connection events.
type Coordinator struct {
	store   store.Store
	rooms   *room.Registry
	gw      Gateway
	ledger  *qa.Ledger
	relay   *signaling.Relay
	tracker qa.Tracker
	logger  *zap.Logger
	metrics *metrics.Metrics

	mailbox chan realtime.Inbound
	done    chan struct{}
	// states is owned by the loop goroutine.
	states map[string]connState
	now    func() time.Time
}

// New creates a coordinator. tracker and m may be nil.
func New(st store.Store, rooms *room.Registry, gw Gateway, ledger *qa.Ledger, relay *signaling.Relay,
	tracker qa.Tracker, logger *zap.Logger, m *metrics.Metrics, mailboxSize int) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailboxSize <= 0 {
		mailboxSize = 1024
	}
	return &Coordinator{
		store:   st,
		rooms:   rooms,
		gw:      gw,
		ledger:  ledger,
		relay:   relay,
		tracker: tracker,
		logger:  logger,
		metrics: m,
		mailbox: make(chan realtime.Inbound, mailboxSize),
		done:    make(chan struct{}),
		states:  make(map[string]connState),
		now:     time.Now,
	}
}

// Dispatch queues an inbound event for the loop. After Run returns, events are discarded.
func (c *Coordinator) Dispatch(in realtime.Inbound) {
	select {
	case c.mailbox <- in:
	case <-c.done:
	}
}

// Run handles queued events in arrival order until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	c.logger.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping", zap.Int("pending", len(c.mailbox)))
			return
		case in := <-c.mailbox:
			c.Handle(ctx, in)
		}
	}
}

// Handle processes one event to completion. It must only be called from one
// goroutine at a time; Run does so.
func (c *Coordinator) Handle(ctx context.Context, in realtime.Inbound) {
	if in.Kind == realtime.InboundDisconnect {
		c.metrics.InboundMessage("disconnect")
		c.leave(ctx, in.ConnID, true)
		delete(c.states, in.ConnID)
		return
	}

	c.metrics.InboundMessage(in.Event)
	c.logger.Debug("inbound event", zap.String("conn_id", in.ConnID), zap.String("event", in.Event))

	var err error
	switch in.Event {
	case EventSessionJoin:
		err = c.handleJoin(ctx, in)
	case EventSessionLeave:
		err = c.handleLeave(ctx, in)
	case EventQuestionSubmit:
		err = c.handleSubmit(ctx, in)
	case EventQuestionVote:
		err = c.handleVote(ctx, in)
	case EventAnalyticsTrack:
		err = c.handleTrack(in)
	default:
		if kind, ok := signaling.KindOfEvent(in.Event); ok {
			err = c.handleSignal(kind, in)
		} else {
			err = apperr.Validation("unknown event " + in.Event)
		}
	}
	if err != nil {
		c.sendError(in, err)
	}
}

func (c *Coordinator) sendError(in realtime.Inbound, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindServerError {
		c.logger.Error("event failed", zap.String("conn_id", in.ConnID), zap.String("event", in.Event), zap.Error(err))
	} else {
		c.logger.Debug("event rejected", zap.String("conn_id", in.ConnID), zap.String("event", in.Event), zap.String("kind", string(kind)))
	}
	c.gw.Send(in.ConnID, realtime.EventError, realtime.ErrorPayload{Kind: kind, Message: apperr.Message(err), Event: in.Event})
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperr.Validation("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("invalid payload")
	}
	return nil
}

func (c *Coordinator) handleJoin(ctx context.Context, in realtime.Inbound) error {
	var req joinRequest
	if err := decode(in.Data, &req); err != nil {
		return err
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return apperr.Validation("invalid sessionId")
	}
	var attendeeID *uuid.UUID
	if req.AttendeeInfo != nil {
		attendeeID = req.AttendeeInfo.ID
	}
	return c.join(ctx, in, sessionID, attendeeID)
}

// join admits a connection to a session room. Nothing in the registry changes
// until the attendee's joined status is persisted, so a failed write leaves the
// connection where it was.
func (c *Coordinator) join(ctx context.Context, in realtime.Inbound, sessionID uuid.UUID, attendeeID *uuid.UUID) error {
	conn := in.ConnID
	sess, err := c.store.GetSessionByID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	current, inRoom := c.rooms.SessionOf(conn)
	if inRoom && current == sessionID {
		c.sendState(ctx, conn, sessionID)
		return nil
	}

	if sess.Status == models.SessionEnded {
		return apperr.ErrSessionEnded
	}
	occupied := c.rooms.SizeOf(sessionID)
	if attendeeID != nil {
		// A reconnecting attendee takes over its own seat.
		if prior, bound := c.rooms.ConnectionOf(*attendeeID); bound && prior != conn {
			if s, ok := c.rooms.SessionOf(prior); ok && s == sessionID {
				occupied--
			}
		}
	}
	if sess.MaxAttendees > 0 && occupied >= sess.MaxAttendees {
		return apperr.ErrSessionFull
	}
	if sess.RequireRegistration && attendeeID == nil {
		return apperr.ErrRegistrationRequired
	}

	var attendee *models.Attendee
	if attendeeID != nil {
		a, err := c.store.GetAttendee(ctx, *attendeeID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && a.SessionID != sessionID) {
			return apperr.ErrAttendeeNotFound
		}
		if err != nil {
			return fmt.Errorf("get attendee: %w", err)
		}
		attendee = a
	}

	prev := c.states[conn]
	c.states[conn] = stateJoining
	if attendee != nil {
		connID := conn
		if err := c.store.UpdateAttendeeStatus(ctx, attendee.ID, &connID, models.AttendeeJoined, nil); err != nil {
			c.states[conn] = prev
			return fmt.Errorf("persist attendee joined: %w", err)
		}
		attendee.ConnectionID = &connID
		attendee.Status = models.AttendeeJoined
		attendee.LeftAt = nil
	}

	if inRoom {
		c.leave(ctx, conn, false)
	}
	if created := c.rooms.Join(sessionID, conn); created {
		c.gw.OpenRoom(sessionID)
	}
	if attendee != nil {
		if old, superseded := c.rooms.BindAttendee(conn, attendee.ID); superseded {
			c.evict(old)
			c.logger.Info("attendee reconnected, previous connection superseded",
				zap.String("attendee_id", attendee.ID.String()), zap.String("old_conn_id", old), zap.String("conn_id", conn))
		}
	}
	c.states[conn] = stateJoined
	c.updateRoomMetrics()

	isPresenter := in.UserID != nil && *in.UserID == sess.UserID
	c.gw.Broadcast(sessionID, EventAttendeeJoined, AttendeeJoinedPayload{Attendee: attendee, PeerID: conn}, conn)
	c.gw.Broadcast(sessionID, EventPeerConnected, PeerConnectedPayload{PeerID: conn, IsPresenter: isPresenter}, conn)
	c.sendState(ctx, conn, sessionID)

	c.track(sessionID, models.EventAttendeeJoined, map[string]interface{}{
		"attendeeId": attendeeID,
		"peerId":     conn,
	})
	c.logger.Debug("connection joined session", zap.String("conn_id", conn), zap.String("session_id", sessionID.String()),
		zap.Stringer("previous_state", prev))
	return nil
}

// evict drops a superseded connection from its room without touching the
// attendee record, which now belongs to the new connection.
func (c *Coordinator) evict(conn string) {
	sessionID, ok := c.rooms.SessionOf(conn)
	if !ok {
		return
	}
	if released := c.rooms.Leave(sessionID, conn); released {
		c.gw.CloseRoom(sessionID)
	}
	c.states[conn] = stateLeft
	c.gw.Broadcast(sessionID, EventPeerDisconnected, PeerDisconnectedPayload{PeerID: conn}, conn)
}

// sendState sends the room snapshot. A failed read is logged and skipped; the
// join itself has already succeeded.
func (c *Coordinator) sendState(ctx context.Context, conn string, sessionID uuid.UUID) {
	snap, err := c.store.Snapshot(ctx, sessionID)
	if err != nil {
		c.logger.Warn("session snapshot", zap.String("conn_id", conn), zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	qa.Sort(snap.Questions)
	c.gw.Send(conn, EventSessionState, StatePayload{
		Session:   snap.Session,
		Attendees: snap.Attendees,
		Questions: snap.Questions,
		PeerID:    conn,
	})
}

func (c *Coordinator) handleLeave(ctx context.Context, in realtime.Inbound) error {
	var req leaveRequest
	if len(in.Data) > 0 {
		if err := decode(in.Data, &req); err != nil {
			return err
		}
	}
	if req.SessionID != "" {
		sessionID, err := uuid.Parse(req.SessionID)
		if err != nil {
			return apperr.Validation("invalid sessionId")
		}
		if current, ok := c.rooms.SessionOf(in.ConnID); ok && current != sessionID {
			return apperr.Validation("connection is not in that session")
		}
	}
	c.leave(ctx, in.ConnID, false)
	return nil
}

// leave is the single exit path for explicit leaves and disconnects. It is a
// no-op for a connection that is not in a room, so repeated calls broadcast once.
func (c *Coordinator) leave(ctx context.Context, conn string, disconnected bool) {
	sessionID, ok := c.rooms.SessionOf(conn)
	if !ok {
		return
	}
	if released := c.rooms.Leave(sessionID, conn); released {
		c.gw.CloseRoom(sessionID)
	}
	var attendeeID *uuid.UUID
	if id, bound := c.rooms.Unbind(conn); bound {
		attendeeID = &id
	}
	c.states[conn] = stateLeft
	c.updateRoomMetrics()

	if attendeeID != nil {
		now := c.now()
		if err := c.store.UpdateAttendeeStatus(ctx, *attendeeID, nil, models.AttendeeLeft, &now); err != nil {
			c.logger.Error("persist attendee left", zap.String("attendee_id", attendeeID.String()),
				zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}

	c.gw.Broadcast(sessionID, EventAttendeeLeft, AttendeeLeftPayload{AttendeeID: attendeeID, PeerID: conn}, conn)
	c.gw.Broadcast(sessionID, EventPeerDisconnected, PeerDisconnectedPayload{PeerID: conn}, conn)

	eventType := models.EventAttendeeLeft
	if disconnected {
		eventType = models.EventAttendeeDisconnected
	}
	c.track(sessionID, eventType, map[string]interface{}{
		"attendeeId": attendeeID,
		"peerId":     conn,
	})
	c.logger.Debug("connection left session", zap.String("conn_id", conn), zap.String("session_id", sessionID.String()),
		zap.Bool("disconnected", disconnected))
}

func (c *Coordinator) handleSubmit(ctx context.Context, in realtime.Inbound) error {
	sessionID, ok := c.rooms.SessionOf(in.ConnID)
	if !ok {
		return apperr.Validation("not in a session")
	}
	var req submitRequest
	if err := decode(in.Data, &req); err != nil {
		return err
	}
	if req.Question == nil {
		return apperr.Validation("question is required")
	}
	input := *req.Question
	if input.AttendeeID == nil {
		if id, bound := c.rooms.AttendeeOf(in.ConnID); bound {
			input.AttendeeID = &id
		}
	}
	_, err := c.ledger.Submit(ctx, sessionID, input)
	return err
}

func (c *Coordinator) handleVote(ctx context.Context, in realtime.Inbound) error {
	sessionID, ok := c.rooms.SessionOf(in.ConnID)
	if !ok {
		return apperr.Validation("not in a session")
	}
	var req voteRequest
	if err := decode(in.Data, &req); err != nil {
		return err
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		return apperr.Validation("invalid questionId")
	}
	voter := qa.Voter{Address: in.RemoteAddr}
	if id, bound := c.rooms.AttendeeOf(in.ConnID); bound {
		voter.AttendeeID = &id
	}
	_, err = c.ledger.Vote(ctx, sessionID, questionID, req.VoteType, voter)
	return err
}

func (c *Coordinator) handleSignal(kind signaling.Kind, in realtime.Inbound) error {
	req, err := signaling.ParseRequest(kind, in.Data)
	if err != nil {
		return err
	}
	c.relay.Relay(kind, in.ConnID, req.PeerID, req.Payload)
	return nil
}

func (c *Coordinator) handleTrack(in realtime.Inbound) error {
	sessionID, ok := c.rooms.SessionOf(in.ConnID)
	if !ok {
		return nil
	}
	var req trackRequest
	if err := decode(in.Data, &req); err != nil {
		return err
	}
	if req.EventType == "" {
		return apperr.Validation("eventType is required")
	}
	var data interface{}
	if len(req.EventData) > 0 {
		data = req.EventData
	}
	c.track(sessionID, req.EventType, data)
	return nil
}

func (c *Coordinator) track(sessionID uuid.UUID, eventType string, data interface{}) {
	if c.tracker != nil {
		c.tracker.Track(sessionID, eventType, data)
	}
}

func (c *Coordinator) updateRoomMetrics() {
	rooms, _ := c.rooms.Stats()
	c.metrics.SetRooms(rooms)
}
