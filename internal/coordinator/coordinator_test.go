package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/models"
	"github.com/aura-webinar/conference/internal/qa"
	"github.com/aura-webinar/conference/internal/realtime"
	"github.com/aura-webinar/conference/internal/room"
	"github.com/aura-webinar/conference/internal/signaling"
	"github.com/aura-webinar/conference/internal/store"
)

type sent struct {
	conn    string
	event   string
	payload interface{}
}

type broadcast struct {
	session uuid.UUID
	event   string
	payload interface{}
	except  string
}

type fakeGateway struct {
	mu         sync.Mutex
	sends      []sent
	broadcasts []broadcast
	opened     []uuid.UUID
	closed     []uuid.UUID
}

func (g *fakeGateway) Send(connID, event string, payload interface{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, sent{connID, event, payload})
	return true
}

func (g *fakeGateway) Broadcast(sessionID uuid.UUID, event string, payload interface{}, except string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcasts = append(g.broadcasts, broadcast{sessionID, event, payload, except})
}

func (g *fakeGateway) OpenRoom(sessionID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = append(g.opened, sessionID)
}

func (g *fakeGateway) CloseRoom(sessionID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, sessionID)
}

func (g *fakeGateway) sentTo(conn, event string) []interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []interface{}
	for _, s := range g.sends {
		if s.conn == conn && s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

func (g *fakeGateway) broadcastsOf(event string) []broadcast {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []broadcast
	for _, b := range g.broadcasts {
		if b.event == event {
			out = append(out, b)
		}
	}
	return out
}

func (g *fakeGateway) lastError(conn string) realtime.ErrorPayload {
	errs := g.sentTo(conn, realtime.EventError)
	if len(errs) == 0 {
		return realtime.ErrorPayload{}
	}
	return errs[len(errs)-1].(realtime.ErrorPayload)
}

type tracked struct {
	session   uuid.UUID
	eventType string
}

type fakeTracker struct {
	mu     sync.Mutex
	events []tracked
}

func (f *fakeTracker) Track(sessionID uuid.UUID, eventType string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, tracked{sessionID, eventType})
}

func (f *fakeTracker) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.eventType)
	}
	return out
}

// failingStore fails attendee status writes.
type failingStore struct {
	store.Store
}

func (failingStore) UpdateAttendeeStatus(context.Context, uuid.UUID, *string, models.AttendeeStatus, *time.Time) error {
	return errors.New("connection reset by peer")
}

type fixture struct {
	ctx     context.Context
	mem     *store.Memory
	rooms   *room.Registry
	gw      *fakeGateway
	tracker *fakeTracker
	coord   *Coordinator
	owner   uuid.UUID
}

func newFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	mem := store.NewMemory()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	rooms := room.NewRegistry()
	gw := &fakeGateway{}
	tr := &fakeTracker{}
	ledger := qa.NewLedger(st, gw, tr, nil, nil)
	relay := signaling.NewRelay(gw, rooms, nil, nil)
	return &fixture{
		ctx:     context.Background(),
		mem:     mem,
		rooms:   rooms,
		gw:      gw,
		tracker: tr,
		coord:   New(st, rooms, gw, ledger, relay, tr, nil, nil, 16),
		owner:   uuid.New(),
	}
}

func (f *fixture) session(t *testing.T, mutate func(*models.Session)) *models.Session {
	t.Helper()
	s := &models.Session{
		UserID:         f.owner,
		Title:          "Quarterly all-hands",
		Slug:           "all-hands-" + uuid.NewString()[:8],
		MaxAttendees:   100,
		AllowQuestions: true,
		Settings:       models.DefaultSessionSettings(),
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, f.mem.CreateSession(f.ctx, s))
	return s
}

func (f *fixture) attendee(t *testing.T, sessionID uuid.UUID) *models.Attendee {
	t.Helper()
	name := "Dana"
	a := &models.Attendee{SessionID: sessionID, Name: &name}
	require.NoError(t, f.mem.InsertAttendee(f.ctx, a))
	return a
}

func msg(t *testing.T, conn, event string, data interface{}) realtime.Inbound {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return realtime.Inbound{Kind: realtime.InboundMessage, ConnID: conn, RemoteAddr: "10.0.0.1", Event: event, Data: raw}
}

func (f *fixture) join(t *testing.T, conn string, sessionID uuid.UUID, attendeeID *uuid.UUID) {
	t.Helper()
	data := map[string]interface{}{"sessionId": sessionID.String()}
	if attendeeID != nil {
		data["attendeeInfo"] = map[string]interface{}{"id": attendeeID.String()}
	}
	f.coord.Handle(f.ctx, msg(t, conn, EventSessionJoin, data))
}

func TestJoin_UnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	f.join(t, "c1", uuid.New(), nil)

	assert.Equal(t, apperr.KindSessionNotFound, f.gw.lastError("c1").Kind)
	assert.Equal(t, EventSessionJoin, f.gw.lastError("c1").Event)
	_, ok := f.rooms.SessionOf("c1")
	assert.False(t, ok)
	assert.Empty(t, f.gw.broadcasts)
}

func TestJoin_InvalidPayload(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.Handle(f.ctx, realtime.Inbound{Kind: realtime.InboundMessage, ConnID: "c1", Event: EventSessionJoin, Data: json.RawMessage(`{"sessionId":"nope"}`)})

	assert.Equal(t, apperr.KindValidation, f.gw.lastError("c1").Kind)
}

func TestJoin_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	a := f.attendee(t, s.ID)
	f.join(t, "c0", s.ID, nil)

	f.join(t, "c1", s.ID, &a.ID)

	sid, ok := f.rooms.SessionOf("c1")
	require.True(t, ok)
	assert.Equal(t, s.ID, sid)
	bound, ok := f.rooms.AttendeeOf("c1")
	require.True(t, ok)
	assert.Equal(t, a.ID, bound)
	assert.Equal(t, []uuid.UUID{s.ID}, f.gw.opened)

	stored, err := f.mem.GetAttendee(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttendeeJoined, stored.Status)
	require.NotNil(t, stored.ConnectionID)
	assert.Equal(t, "c1", *stored.ConnectionID)

	joined := f.gw.broadcastsOf(EventAttendeeJoined)
	require.Len(t, joined, 2)
	assert.Equal(t, "c1", joined[1].except)
	p := joined[1].payload.(AttendeeJoinedPayload)
	assert.Equal(t, "c1", p.PeerID)
	require.NotNil(t, p.Attendee)
	assert.Equal(t, a.ID, p.Attendee.ID)

	peers := f.gw.broadcastsOf(EventPeerConnected)
	require.Len(t, peers, 2)
	assert.False(t, peers[1].payload.(PeerConnectedPayload).IsPresenter)

	states := f.gw.sentTo("c1", EventSessionState)
	require.Len(t, states, 1)
	state := states[0].(StatePayload)
	assert.Equal(t, s.ID, state.Session.ID)
	assert.Equal(t, "c1", state.PeerID)
	require.Len(t, state.Attendees, 1)
	assert.Equal(t, models.AttendeeJoined, state.Attendees[0].Status)

	assert.Equal(t, []string{models.EventAttendeeJoined, models.EventAttendeeJoined}, f.tracker.types())
	assert.Empty(t, f.gw.sentTo("c1", realtime.EventError))
}

func TestJoin_PresenterFlag(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	in := msg(t, "host", EventSessionJoin, map[string]string{"sessionId": s.ID.String()})
	in.UserID = &f.owner

	f.coord.Handle(f.ctx, in)

	peers := f.gw.broadcastsOf(EventPeerConnected)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].payload.(PeerConnectedPayload).IsPresenter)
}

func TestJoin_SameSessionTwiceResendsState(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)

	f.join(t, "c1", s.ID, nil)
	f.join(t, "c1", s.ID, nil)

	assert.Len(t, f.gw.sentTo("c1", EventSessionState), 2)
	assert.Len(t, f.gw.broadcastsOf(EventAttendeeJoined), 1)
	assert.Equal(t, 1, f.rooms.SizeOf(s.ID))
}

func TestJoin_MovesBetweenSessions(t *testing.T) {
	f := newFixture(t, nil)
	first := f.session(t, nil)
	second := f.session(t, nil)

	f.join(t, "c1", first.ID, nil)
	f.join(t, "c1", second.ID, nil)

	sid, _ := f.rooms.SessionOf("c1")
	assert.Equal(t, second.ID, sid)
	assert.Equal(t, 0, f.rooms.SizeOf(first.ID))
	assert.Equal(t, []uuid.UUID{first.ID}, f.gw.closed)
	left := f.gw.broadcastsOf(EventAttendeeLeft)
	require.Len(t, left, 1)
	assert.Equal(t, first.ID, left[0].session)
}

func TestJoin_Guards(t *testing.T) {
	t.Run("ended", func(t *testing.T) {
		f := newFixture(t, nil)
		s := f.session(t, nil)
		_, err := f.mem.UpdateSessionStatus(f.ctx, s.ID, models.SessionEnded, models.SessionScheduled)
		require.NoError(t, err)

		f.join(t, "c1", s.ID, nil)

		assert.Equal(t, apperr.KindSessionEnded, f.gw.lastError("c1").Kind)
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t, nil)
		s := f.session(t, func(s *models.Session) { s.MaxAttendees = 1 })
		f.join(t, "c1", s.ID, nil)

		f.join(t, "c2", s.ID, nil)

		assert.Equal(t, apperr.KindSessionFull, f.gw.lastError("c2").Kind)
		assert.Equal(t, 1, f.rooms.SizeOf(s.ID))
	})

	t.Run("registration required", func(t *testing.T) {
		f := newFixture(t, nil)
		s := f.session(t, func(s *models.Session) { s.RequireRegistration = true })

		f.join(t, "c1", s.ID, nil)

		assert.Equal(t, apperr.KindRegistrationRequired, f.gw.lastError("c1").Kind)
	})

	t.Run("attendee of another session", func(t *testing.T) {
		f := newFixture(t, nil)
		s := f.session(t, nil)
		other := f.session(t, nil)
		a := f.attendee(t, other.ID)

		f.join(t, "c1", s.ID, &a.ID)

		assert.Equal(t, apperr.KindAttendeeNotFound, f.gw.lastError("c1").Kind)
		_, ok := f.rooms.SessionOf("c1")
		assert.False(t, ok)
	})
}

func TestJoin_StoreFailureLeavesRegistryUnchanged(t *testing.T) {
	f := newFixture(t, func(st store.Store) store.Store { return failingStore{st} })
	s := f.session(t, nil)
	a := f.attendee(t, s.ID)

	f.join(t, "c1", s.ID, &a.ID)

	assert.Equal(t, apperr.KindServerError, f.gw.lastError("c1").Kind)
	_, ok := f.rooms.SessionOf("c1")
	assert.False(t, ok)
	_, ok = f.rooms.ConnectionOf(a.ID)
	assert.False(t, ok)
	assert.Empty(t, f.gw.broadcasts)
	assert.Empty(t, f.gw.opened)
}

func TestJoin_ReconnectSupersedes(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	a := f.attendee(t, s.ID)

	f.join(t, "old", s.ID, &a.ID)
	f.join(t, "new", s.ID, &a.ID)

	conn, ok := f.rooms.ConnectionOf(a.ID)
	require.True(t, ok)
	assert.Equal(t, "new", conn)
	_, ok = f.rooms.AttendeeOf("old")
	assert.False(t, ok)
	_, ok = f.rooms.SessionOf("old")
	assert.False(t, ok, "superseded connection must leave the room")
	assert.Equal(t, 1, f.rooms.SizeOf(s.ID))

	gone := f.gw.broadcastsOf(EventPeerDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, "old", gone[0].payload.(PeerDisconnectedPayload).PeerID)

	// The superseded connection leaving must not mark the attendee as left.
	f.coord.Handle(f.ctx, realtime.Inbound{Kind: realtime.InboundDisconnect, ConnID: "old"})
	stored, err := f.mem.GetAttendee(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttendeeJoined, stored.Status)
}

func TestJoin_ReconnectKeepsSeat(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, func(s *models.Session) { s.MaxAttendees = 2 })
	a := f.attendee(t, s.ID)
	b := f.attendee(t, s.ID)

	f.join(t, "a1", s.ID, &a.ID)
	f.join(t, "b1", s.ID, &b.ID)
	// Room is full, but a reconnect replaces its own seat.
	f.join(t, "a2", s.ID, &a.ID)
	assert.Empty(t, f.gw.sentTo("a2", realtime.EventError))
	assert.Equal(t, 2, f.rooms.SizeOf(s.ID))

	for i := 0; i < 3; i++ {
		f.join(t, "a3", s.ID, &a.ID)
		f.join(t, "a2", s.ID, &a.ID)
	}
	assert.Equal(t, 2, f.rooms.SizeOf(s.ID))

	c := f.attendee(t, s.ID)
	f.join(t, "c1", s.ID, &c.ID)
	assert.Equal(t, apperr.KindSessionFull, f.gw.lastError("c1").Kind)
}

func TestLeave_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	a := f.attendee(t, s.ID)
	f.join(t, "c1", s.ID, &a.ID)

	f.coord.Handle(f.ctx, msg(t, "c1", EventSessionLeave, map[string]string{"sessionId": s.ID.String()}))
	f.coord.Handle(f.ctx, msg(t, "c1", EventSessionLeave, map[string]string{"sessionId": s.ID.String()}))
	f.coord.Handle(f.ctx, realtime.Inbound{Kind: realtime.InboundDisconnect, ConnID: "c1"})

	left := f.gw.broadcastsOf(EventAttendeeLeft)
	require.Len(t, left, 1)
	p := left[0].payload.(AttendeeLeftPayload)
	require.NotNil(t, p.AttendeeID)
	assert.Equal(t, a.ID, *p.AttendeeID)
	assert.Len(t, f.gw.broadcastsOf(EventPeerDisconnected), 1)
	assert.Equal(t, []uuid.UUID{s.ID}, f.gw.closed)

	stored, err := f.mem.GetAttendee(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttendeeLeft, stored.Status)
	assert.NotNil(t, stored.LeftAt)
	assert.Nil(t, stored.ConnectionID)
	assert.Equal(t, []string{models.EventAttendeeJoined, models.EventAttendeeLeft}, f.tracker.types())
}

func TestLeave_WrongSession(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	f.join(t, "c1", s.ID, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", EventSessionLeave, map[string]string{"sessionId": uuid.NewString()}))

	assert.Equal(t, apperr.KindValidation, f.gw.lastError("c1").Kind)
	assert.Equal(t, 1, f.rooms.SizeOf(s.ID))
}

func TestDisconnect_TracksDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	f.join(t, "c1", s.ID, nil)

	f.coord.Handle(f.ctx, realtime.Inbound{Kind: realtime.InboundDisconnect, ConnID: "c1"})

	assert.Equal(t, []string{models.EventAttendeeJoined, models.EventAttendeeDisconnected}, f.tracker.types())
	p := f.gw.broadcastsOf(EventAttendeeLeft)[0].payload.(AttendeeLeftPayload)
	assert.Nil(t, p.AttendeeID)
	assert.Equal(t, "c1", p.PeerID)
}

func TestSignal_AbsentPeerIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	f.join(t, "c1", s.ID, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", "webrtc:offer", map[string]interface{}{"peerId": "ghost", "offer": map[string]string{"sdp": "v=0"}}))

	assert.Empty(t, f.gw.sentTo("ghost", "webrtc:offer"))
	assert.Empty(t, f.gw.sentTo("c1", realtime.EventError))
}

func TestSignal_DeliveredWithinRoom(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	other := f.session(t, nil)
	f.join(t, "c1", s.ID, nil)
	f.join(t, "c2", s.ID, nil)
	f.join(t, "c3", other.ID, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", "webrtc:offer", map[string]interface{}{"peerId": "c2", "offer": map[string]string{"sdp": "v=0"}}))
	f.coord.Handle(f.ctx, msg(t, "c1", "webrtc:ice-candidate", map[string]interface{}{"peerId": "c3", "candidate": map[string]string{"candidate": "a"}}))

	offers := f.gw.sentTo("c2", "webrtc:offer")
	require.Len(t, offers, 1)
	out := offers[0].(map[string]interface{})
	assert.Equal(t, "c1", out["peerId"])
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(out["offer"].(json.RawMessage)))
	assert.Empty(t, f.gw.sentTo("c3", "webrtc:ice-candidate"))
}

func TestSignal_MissingPeerID(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", "webrtc:answer", map[string]interface{}{"answer": map[string]string{"sdp": "v=0"}}))

	assert.Equal(t, apperr.KindValidation, f.gw.lastError("c1").Kind)
}

func TestSubmitAndVote(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	a := f.attendee(t, s.ID)
	f.join(t, "c1", s.ID, &a.ID)
	f.join(t, "c2", s.ID, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", EventQuestionSubmit, map[string]interface{}{
		"question": map[string]interface{}{"content": "  Will the slides be shared?  "},
	}))

	qs, err := f.mem.ListQuestions(f.ctx, s.ID, store.QuestionFilter{})
	require.NoError(t, err)
	require.Len(t, qs, 1)
	q := qs[0]
	assert.Equal(t, "Will the slides be shared?", q.Content)
	require.NotNil(t, q.AttendeeID)
	assert.Equal(t, a.ID, *q.AttendeeID)
	assert.Len(t, f.gw.broadcastsOf(qa.EventQuestionNew), 1)

	vote := map[string]string{"questionId": q.ID.String(), "voteType": "up"}
	f.coord.Handle(f.ctx, msg(t, "c1", EventQuestionVote, vote))
	f.coord.Handle(f.ctx, msg(t, "c1", EventQuestionVote, vote))
	f.coord.Handle(f.ctx, msg(t, "c2", EventQuestionVote, vote))

	assert.Equal(t, apperr.KindDuplicateVote, f.gw.lastError("c1").Kind)
	assert.Empty(t, f.gw.sentTo("c2", realtime.EventError))
	got, err := f.mem.GetQuestion(f.ctx, s.ID, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Upvotes)
	assert.Equal(t, 2, f.mem.VoteCount(q.ID))
	assert.Len(t, f.gw.broadcastsOf(qa.EventQuestionVoted), 2)
}

func TestSubmit_NotInSession(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", EventQuestionSubmit, map[string]interface{}{"question": map[string]string{"content": "hi"}}))
	f.coord.Handle(f.ctx, msg(t, "c1", EventQuestionVote, map[string]string{"questionId": uuid.NewString(), "voteType": "up"}))

	errs := f.gw.sentTo("c1", realtime.EventError)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, apperr.KindValidation, e.(realtime.ErrorPayload).Kind)
	}
}

func TestTrack(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)

	// Outside a session the event is ignored.
	f.coord.Handle(f.ctx, msg(t, "c1", EventAnalyticsTrack, map[string]interface{}{"eventType": "poll_opened"}))
	assert.Empty(t, f.tracker.types())

	f.join(t, "c1", s.ID, nil)
	f.coord.Handle(f.ctx, msg(t, "c1", EventAnalyticsTrack, map[string]interface{}{"eventType": "hand_raised", "eventData": map[string]int{"n": 1}}))
	f.coord.Handle(f.ctx, msg(t, "c1", EventAnalyticsTrack, map[string]interface{}{}))

	assert.Equal(t, []string{models.EventAttendeeJoined, "hand_raised"}, f.tracker.types())
	assert.Equal(t, apperr.KindValidation, f.gw.lastError("c1").Kind)
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture(t, nil)

	f.coord.Handle(f.ctx, msg(t, "c1", "chat:send", map[string]string{}))

	got := f.gw.lastError("c1")
	assert.Equal(t, apperr.KindValidation, got.Kind)
	assert.Equal(t, "chat:send", got.Event)
}

func TestRun_ProcessesMailboxInOrder(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, nil)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		f.coord.Run(ctx)
		close(done)
	}()

	f.coord.Dispatch(msg(t, "c1", EventSessionJoin, map[string]string{"sessionId": s.ID.String()}))
	f.coord.Dispatch(realtime.Inbound{Kind: realtime.InboundDisconnect, ConnID: "c1"})

	require.Eventually(t, func() bool {
		return len(f.gw.broadcastsOf(EventPeerDisconnected)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.rooms.SizeOf(s.ID))

	cancel()
	<-done

	// Dispatch after Run has returned must not block.
	returned := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			f.coord.Dispatch(realtime.Inbound{Kind: realtime.InboundDisconnect, ConnID: "c9"})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked after shutdown")
	}
}
