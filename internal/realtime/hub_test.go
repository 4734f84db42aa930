package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/room"
)

type recordingDispatcher struct {
	ch chan Inbound
}

func (d *recordingDispatcher) Dispatch(in Inbound) { d.ch <- in }

func (d *recordingDispatcher) next(t *testing.T) Inbound {
	t.Helper()
	select {
	case in := <-d.ch:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound event dispatched")
		return Inbound{}
	}
}

var errBadToken = errors.New("bad token")

func newTestServer(t *testing.T, hub *Hub, opts ClientOptions) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validate := func(token string) (uuid.UUID, error) {
		if token == "good" {
			return uuid.MustParse("11111111-1111-1111-1111-111111111111"), nil
		}
		return uuid.Nil, errBadToken
	}
	r := gin.New()
	r.GET("/ws", ServeWs(hub, zap.NewNop(), validate, opts))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func newHub(t *testing.T) (*Hub, *recordingDispatcher) {
	t.Helper()
	hub := NewHub(room.NewRegistry(), zap.NewNop(), nil, nil, nil)
	d := &recordingDispatcher{ch: make(chan Inbound, 16)}
	hub.SetDispatcher(d)
	return hub, d
}

func TestHub_DispatchSendAndDisconnect(t *testing.T) {
	hub, d := newHub(t)
	srv := newTestServer(t, hub, DefaultClientOptions())
	conn := dial(t, srv, "?token=good")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "session:join", "data": map[string]string{"sessionId": "x"}}))
	in := d.next(t)
	assert.Equal(t, InboundMessage, in.Kind)
	assert.Equal(t, "session:join", in.Event)
	assert.JSONEq(t, `{"sessionId":"x"}`, string(in.Data))
	assert.NotEmpty(t, in.ConnID)
	require.NotNil(t, in.UserID)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", in.UserID.String())

	assert.True(t, hub.Send(in.ConnID, "session:state", map[string]bool{"ok": true}))
	msg := readMessage(t, conn)
	assert.Equal(t, "session:state", msg.Event)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Data))

	require.NoError(t, conn.Close())
	out := d.next(t)
	assert.Equal(t, InboundDisconnect, out.Kind)
	assert.Equal(t, in.ConnID, out.ConnID)
	assert.False(t, hub.Send(in.ConnID, "session:state", nil))
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub, d := newHub(t)
	srv := newTestServer(t, hub, DefaultClientOptions())
	a := dial(t, srv, "")
	b := dial(t, srv, "")

	require.NoError(t, a.WriteJSON(WSMessage{Event: "ping"}))
	idA := d.next(t).ConnID
	require.NoError(t, b.WriteJSON(WSMessage{Event: "ping"}))
	idB := d.next(t).ConnID

	session := uuid.New()
	hub.rooms.Join(session, idA)
	hub.rooms.Join(session, idB)

	hub.Broadcast(session, "question:new", map[string]string{"content": "hi"}, idA)
	msg := readMessage(t, b)
	assert.Equal(t, "question:new", msg.Event)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var none WSMessage
	assert.Error(t, a.ReadJSON(&none), "sender must not receive its own broadcast")
}

func TestHub_MalformedMessage(t *testing.T) {
	hub, d := newHub(t)
	srv := newTestServer(t, hub, DefaultClientOptions())
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	require.Equal(t, EventError, msg.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	assert.Equal(t, apperr.KindValidation, p.Kind)
	assert.Empty(t, d.ch)
}

func TestHub_RateLimited(t *testing.T) {
	hub, d := newHub(t)
	srv := newTestServer(t, hub, ClientOptions{SendBuffer: 8, RatePerSec: 0.001, RateBurst: 1})
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "question:vote"}))
	d.next(t)
	require.NoError(t, conn.WriteJSON(WSMessage{Event: "question:vote"}))

	msg := readMessage(t, conn)
	require.Equal(t, EventError, msg.Event)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	assert.Equal(t, apperr.KindRateLimited, p.Kind)
	assert.Equal(t, "question:vote", p.Event)
}

func TestServeWs_InvalidToken(t *testing.T) {
	hub, _ := newHub(t)
	srv := newTestServer(t, hub, DefaultClientOptions())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bad"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fakeRedis struct {
	mu        sync.Mutex
	published []redisPayload
	handler   func(origin, event string, payload []byte)
	cancelled bool
}

func (f *fakeRedis) PublishSessionEvent(_ uuid.UUID, origin, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, redisPayload{Origin: origin, Event: event, Data: payload})
	return nil
}

func (f *fakeRedis) SubscribeSession(_ uuid.UUID, handler func(origin, event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() { f.cancelled = true }, nil
}

func TestHub_CrossInstanceFanOut(t *testing.T) {
	fake := &fakeRedis{}
	hub := NewHub(room.NewRegistry(), zap.NewNop(), fake, fake, nil)
	d := &recordingDispatcher{ch: make(chan Inbound, 16)}
	hub.SetDispatcher(d)
	srv := newTestServer(t, hub, DefaultClientOptions())
	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(WSMessage{Event: "ping"}))
	id := d.next(t).ConnID

	session := uuid.New()
	hub.rooms.Join(session, id)
	hub.OpenRoom(session)
	require.NotNil(t, fake.handler)

	hub.Broadcast(session, "session:status-changed", map[string]string{"status": "live"}, "")
	require.Len(t, fake.published, 1)
	assert.Equal(t, hub.instanceID, fake.published[0].Origin)
	assert.Equal(t, "session:status-changed", readMessage(t, conn).Event)

	// Our own publications echo back from Redis and must be ignored.
	fake.handler(hub.instanceID, "echo", []byte(`{}`))
	fake.handler("other-instance", "question:new", []byte(`{"question":{}}`))
	assert.Equal(t, "question:new", readMessage(t, conn).Event)

	hub.CloseRoom(session)
	assert.True(t, fake.cancelled)
}
