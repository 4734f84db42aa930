package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/room"
)

type sent struct {
	to      string
	event   string
	payload interface{}
}

type fakeSender struct {
	live map[string]bool
	out  []sent
}

func (f *fakeSender) Send(connID, event string, payload interface{}) bool {
	if !f.live[connID] {
		return false
	}
	f.out = append(f.out, sent{connID, event, payload})
	return true
}

func setup() (*Relay, *fakeSender, *room.Registry) {
	rooms := room.NewRegistry()
	s := uuid.New()
	rooms.Join(s, "A")
	rooms.Join(s, "B")
	rooms.Join(uuid.New(), "C")
	sender := &fakeSender{live: map[string]bool{"A": true, "B": true, "C": true}}
	return NewRelay(sender, rooms, nil, nil), sender, rooms
}

func TestRelay_ForwardsToPeerOnly(t *testing.T) {
	relay, sender, _ := setup()

	ok := relay.Relay(KindOffer, "A", "B", json.RawMessage(`{"sdp":"v=0"}`))
	require.True(t, ok)
	require.Len(t, sender.out, 1)
	assert.Equal(t, "B", sender.out[0].to)
	assert.Equal(t, "webrtc:offer", sender.out[0].event)

	b, err := json.Marshal(sender.out[0].payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"peerId":"A","offer":{"sdp":"v=0"}}`, string(b))
}

func TestRelay_SameLogicForAllKinds(t *testing.T) {
	for kind, field := range map[Kind]string{KindOffer: "offer", KindAnswer: "answer", KindICECandidate: "candidate"} {
		relay, sender, _ := setup()
		require.True(t, relay.Relay(kind, "B", "A", json.RawMessage(`1`)))
		b, _ := json.Marshal(sender.out[0].payload)
		assert.JSONEq(t, `{"peerId":"B","`+field+`":1}`, string(b))
		assert.Equal(t, kind.Event(), sender.out[0].event)
	}
}

func TestRelay_DropsSilently(t *testing.T) {
	relay, sender, _ := setup()

	assert.False(t, relay.Relay(KindOffer, "A", "ghost", nil), "absent peer")
	assert.False(t, relay.Relay(KindOffer, "A", "C", nil), "peer in another room")
	assert.False(t, relay.Relay(KindOffer, "A", "A", nil), "self")
	assert.False(t, relay.Relay(KindOffer, "A", "", nil), "no peer")
	assert.Empty(t, sender.out)
}

func TestRelay_PeerGoneAfterLeave(t *testing.T) {
	relay, sender, rooms := setup()
	sid, _ := rooms.SessionOf("B")
	rooms.Leave(sid, "B")

	assert.False(t, relay.Relay(KindAnswer, "A", "B", json.RawMessage(`{}`)))
	assert.Empty(t, sender.out)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(KindICECandidate, json.RawMessage(`{"peerId":"B","candidate":{"candidate":"c1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "B", req.PeerID)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(req.Payload))

	_, err = ParseRequest(KindOffer, json.RawMessage(`{"offer":{}}`))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ParseRequest(KindOffer, json.RawMessage(`[]`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestKindOfEvent(t *testing.T) {
	k, ok := KindOfEvent("webrtc:ice-candidate")
	require.True(t, ok)
	assert.Equal(t, KindICECandidate, k)
	_, ok = KindOfEvent("webrtc:renegotiate")
	assert.False(t, ok)
}

func TestICEHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ice", ICEHandler(ICEServers([]string{"stun:stun.l.google.com:19302", ""})))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ice", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			ICEServers []struct {
				URLs []string `json:"urls"`
			} `json:"iceServers"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, body.Data.ICEServers[0].URLs)
}
