// Package signaling relays WebRTC offer, answer and ICE candidate messages between
// two peers of the same room. The relay is stateless and never inspects payloads.
package signaling

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/aura-webinar/conference/internal/apperr"
	"github.com/aura-webinar/conference/internal/metrics"
)

// Kind is a signaling message kind.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Event returns the websocket event name of the kind, in both directions.
func (k Kind) Event() string { return "webrtc:" + string(k) }

// field is the payload key carrying the descriptor.
func (k Kind) field() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	default:
		return "candidate"
	}
}

// KindOfEvent maps a websocket event name to a signaling kind.
func KindOfEvent(event string) (Kind, bool) {
	for _, k := range []Kind{KindOffer, KindAnswer, KindICECandidate} {
		if k.Event() == event {
			return k, true
		}
	}
	return "", false
}

// Request is an inbound signaling message addressed to PeerID.
type Request struct {
	PeerID  string
	Payload json.RawMessage
}

// ParseRequest decodes `{peerId, offer|answer|candidate}`.
func ParseRequest(kind Kind, data json.RawMessage) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, apperr.Validation("invalid signaling payload")
	}
	var peerID string
	if err := json.Unmarshal(raw["peerId"], &peerID); err != nil || peerID == "" {
		return Request{}, apperr.Validation("peerId is required")
	}
	return Request{PeerID: peerID, Payload: raw[kind.field()]}, nil
}

// Sender delivers an event to a single connection.
type Sender interface {
	Send(connID string, event string, payload interface{}) bool
}

// Membership answers whether two connections share a room.
type Membership interface {
	InSameRoom(a, b string) bool
}

// Relay forwards signaling messages. A peer id is a connection id.
type Relay struct {
	sender  Sender
	rooms   Membership
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRelay creates a relay.
func NewRelay(sender Sender, rooms Membership, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{sender: sender, rooms: rooms, logger: logger, metrics: m}
}

// Relay forwards payload from one connection to another as
// `webrtc:<kind> {peerId: from, <field>: payload}`. Messages to an unknown peer,
// a peer in another room, or the sender itself are dropped silently. It reports
// whether the message was delivered.
func (r *Relay) Relay(kind Kind, from, to string, payload json.RawMessage) bool {
	relayed := false
	if to != "" && to != from && r.rooms.InSameRoom(from, to) {
		out := map[string]interface{}{
			"peerId":     from,
			kind.field(): payload,
		}
		relayed = r.sender.Send(to, kind.Event(), out)
	}
	r.metrics.Signal(string(kind), relayed)
	if !relayed {
		r.logger.Debug("signal dropped", zap.String("kind", string(kind)), zap.String("from", from), zap.String("to", to))
	}
	return relayed
}
