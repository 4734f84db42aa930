package realtime

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/apperr"
)

// EventError is the outbound event carrying a rejected request's error.
const EventError = "error"

// WSMessage is the WebSocket message envelope, used in both directions.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the data of an error event. Event names the inbound event that failed.
type ErrorPayload struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	Event   string      `json:"event,omitempty"`
}

// InboundKind distinguishes a client message from a connection loss.
type InboundKind int

const (
	InboundMessage InboundKind = iota
	InboundDisconnect
)

// Inbound is one event from a connection, handed to the Dispatcher in arrival order.
type Inbound struct {
	Kind       InboundKind
	ConnID     string
	RemoteAddr string
	// UserID is the presenter identity from the connection token, if any.
	UserID *uuid.UUID
	Event  string
	Data   json.RawMessage
}

// Dispatcher consumes inbound connection events.
type Dispatcher interface {
	Dispatch(in Inbound)
}

func encode(event string, payload interface{}) (WSMessage, error) {
	switch v := payload.(type) {
	case nil:
		return WSMessage{Event: event}, nil
	case json.RawMessage:
		return WSMessage{Event: event, Data: v}, nil
	case []byte:
		return WSMessage{Event: event, Data: v}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Event: event, Data: data}, nil
}
