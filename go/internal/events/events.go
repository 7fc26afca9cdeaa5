package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type names an outbound event. One event is produced per state transition
// in the engine.
type Type string

const (
	TypeConnected          Type = "connected"
	TypeAuthenticated      Type = "authenticated"
	TypeQueueJoined        Type = "queue_joined"
	TypeQueueLeft          Type = "queue_left"
	TypeSessionStart       Type = "session_start"
	TypeStateUpdate        Type = "state_update"
	TypeSessionEnd         Type = "session_end"
	TypeSessionLeft        Type = "session_left"
	TypePlayerLeft         Type = "player_left"
	TypePlayerDisconnected Type = "player_disconnected"
	TypeSpectating         Type = "spectating"
	TypeStoppedSpectating  Type = "stopped_spectating"
	TypeChat               Type = "chat"
	TypeError              Type = "error"
)

// Event is the envelope every outbound message uses, both on the websocket
// fan-out and on the message bus.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an event, marshaling the payload. Payloads can carry raw
// state blobs from a pluggable rules engine, so a marshal failure is logged
// and the event goes out without data rather than taking down the
// broadcast path.
func New(sessionID string, t Type, payload interface{}) *Event {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Error().
				Err(err).
				Str("event_type", string(t)).
				Msg("failed to marshal event payload")
		} else {
			data = b
		}
	}
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
