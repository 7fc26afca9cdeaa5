package events

import (
	"encoding/json"
	"time"
)

// Payload types shared between the gateway fan-out and bus publishing.

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

type AuthenticatedPayload struct {
	PlayerID string `json:"player_id"`
}

type QueueJoinedPayload struct {
	GameID   string `json:"game_id"`
	Position int    `json:"position"`
}

type QueueLeftPayload struct {
	GameID string `json:"game_id,omitempty"`
}

type SessionStartPayload struct {
	SessionID string          `json:"session_id"`
	GameID    string          `json:"game_id"`
	Players   []string        `json:"players"`
	State     json.RawMessage `json:"state"`
	Turn      int             `json:"turn"`
	StartedAt time.Time       `json:"started_at"`
}

type StateUpdatePayload struct {
	Turn      int             `json:"turn"`
	State     json.RawMessage `json:"state"`
	TimedOut  []string        `json:"timed_out,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms"`
}

type SessionEndPayload struct {
	SessionID string             `json:"session_id"`
	Reason    string             `json:"reason"`
	Winner    string             `json:"winner,omitempty"`
	Scores    map[string]float64 `json:"scores,omitempty"`
	Turns     int                `json:"turns"`
	EndedAt   time.Time          `json:"ended_at"`
}

type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
}

type PlayerDisconnectedPayload struct {
	PlayerID string `json:"player_id"`
}

type SpectatingPayload struct {
	SessionID string          `json:"session_id"`
	GameID    string          `json:"game_id"`
	Players   []string        `json:"players"`
	State     json.RawMessage `json:"state"`
	Turn      int             `json:"turn"`
}

type StoppedSpectatingPayload struct {
	SessionID string `json:"session_id"`
}

type ChatPayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced in ErrorPayload, mirroring the engine's error
// taxonomy.
const (
	CodeValidation    = "validation_error"
	CodeAuth          = "authentication_error"
	CodeUnauthorized  = "authorization_error"
	CodeStateConflict = "state_conflict"
	CodeTransport     = "transport_failure"
	CodeInternal      = "internal_error"
)
