package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// Session is the authoritative in-memory record of one multiplayer match.
// The state blob is opaque to the engine; only the rules engine for the
// session's game type interprets it.
type Session struct {
	ID         uuid.UUID       `json:"id"`
	GameTypeID string          `json:"game_type_id"`
	Players    []string        `json:"players"`
	State      json.RawMessage `json:"state"`
	Turn       int             `json:"turn"`
	Status     SessionStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Outcome is the terminal record of a session, persisted on completion or
// abandonment.
type Outcome struct {
	SessionID  uuid.UUID          `json:"session_id"`
	GameTypeID string             `json:"game_type_id"`
	Players    []string           `json:"players"`
	Winner     string             `json:"winner,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Reason     string             `json:"reason"`
	Turns      int                `json:"turns"`
	EndedAt    time.Time          `json:"ended_at"`
}

const (
	OutcomeReasonCompleted = "completed"
	OutcomeReasonAbandoned = "abandoned"
)
