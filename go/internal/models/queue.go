package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry is one participant waiting in a matchmaking queue.
type QueueEntry struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	PlayerID     string    `json:"player_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}
