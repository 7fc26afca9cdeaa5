package matchmaking

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/models"
)

var (
	ErrAlreadyQueued    = errors.New("player is already in a matchmaking queue")
	ErrAlreadyInSession = errors.New("player is already in an active session")
)

// SessionLocator reports whether a player is currently bound to a session.
// Implemented by the session registry.
type SessionLocator interface {
	PlayerSession(playerID string) (uuid.UUID, bool)
}

// Queue holds per-game-type FIFO waiting lists and forms a match the moment
// a list reaches the game type's required player count. No priority, rating,
// or skill matching: strictly oldest-first.
type Queue struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions SessionLocator

	queues   map[string][]models.QueueEntry
	byPlayer map[string]string // playerID -> gameTypeID
}

func NewQueue(sessions SessionLocator, clock clockwork.Clock) *Queue {
	return &Queue{
		clock:    clock,
		sessions: sessions,
		queues:   make(map[string][]models.QueueEntry),
		byPlayer: make(map[string]string),
	}
}

// Enqueue appends a player to the queue for a game type and returns their
// 1-based position. When the queue reaches the required count it atomically
// removes exactly that many entries, oldest first, and returns them as the
// formed match; the caller hands them to the session registry.
func (q *Queue) Enqueue(gt models.GameType, playerID string, connID uuid.UUID) (int, []models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.byPlayer[playerID]; queued {
		return 0, nil, fmt.Errorf("enqueue %s: %w", playerID, ErrAlreadyQueued)
	}
	if _, inSession := q.sessions.PlayerSession(playerID); inSession {
		return 0, nil, fmt.Errorf("enqueue %s: %w", playerID, ErrAlreadyInSession)
	}

	entry := models.QueueEntry{
		ConnectionID: connID,
		PlayerID:     playerID,
		EnqueuedAt:   q.clock.Now(),
	}
	q.queues[gt.ID] = append(q.queues[gt.ID], entry)
	q.byPlayer[playerID] = gt.ID
	position := len(q.queues[gt.ID])

	log.Debug().
		Str("player_id", playerID).
		Str("game_type", gt.ID).
		Int("position", position).
		Msg("player enqueued")

	if position < gt.RequiredPlayers {
		return position, nil, nil
	}

	// Take exactly the required count, oldest first.
	matched := make([]models.QueueEntry, gt.RequiredPlayers)
	copy(matched, q.queues[gt.ID][:gt.RequiredPlayers])
	rest := q.queues[gt.ID][gt.RequiredPlayers:]
	if len(rest) == 0 {
		delete(q.queues, gt.ID)
	} else {
		q.queues[gt.ID] = rest
	}
	for _, e := range matched {
		delete(q.byPlayer, e.PlayerID)
	}

	log.Info().
		Str("game_type", gt.ID).
		Int("players", len(matched)).
		Msg("match formed from queue")

	return position, matched, nil
}

// Dequeue removes the entry for a connection from whichever queue holds it.
// Idempotent: removing a non-member is a no-op returning false.
func (q *Queue) Dequeue(connID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for gameTypeID, entries := range q.queues {
		for i, e := range entries {
			if e.ConnectionID == connID {
				q.removeLocked(gameTypeID, i)
				return true
			}
		}
	}
	return false
}

// RemovePlayer removes a player's entry by player id. Used as a safety net
// by the session registry's leave handling.
func (q *Queue) RemovePlayer(playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	gameTypeID, ok := q.byPlayer[playerID]
	if !ok {
		return false
	}
	for i, e := range q.queues[gameTypeID] {
		if e.PlayerID == playerID {
			q.removeLocked(gameTypeID, i)
			return true
		}
	}
	return false
}

func (q *Queue) removeLocked(gameTypeID string, i int) {
	entries := q.queues[gameTypeID]
	delete(q.byPlayer, entries[i].PlayerID)
	entries = append(entries[:i], entries[i+1:]...)
	if len(entries) == 0 {
		delete(q.queues, gameTypeID)
	} else {
		q.queues[gameTypeID] = entries
	}
}

// Len returns how many players are waiting for a game type.
func (q *Queue) Len(gameTypeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[gameTypeID])
}
