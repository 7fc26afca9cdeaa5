package matchmaking

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/go/internal/models"
)

type fakeLocator struct {
	sessions map[string]uuid.UUID
}

func (f *fakeLocator) PlayerSession(playerID string) (uuid.UUID, bool) {
	id, ok := f.sessions[playerID]
	return id, ok
}

func duelType() models.GameType {
	return models.GameType{ID: "duel", RequiredPlayers: 2, Mode: models.TurnModeTurnBased, TurnTimeoutSec: 30}
}

func newTestQueue() (*Queue, *fakeLocator) {
	loc := &fakeLocator{sessions: make(map[string]uuid.UUID)}
	return NewQueue(loc, clockwork.NewFakeClock()), loc
}

func TestEnqueueFormsMatchAtRequiredCount(t *testing.T) {
	q, _ := newTestQueue()

	pos, matched, err := q.Enqueue(duelType(), "p1", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Nil(t, matched)
	assert.Equal(t, 1, q.Len("duel"))

	pos, matched, err = q.Enqueue(duelType(), "p2", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	require.Len(t, matched, 2)

	// Oldest first, and the emptied queue is deleted.
	assert.Equal(t, "p1", matched[0].PlayerID)
	assert.Equal(t, "p2", matched[1].PlayerID)
	assert.Equal(t, 0, q.Len("duel"))
}

func TestEnqueueFIFOLeavesOverflowWaiting(t *testing.T) {
	q, _ := newTestQueue()
	trio := models.GameType{ID: "trio", RequiredPlayers: 3}

	for _, p := range []string{"a", "b"} {
		_, matched, err := q.Enqueue(trio, p, uuid.New())
		require.NoError(t, err)
		require.Nil(t, matched)
	}

	// A queue never holds more than required before forming a match.
	_, matched, err := q.Enqueue(trio, "c", uuid.New())
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{matched[0].PlayerID, matched[1].PlayerID, matched[2].PlayerID})
}

func TestEnqueueConflicts(t *testing.T) {
	q, loc := newTestQueue()

	_, _, err := q.Enqueue(duelType(), "p1", uuid.New())
	require.NoError(t, err)

	// Double-queue, even under a different game type.
	_, _, err = q.Enqueue(models.GameType{ID: "other", RequiredPlayers: 4}, "p1", uuid.New())
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	loc.sessions["p2"] = uuid.New()
	_, _, err = q.Enqueue(duelType(), "p2", uuid.New())
	assert.ErrorIs(t, err, ErrAlreadyInSession)
}

func TestDequeueIdempotent(t *testing.T) {
	q, _ := newTestQueue()
	connID := uuid.New()

	_, _, err := q.Enqueue(duelType(), "p1", uuid.New())
	require.NoError(t, err)
	_, _, err = q.Enqueue(models.GameType{ID: "trio", RequiredPlayers: 3}, "p2", connID)
	require.NoError(t, err)

	assert.True(t, q.Dequeue(connID))
	assert.False(t, q.Dequeue(connID))
	assert.Equal(t, 0, q.Len("trio"))
	assert.Equal(t, 1, q.Len("duel"))

	// Dequeued player can requeue.
	_, _, err = q.Enqueue(duelType(), "p2", connID)
	require.NoError(t, err)
}

func TestRemovePlayerSafetyNet(t *testing.T) {
	q, _ := newTestQueue()

	_, _, err := q.Enqueue(duelType(), "p1", uuid.New())
	require.NoError(t, err)

	assert.True(t, q.RemovePlayer("p1"))
	assert.False(t, q.RemovePlayer("p1"))
	assert.Equal(t, 0, q.Len("duel"))
}
