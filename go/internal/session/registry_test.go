package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/latency"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/rules"
	"github.com/mcdev12/arena/go/internal/storage"
	"github.com/mcdev12/arena/go/internal/turn"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	events  []*events.Event
	viewers []string
	closed  []uuid.UUID
}

func (f *fakeBroadcaster) BroadcastToSession(sessionID uuid.UUID, ev *events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBroadcaster) BroadcastPerViewer(sessionID uuid.UUID, build func(viewerID string) *events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.viewers {
		if ev := build(v); ev != nil {
			f.events = append(f.events, ev)
		}
	}
}

func (f *fakeBroadcaster) SessionClosed(sessionID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeBroadcaster) count(t events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func realTimeCount() models.GameType {
	return models.GameType{
		ID:              "count",
		RequiredPlayers: 2,
		Mode:            models.TurnModeRealTime,
		TurnTimeoutSec:  30,
	}
}

func newTestRegistry(t *testing.T, target int) (*Registry, *fakeBroadcaster, *storage.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	engines := rules.NewRegistry()
	require.NoError(t, engines.Register("count", rules.NewCountEngine(target)))
	require.NoError(t, engines.Register("rps", rules.NewRPSEngine(1)))

	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(engines, store, events.NoopPublisher{}, latency.NewTracker(8), clock)
	b := &fakeBroadcaster{}
	r.SetBroadcaster(b)
	return r, b, store, clock
}

func TestCreateAndStart(t *testing.T) {
	r, b, _, _ := newTestRegistry(t, 10)

	a, err := r.Create(realTimeCount(), []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	assert.Equal(t, models.SessionStatusActive, a.Session.Status)
	assert.Equal(t, 0, a.Session.Turn)
	assert.Equal(t, 1, b.count(events.TypeSessionStart))

	sid, ok := r.PlayerSession("p1")
	require.True(t, ok)
	assert.Equal(t, a.Session.ID, sid)

	_, ok = r.Get(a.Session.ID)
	assert.True(t, ok)
}

func TestCreateFailsCleanlyOnEngineError(t *testing.T) {
	r, b, _, _ := newTestRegistry(t, 10)

	// RPS refuses three players; no half-created session may remain.
	gt := models.GameType{ID: "rps", RequiredPlayers: 3, Mode: models.TurnModeSimultaneous, TurnTimeoutSec: 10}
	_, err := r.Create(gt, []string{"p1", "p2", "p3"})
	require.Error(t, err)

	_, ok := r.PlayerSession("p1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.count(events.TypeSessionStart))
}

func TestRealTimeActionFlow(t *testing.T) {
	r, b, store, _ := newTestRegistry(t, 2)

	a, err := r.Create(realTimeCount(), []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	require.NoError(t, r.HandleAction("p1", json.RawMessage(`{"type":"increment"}`), time.Time{}))
	assert.Equal(t, 1, b.count(events.TypeStateUpdate))

	// Rules rejection leaves state untouched.
	err = r.HandleAction("p2", json.RawMessage(`{"type":"explode"}`), time.Time{})
	assert.ErrorIs(t, err, ErrRejectedByRules)
	assert.Equal(t, 1, b.count(events.TypeStateUpdate))

	// Winning increment completes the session.
	require.NoError(t, r.HandleAction("p1", json.RawMessage(`{"type":"increment"}`), time.Time{}))
	assert.Equal(t, 1, b.count(events.TypeSessionEnd))
	assert.Len(t, b.closed, 1)

	outcomes := store.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "p1", outcomes[0].Winner)
	assert.Equal(t, models.OutcomeReasonCompleted, outcomes[0].Reason)

	// A late-arriving action for the removed session is rejected.
	err = r.HandleAction("p1", json.RawMessage(`{"type":"increment"}`), time.Time{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeaveIdempotent(t *testing.T) {
	r, b, _, _ := newTestRegistry(t, 10)

	a, err := r.Create(realTimeCount(), []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	_, removed := r.Leave("p1")
	assert.True(t, removed)
	_, removed = r.Leave("p1")
	assert.False(t, removed)
	assert.Equal(t, 1, b.count(events.TypePlayerLeft))
}

func TestAbandonmentOnLastDisconnect(t *testing.T) {
	r, b, store, _ := newTestRegistry(t, 10)

	a, err := r.Create(realTimeCount(), []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	_, removed := r.Disconnect("p1")
	assert.True(t, removed)
	assert.Equal(t, 0, b.count(events.TypeSessionEnd))

	// Last live participant drops: abandoned and removed.
	_, removed = r.Disconnect("p2")
	assert.True(t, removed)
	assert.Equal(t, 2, b.count(events.TypePlayerDisconnected))
	assert.Equal(t, 1, b.count(events.TypeSessionEnd))

	_, ok := r.Get(a.Session.ID)
	assert.False(t, ok)

	outcomes := store.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeReasonAbandoned, outcomes[0].Reason)

	// Scenario D: a late action for the abandoned session is rejected.
	err = r.HandleAction("p2", json.RawMessage(`{"type":"increment"}`), time.Time{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletedNeverBecomesAbandoned(t *testing.T) {
	r, b, store, _ := newTestRegistry(t, 10)

	a, err := r.Create(realTimeCount(), []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	_, err = r.End("p1", a.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, a.Session.Status)

	// Disconnects after completion find no binding and cannot re-terminate.
	_, removed := r.Disconnect("p1")
	assert.False(t, removed)
	_, removed = r.Disconnect("p2")
	assert.False(t, removed)

	assert.Equal(t, 1, b.count(events.TypeSessionEnd))
	assert.Len(t, store.Outcomes(), 1)
	assert.Equal(t, models.SessionStatusCompleted, a.Session.Status)
}

func TestEndAuthorization(t *testing.T) {
	r, _, _, _ := newTestRegistry(t, 10)

	a1, err := r.Create(realTimeCount(), []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a1)
	a2, err := r.Create(realTimeCount(), []string{"p3", "p4"})
	require.NoError(t, err)
	r.Start(a2)

	// Scenario B: bound participant targets a session that is not theirs.
	_, err = r.End("p1", a2.Session.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, models.SessionStatusActive, a2.Session.Status)

	_, err = r.End("p1", uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.End("p1", a1.Session.ID)
	assert.NoError(t, err)
}

func TestTurnLoopResolvesAndCompletes(t *testing.T) {
	r, b, store, clock := newTestRegistry(t, 1)

	gt := models.GameType{
		ID:              "count",
		RequiredPlayers: 2,
		Mode:            models.TurnModeTurnBased,
		TurnTimeoutSec:  30,
	}
	a, err := r.Create(gt, []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	// Wait until the turn loop is collecting, then submit both actions.
	clock.BlockUntil(1)
	require.NoError(t, r.HandleAction("p1", json.RawMessage(`{"type":"increment"}`), time.Time{}))
	require.NoError(t, r.HandleAction("p2", json.RawMessage(`{"type":"pass"}`), time.Time{}))
	clock.Advance(20 * time.Millisecond)

	// Target is 1, so p1's increment ends the game at turn resolution.
	require.Eventually(t, func() bool {
		return b.count(events.TypeSessionEnd) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, b.count(events.TypeStateUpdate))
	outcomes := store.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "p1", outcomes[0].Winner)
	assert.Equal(t, 1, outcomes[0].Turns)
}

func TestSimultaneousActionMustUseCommitReveal(t *testing.T) {
	r, _, _, clock := newTestRegistry(t, 10)

	gt := models.GameType{
		ID:              "rps",
		RequiredPlayers: 2,
		Mode:            models.TurnModeSimultaneous,
		TurnTimeoutSec:  10,
	}
	a, err := r.Create(gt, []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	// Wait until the turn loop has started collecting.
	clock.BlockUntil(1)

	// A bare action that skips the commitment phase is rejected.
	err = r.HandleAction("p1", json.RawMessage(`{"type":"throw","hand":"rock"}`), time.Time{})
	assert.ErrorIs(t, err, turn.ErrWrongMode)

	// The commit/reveal envelope for the same action is accepted.
	action := json.RawMessage(`{"type":"throw","hand":"rock"}`)
	hash := turn.CommitmentHash(action, "n-1")
	commit, err := json.Marshal(map[string]string{"type": "commit", "hash": hash})
	require.NoError(t, err)
	require.NoError(t, r.HandleAction("p1", commit, time.Time{}))

	reveal, err := json.Marshal(map[string]interface{}{
		"type":   "reveal",
		"action": json.RawMessage(action),
		"nonce":  "n-1",
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleAction("p1", reveal, time.Time{}))
}

func TestHiddenStateMaskedPerViewer(t *testing.T) {
	r, b, _, _ := newTestRegistry(t, 10)
	b.viewers = []string{"p1", "p2", ""}

	gt := models.GameType{
		ID:              "rps",
		RequiredPlayers: 2,
		Mode:            models.TurnModeRealTime,
		TurnTimeoutSec:  10,
		HiddenState:     true,
	}
	a, err := r.Create(gt, []string{"p1", "p2"})
	require.NoError(t, err)
	r.Start(a)

	require.NoError(t, r.HandleAction("p1", json.RawMessage(`{"type":"throw","hand":"rock"}`), time.Time{}))

	// One masked update per viewer, including the spectator view.
	assert.Equal(t, 3, b.count(events.TypeStateUpdate))

	var sawOwn, sawMasked bool
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type != events.TypeStateUpdate {
			continue
		}
		var payload events.StateUpdatePayload
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		var view struct {
			Hands map[string]string `json:"hands"`
		}
		require.NoError(t, json.Unmarshal(payload.State, &view))
		if view.Hands["p1"] == "rock" {
			sawOwn = true
		}
		if len(view.Hands) == 0 {
			sawMasked = true
		}
	}
	assert.True(t, sawOwn)
	assert.True(t, sawMasked)
}
