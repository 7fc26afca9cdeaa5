package turn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/arena/go/internal/latency"
	"github.com/mcdev12/arena/go/internal/models"
)

func newTestScheduler(cfg Config, players []string) (*Scheduler, *clockwork.FakeClock, *latency.Tracker) {
	clock := clockwork.NewFakeClock()
	lat := latency.NewTracker(8)
	return NewScheduler(cfg, players, lat, clock), clock, lat
}

func TestStartTurnMonotonic(t *testing.T) {
	s, _, _ := newTestScheduler(Config{Mode: models.TurnModeTurnBased, Timeout: time.Second}, []string{"p1"})

	assert.Equal(t, 1, s.StartTurn())
	assert.Equal(t, 2, s.StartTurn())
	assert.Equal(t, 2, s.Turn())
}

func TestSubmitActionUnknownPlayer(t *testing.T) {
	s, _, _ := newTestScheduler(Config{Mode: models.TurnModeTurnBased, Timeout: time.Second}, []string{"p1"})
	s.StartTurn()

	err := s.SubmitAction("intruder", json.RawMessage(`{"type":"move"}`), time.Time{})
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestSubmitActionDeadlineCompensation(t *testing.T) {
	cfg := Config{
		Mode:                models.TurnModeTurnBased,
		Timeout:             time.Second,
		MaxLatencyAllowance: 500 * time.Millisecond,
	}

	// Compensation disabled: 50ms past the deadline is rejected.
	s, clock, _ := newTestScheduler(cfg, []string{"p1"})
	s.StartTurn()
	clock.Advance(time.Second + 50*time.Millisecond)
	err := s.SubmitAction("p1", json.RawMessage(`{"type":"move"}`), time.Time{})
	assert.ErrorIs(t, err, ErrDeadlinePassed)

	// Compensation enabled with a 200ms average: same submission accepted.
	cfg.LatencyCompensation = true
	s, clock, lat := newTestScheduler(cfg, []string{"p1"})
	lat.Record("p1", 200*time.Millisecond)
	s.StartTurn()
	clock.Advance(time.Second + 50*time.Millisecond)
	err = s.SubmitAction("p1", json.RawMessage(`{"type":"move"}`), time.Time{})
	assert.NoError(t, err)
}

func TestCompensationCappedByAllowance(t *testing.T) {
	cfg := Config{
		Mode:                models.TurnModeTurnBased,
		Timeout:             time.Second,
		LatencyCompensation: true,
		MaxLatencyAllowance: 100 * time.Millisecond,
	}
	s, _, lat := newTestScheduler(cfg, []string{"p1"})
	lat.Record("p1", 2*time.Second)
	s.StartTurn()

	base := s.Deadline("")
	assert.Equal(t, 100*time.Millisecond, s.Deadline("p1").Sub(base))
}

func TestSubmitActionLastWriteWins(t *testing.T) {
	s, _, _ := newTestScheduler(Config{Mode: models.TurnModeTurnBased, Timeout: time.Second}, []string{"p1", "p2"})
	s.StartTurn()

	require.NoError(t, s.SubmitAction("p1", json.RawMessage(`{"type":"a"}`), time.Time{}))
	require.NoError(t, s.SubmitAction("p1", json.RawMessage(`{"type":"b"}`), time.Time{}))
	require.NoError(t, s.SubmitAction("p2", json.RawMessage(`{"type":"c"}`), time.Time{}))

	res := s.Collect(context.Background())
	require.Len(t, res.Actions, 2)
	assert.JSONEq(t, `{"type":"b"}`, string(res.Actions["p1"].Action))
	assert.Empty(t, res.TimedOut)
}

func TestAdjustedTimestamp(t *testing.T) {
	cfg := Config{
		Mode:                models.TurnModeTurnBased,
		Timeout:             time.Second,
		LatencyCompensation: true,
		MaxLatencyAllowance: 500 * time.Millisecond,
	}
	s, clock, lat := newTestScheduler(cfg, []string{"p1"})
	lat.Record("p1", 150*time.Millisecond)
	s.StartTurn()

	clientTime := clock.Now().Add(-150 * time.Millisecond)
	require.NoError(t, s.SubmitAction("p1", json.RawMessage(`{"type":"move"}`), clientTime))

	res := s.Collect(context.Background())
	assert.Equal(t, clientTime.Add(150*time.Millisecond), res.Actions["p1"].AdjustedAt)
}

func TestCollectReturnsAtDeadline(t *testing.T) {
	s, clock, _ := newTestScheduler(Config{Mode: models.TurnModeTurnBased, Timeout: time.Second}, []string{"p1", "p2"})
	s.StartTurn()
	require.NoError(t, s.SubmitAction("p1", json.RawMessage(`{"type":"move"}`), time.Time{}))

	done := make(chan Result, 1)
	go func() {
		done <- s.Collect(context.Background())
	}()

	// Collect is sleeping on its poll interval; push past the deadline.
	clock.BlockUntil(1)
	clock.Advance(time.Second + pollInterval)

	res := <-done
	assert.Len(t, res.Actions, 1)
	assert.Equal(t, []string{"p2"}, res.TimedOut)
	assert.GreaterOrEqual(t, res.Elapsed, time.Second)
}

func TestCollectCancelledBySession(t *testing.T) {
	s, clock, _ := newTestScheduler(Config{Mode: models.TurnModeTurnBased, Timeout: time.Minute}, []string{"p1", "p2"})
	s.StartTurn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- s.Collect(ctx)
	}()

	clock.BlockUntil(1)
	cancel()

	res := <-done
	assert.ElementsMatch(t, []string{"p1", "p2"}, res.TimedOut)
}

func TestRemovePlayerStopsWaitingButKeepsPending(t *testing.T) {
	s, _, _ := newTestScheduler(Config{Mode: models.TurnModeTurnBased, Timeout: time.Minute}, []string{"p1", "p2"})
	s.StartTurn()
	require.NoError(t, s.SubmitAction("p1", json.RawMessage(`{"type":"move"}`), time.Time{}))

	// p2 disconnects before submitting; p1's action already in.
	s.RemovePlayer("p2")
	assert.Equal(t, []string{"p1"}, s.Players())

	res := s.Collect(context.Background())
	assert.Len(t, res.Actions, 1)
	assert.Empty(t, res.TimedOut)

	// A disconnected player's earlier submission is retained.
	s.StartTurn()
	require.NoError(t, s.SubmitAction("p1", json.RawMessage(`{"type":"move"}`), time.Time{}))
	s.RemovePlayer("p1")
	res = s.Collect(context.Background())
	assert.Contains(t, res.Actions, "p1")
}
