package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/latency"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/rules"
	"github.com/mcdev12/arena/go/internal/storage"
	"github.com/mcdev12/arena/go/internal/turn"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrUnauthorized    = errors.New("caller is not a participant of this session")
	ErrRejectedByRules = errors.New("action rejected by rules engine")
)

// storeTimeout bounds how long a terminal transition waits on the outcome
// store.
const storeTimeout = 5 * time.Second

// Broadcaster delivers events to every connection bound to a session. The
// gateway implements it; the registry never touches transport directly.
type Broadcaster interface {
	BroadcastToSession(sessionID uuid.UUID, event *events.Event)
	// BroadcastPerViewer builds one event per receiving connection, for
	// state that must be masked per viewer. Spectators get an empty
	// viewer id.
	BroadcastPerViewer(sessionID uuid.UUID, build func(viewerID string) *events.Event)
	// SessionClosed tells the transport layer to drop all participant and
	// spectator bindings for a session that reached a terminal state.
	SessionClosed(sessionID uuid.UUID)
}

// Active couples a session record with its engine, scheduler, and
// cancellation. One turn-loop goroutine per active session; sessions never
// share locks with each other.
type Active struct {
	Session   *models.Session
	GameType  models.GameType
	Engine    rules.Engine
	Scheduler *turn.Scheduler

	live   map[string]struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry is the authoritative in-memory record of active sessions. Only
// active sessions are stored; completed and abandoned sessions are removed
// right after their terminal broadcast.
type Registry struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	engines   *rules.Registry
	store     storage.OutcomeStore
	publisher events.Publisher
	latency   *latency.Tracker

	broadcaster Broadcaster

	sessions map[uuid.UUID]*Active
	byPlayer map[string]uuid.UUID
}

func NewRegistry(engines *rules.Registry, store storage.OutcomeStore, publisher events.Publisher, lat *latency.Tracker, clock clockwork.Clock) *Registry {
	return &Registry{
		clock:     clock,
		engines:   engines,
		store:     store,
		publisher: publisher,
		latency:   lat,
		sessions:  make(map[uuid.UUID]*Active),
		byPlayer:  make(map[string]uuid.UUID),
	}
}

// SetBroadcaster wires the transport fan-out. Must be called before Start.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// Create builds a session for a formed match. The initial state comes from
// the rules engine; if it fails, no session exists afterwards.
func (r *Registry) Create(gt models.GameType, players []string) (*Active, error) {
	engine, err := r.engines.Get(gt.ID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	state, err := engine.Initialize(players)
	if err != nil {
		return nil, fmt.Errorf("initialize game state: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Active{
		Session: &models.Session{
			ID:         uuid.New(),
			GameTypeID: gt.ID,
			Players:    players,
			State:      state,
			Turn:       0,
			Status:     models.SessionStatusActive,
			CreatedAt:  r.clock.Now(),
		},
		GameType: gt,
		Engine:   engine,
		Scheduler: turn.NewScheduler(turn.Config{
			Mode:                gt.Mode,
			Timeout:             gt.TurnTimeout(),
			LatencyCompensation: gt.LatencyCompensation,
			MaxLatencyAllowance: gt.MaxLatencyAllowance(),
		}, players, r.latency, r.clock),
		live:   make(map[string]struct{}, len(players)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, p := range players {
		a.live[p] = struct{}{}
	}

	r.mu.Lock()
	r.sessions[a.Session.ID] = a
	for _, p := range players {
		r.byPlayer[p] = a.Session.ID
	}
	r.mu.Unlock()

	log.Info().
		Str("session_id", a.Session.ID.String()).
		Str("game_type", gt.ID).
		Strs("players", players).
		Msg("session created")

	return a, nil
}

// Start announces the session to its participants and, for turn-scheduled
// modes, launches the per-session turn loop. Called by the gateway after it
// has bound the participants' connections.
func (r *Registry) Start(a *Active) {
	ev := events.New(a.Session.ID.String(), events.TypeSessionStart, events.SessionStartPayload{
		SessionID: a.Session.ID.String(),
		GameID:    a.GameType.ID,
		Players:   a.Session.Players,
		State:     a.Session.State,
		Turn:      a.Session.Turn,
		StartedAt: a.Session.CreatedAt,
	})
	r.broadcaster.BroadcastToSession(a.Session.ID, ev)
	r.publish(ev)

	if a.GameType.Mode != models.TurnModeRealTime {
		go r.runTurns(a)
	}
}

// Get returns the active session for an id. Only active sessions exist in
// the registry, so presence implies spectatable.
func (r *Registry) Get(sessionID uuid.UUID) (*Active, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.sessions[sessionID]
	return a, ok
}

// View is a point-in-time snapshot of a session handed to a new spectator.
type View struct {
	SessionID uuid.UUID
	GameType  models.GameType
	Players   []string
	State     json.RawMessage
	Turn      int
}

// SpectatorView snapshots a session for a joining spectator, masked with
// the empty viewer id when the game type hides state.
func (r *Registry) SpectatorView(sessionID uuid.UUID) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.sessions[sessionID]
	if !ok {
		return View{}, false
	}
	state := a.Session.State
	if a.GameType.HiddenState {
		masked, err := rules.Mask(a.Engine, state, "")
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("state masking failed")
			return View{}, false
		}
		state = masked
	}
	return View{
		SessionID: sessionID,
		GameType:  a.GameType,
		Players:   a.Session.Players,
		State:     state,
		Turn:      a.Session.Turn,
	}, true
}

// PlayerSession reports the session a player is currently bound to.
// Implements matchmaking.SessionLocator.
func (r *Registry) PlayerSession(playerID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPlayer[playerID]
	return id, ok
}

// Leave removes a player from their session after a voluntary exit.
// Idempotent: leaving twice is a no-op. Returns the session id and whether a
// removal happened.
func (r *Registry) Leave(playerID string) (uuid.UUID, bool) {
	return r.removePlayer(playerID, events.TypePlayerLeft)
}

// Disconnect behaves like Leave but announces a drop rather than a
// voluntary exit, so clients can tell the two apart.
func (r *Registry) Disconnect(playerID string) (uuid.UUID, bool) {
	return r.removePlayer(playerID, events.TypePlayerDisconnected)
}

func (r *Registry) removePlayer(playerID string, eventType events.Type) (uuid.UUID, bool) {
	r.mu.Lock()
	sid, ok := r.byPlayer[playerID]
	if !ok {
		r.mu.Unlock()
		return uuid.Nil, false
	}
	a := r.sessions[sid]
	delete(r.byPlayer, playerID)
	delete(a.live, playerID)
	abandoned := len(a.live) == 0 && a.Session.Status == models.SessionStatusActive
	r.mu.Unlock()

	// The scheduler stops waiting on the player but keeps any action they
	// already submitted this turn.
	a.Scheduler.RemovePlayer(playerID)

	var payload interface{}
	if eventType == events.TypePlayerDisconnected {
		payload = events.PlayerDisconnectedPayload{PlayerID: playerID}
	} else {
		payload = events.PlayerLeftPayload{PlayerID: playerID}
	}
	ev := events.New(sid.String(), eventType, payload)
	r.broadcaster.BroadcastToSession(sid, ev)
	r.publish(ev)

	log.Info().
		Str("session_id", sid.String()).
		Str("player_id", playerID).
		Str("event", string(eventType)).
		Msg("player removed from session")

	if abandoned {
		r.completeSession(a, models.OutcomeReasonAbandoned)
	}
	return sid, true
}

// End completes a session at a participant's request. Only a current
// participant of that exact session may end it.
func (r *Registry) End(playerID string, sessionID uuid.UUID) (*models.Outcome, error) {
	r.mu.Lock()
	a, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("end session %s: %w", sessionID, ErrNotFound)
	}
	if _, live := a.live[playerID]; !live {
		r.mu.Unlock()
		return nil, fmt.Errorf("end session %s: %w", sessionID, ErrUnauthorized)
	}
	r.mu.Unlock()

	return r.completeSession(a, models.OutcomeReasonCompleted), nil
}

// completeSession performs the one-way transition out of active: records
// the outcome, removes the session, cancels any in-flight turn collection,
// and sends the terminal broadcast. Safe to call more than once; only the
// first caller wins.
func (r *Registry) completeSession(a *Active, reason string) *models.Outcome {
	r.mu.Lock()
	if a.Session.Status != models.SessionStatusActive {
		r.mu.Unlock()
		return nil
	}
	if reason == models.OutcomeReasonAbandoned {
		a.Session.Status = models.SessionStatusAbandoned
	} else {
		a.Session.Status = models.SessionStatusCompleted
	}
	delete(r.sessions, a.Session.ID)
	for p := range a.live {
		delete(r.byPlayer, p)
	}
	a.live = make(map[string]struct{})
	finalState := a.Session.State
	turns := a.Session.Turn
	r.mu.Unlock()

	a.cancel()

	winner, _ := a.Engine.Winner(finalState)
	outcome := &models.Outcome{
		SessionID:  a.Session.ID,
		GameTypeID: a.GameType.ID,
		Players:    a.Session.Players,
		Winner:     winner,
		Scores:     a.Engine.Scores(finalState),
		Reason:     reason,
		Turns:      turns,
		EndedAt:    r.clock.Now(),
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.RecordSessionOutcome(storeCtx, outcome); err != nil {
		// Storage failure never corrupts the in-memory transition; the
		// session is gone either way.
		log.Error().
			Err(err).
			Str("session_id", a.Session.ID.String()).
			Msg("failed to persist session outcome")
	}

	ev := events.New(a.Session.ID.String(), events.TypeSessionEnd, events.SessionEndPayload{
		SessionID: a.Session.ID.String(),
		Reason:    reason,
		Winner:    outcome.Winner,
		Scores:    outcome.Scores,
		Turns:     outcome.Turns,
		EndedAt:   outcome.EndedAt,
	})
	r.broadcaster.BroadcastToSession(a.Session.ID, ev)
	r.publish(ev)
	r.broadcaster.SessionClosed(a.Session.ID)

	log.Info().
		Str("session_id", a.Session.ID.String()).
		Str("reason", reason).
		Str("winner", outcome.Winner).
		Msg("session ended")

	return outcome
}

func (r *Registry) publish(ev *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("bus publish failed")
	}
}

// actionEnvelope is the inbound action shape. Commit-reveal submissions
// reuse the action channel with dedicated types.
type actionEnvelope struct {
	Type   string          `json:"type"`
	Hash   string          `json:"hash,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
	Nonce  string          `json:"nonce,omitempty"`
}

// HandleAction routes a participant's game action into the session: direct
// application in real-time mode, scheduler submission otherwise.
func (r *Registry) HandleAction(playerID string, action json.RawMessage, clientTime time.Time) error {
	r.mu.Lock()
	sid, bound := r.byPlayer[playerID]
	if !bound {
		r.mu.Unlock()
		return fmt.Errorf("action from %s: %w", playerID, ErrNotFound)
	}
	a := r.sessions[sid]
	r.mu.Unlock()

	if a.GameType.Mode == models.TurnModeRealTime {
		return r.applyImmediate(a, playerID, action)
	}

	var env actionEnvelope
	if err := json.Unmarshal(action, &env); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}

	if a.GameType.Mode == models.TurnModeSimultaneous {
		switch env.Type {
		case "commit":
			return a.Scheduler.SubmitCommitment(playerID, env.Hash)
		case "reveal":
			return a.Scheduler.RevealAction(playerID, env.Action, env.Nonce)
		}
	}
	return a.Scheduler.SubmitAction(playerID, action, clientTime)
}

// applyImmediate applies a real-time action to the session state and fans
// out the update without waiting for a turn boundary.
func (r *Registry) applyImmediate(a *Active, playerID string, action json.RawMessage) error {
	r.mu.Lock()
	if a.Session.Status != models.SessionStatusActive {
		r.mu.Unlock()
		return fmt.Errorf("action from %s: %w", playerID, ErrNotFound)
	}
	newState, err := a.Engine.Apply(a.Session.State, playerID, action)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRejectedByRules, err)
	}
	a.Session.State = newState
	a.Session.Turn++
	turnNo := a.Session.Turn
	terminal := a.Engine.IsTerminal(newState)
	r.mu.Unlock()

	r.broadcastState(a, turnNo, newState, nil, 0)
	if terminal {
		r.completeSession(a, models.OutcomeReasonCompleted)
	}
	return nil
}

// runTurns is the per-session turn loop for turn-based and simultaneous
// modes. It exits when the session reaches a terminal state or its context
// is cancelled.
func (r *Registry) runTurns(a *Active) {
	for {
		if a.ctx.Err() != nil {
			return
		}

		turnNo := a.Scheduler.StartTurn()
		r.mu.Lock()
		a.Session.Turn = turnNo
		r.mu.Unlock()

		res := a.Scheduler.Collect(a.ctx)
		if a.ctx.Err() != nil {
			return
		}

		if terminal := r.resolveTurn(a, res); terminal {
			r.completeSession(a, models.OutcomeReasonCompleted)
			return
		}
	}
}

// resolveTurn applies the collected actions in latency-adjusted timestamp
// order and broadcasts the resulting state. Timed-out participants are
// treated as passing; the scheduler never ejects them.
func (r *Registry) resolveTurn(a *Active, res turn.Result) bool {
	ordered := make([]turn.PendingAction, 0, len(res.Actions))
	for _, pa := range res.Actions {
		ordered = append(ordered, pa)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].AdjustedAt.Before(ordered[j].AdjustedAt)
	})

	r.mu.Lock()
	state := a.Session.State
	for _, pa := range ordered {
		newState, err := a.Engine.Apply(state, pa.PlayerID, pa.Action)
		if err != nil {
			log.Warn().
				Err(err).
				Str("session_id", a.Session.ID.String()).
				Str("player_id", pa.PlayerID).
				Msg("action rejected during turn resolution")
			continue
		}
		state = newState
	}
	a.Session.State = state
	terminal := a.Engine.IsTerminal(state)
	r.mu.Unlock()

	r.broadcastState(a, res.Turn, state, res.TimedOut, res.Elapsed)
	return terminal
}

// broadcastState fans out a state update, masking per viewer when the game
// type declares hidden state.
func (r *Registry) broadcastState(a *Active, turnNo int, state json.RawMessage, timedOut []string, elapsed time.Duration) {
	sid := a.Session.ID
	if !a.GameType.HiddenState {
		r.broadcaster.BroadcastToSession(sid, events.New(sid.String(), events.TypeStateUpdate, events.StateUpdatePayload{
			Turn:      turnNo,
			State:     state,
			TimedOut:  timedOut,
			ElapsedMs: elapsed.Milliseconds(),
		}))
		return
	}

	r.broadcaster.BroadcastPerViewer(sid, func(viewerID string) *events.Event {
		masked, err := rules.Mask(a.Engine, state, viewerID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sid.String()).Msg("state masking failed")
			return nil
		}
		return events.New(sid.String(), events.TypeStateUpdate, events.StateUpdatePayload{
			Turn:      turnNo,
			State:     masked,
			TimedOut:  timedOut,
			ElapsedMs: elapsed.Milliseconds(),
		})
	})
}
