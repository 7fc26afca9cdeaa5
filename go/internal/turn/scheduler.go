package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/arena/go/internal/latency"
	"github.com/mcdev12/arena/go/internal/models"
)

var (
	ErrUnknownPlayer      = errors.New("player is not part of this session")
	ErrDeadlinePassed     = errors.New("turn deadline has passed")
	ErrCommitPhaseOver    = errors.New("commitment phase has ended")
	ErrNoCommitment       = errors.New("no commitment recorded for player")
	ErrCommitmentMismatch = errors.New("revealed action does not match commitment")
	ErrWrongMode          = errors.New("operation not valid for this turn mode")
)

// pollInterval bounds how stale the collection loop's view of pending
// actions can be. Collection never waits past the turn deadline by more
// than one interval.
const pollInterval = 10 * time.Millisecond

// Config is the per-session turn configuration, chosen by game type.
type Config struct {
	Mode                models.TurnMode
	Timeout             time.Duration
	LatencyCompensation bool
	MaxLatencyAllowance time.Duration
}

// PendingAction is one participant's submitted action for the current turn.
// It exists only between turn start and resolution.
type PendingAction struct {
	PlayerID   string          `json:"player_id"`
	Action     json.RawMessage `json:"action"`
	ClientTime time.Time       `json:"client_time,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	// AdjustedAt is the latency-adjusted timestamp used for fairness
	// ordering by the rules engine.
	AdjustedAt time.Time `json:"adjusted_at"`
}

// Result reports one resolved turn: the actions collected before the
// deadline, the participants that failed to submit, and how long collection
// took. Timed-out participants are not ejected here; that is the caller's
// policy.
type Result struct {
	Turn     int
	Actions  map[string]PendingAction
	TimedOut []string
	Elapsed  time.Duration
}

// Scheduler owns the transient per-turn bookkeeping for one session:
// deadlines, pending actions, and commitments. The authoritative session
// state lives in the registry.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	clock   clockwork.Clock
	latency *latency.Tracker

	players     []string
	turn        int
	turnStart   time.Time
	pending     map[string]PendingAction
	commitments map[string]string
}

func NewScheduler(cfg Config, players []string, lat *latency.Tracker, clock clockwork.Clock) *Scheduler {
	ps := make([]string, len(players))
	copy(ps, players)
	return &Scheduler{
		cfg:         cfg,
		clock:       clock,
		latency:     lat,
		players:     ps,
		pending:     make(map[string]PendingAction),
		commitments: make(map[string]string),
	}
}

// StartTurn clears pending actions and commitments, stamps the turn start
// time, and returns the new turn number. Turn numbers are monotonically
// increasing.
func (s *Scheduler) StartTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turn++
	s.turnStart = s.clock.Now()
	s.pending = make(map[string]PendingAction)
	s.commitments = make(map[string]string)
	return s.turn
}

// Turn returns the current turn number.
func (s *Scheduler) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Deadline returns the submission deadline for a participant. With latency
// compensation enabled the base deadline is extended by the participant's
// average round-trip time, capped at the configured allowance, so network
// delay does not cost turn time. An empty player id yields the base
// deadline.
func (s *Scheduler) Deadline(playerID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadlineLocked(playerID)
}

func (s *Scheduler) deadlineLocked(playerID string) time.Time {
	base := s.turnStart.Add(s.cfg.Timeout)
	if !s.cfg.LatencyCompensation || playerID == "" {
		return base
	}
	comp := s.latency.Average(playerID)
	if comp > s.cfg.MaxLatencyAllowance {
		comp = s.cfg.MaxLatencyAllowance
	}
	return base.Add(comp)
}

// commitDeadlineLocked is the sub-deadline for the commitment phase in
// simultaneous mode: half the turn timeout, before the reveal phase opens.
func (s *Scheduler) commitDeadlineLocked() time.Time {
	return s.turnStart.Add(s.cfg.Timeout / 2)
}

func (s *Scheduler) isPlayerLocked(playerID string) bool {
	for _, p := range s.players {
		if p == playerID {
			return true
		}
	}
	return false
}

// SubmitAction records a participant's action for the current turn.
// Last write wins: a resubmission overwrites the prior pending action.
// In simultaneous mode actions must go through commit-reveal; a direct
// submission is rejected so a participant cannot sidestep the protocol.
func (s *Scheduler) SubmitAction(playerID string, action json.RawMessage, clientTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Mode == models.TurnModeSimultaneous {
		return fmt.Errorf("submit action: %w", ErrWrongMode)
	}
	return s.submitLocked(playerID, action, clientTime)
}

func (s *Scheduler) submitLocked(playerID string, action json.RawMessage, clientTime time.Time) error {
	if !s.isPlayerLocked(playerID) {
		return fmt.Errorf("submit action: %w", ErrUnknownPlayer)
	}

	now := s.clock.Now()
	if now.After(s.deadlineLocked(playerID)) {
		return fmt.Errorf("submit action: %w", ErrDeadlinePassed)
	}

	adjusted := now
	if s.cfg.LatencyCompensation && !clientTime.IsZero() {
		adjusted = clientTime.Add(s.latency.Average(playerID))
	}

	s.pending[playerID] = PendingAction{
		PlayerID:   playerID,
		Action:     action,
		ClientTime: clientTime,
		ReceivedAt: now,
		AdjustedAt: adjusted,
	}
	return nil
}

// SubmitCommitment records a hash commitment before any action content is
// known. Only valid in simultaneous mode, during the commitment phase.
func (s *Scheduler) SubmitCommitment(playerID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Mode != models.TurnModeSimultaneous {
		return fmt.Errorf("submit commitment: %w", ErrWrongMode)
	}
	if !s.isPlayerLocked(playerID) {
		return fmt.Errorf("submit commitment: %w", ErrUnknownPlayer)
	}
	if s.clock.Now().After(s.commitDeadlineLocked()) {
		return fmt.Errorf("submit commitment: %w", ErrCommitPhaseOver)
	}

	s.commitments[playerID] = hash
	return nil
}

// RevealAction accepts an action only if its recomputed hash matches the
// stored commitment, preventing a participant from choosing an action after
// observing others' submissions in the same turn.
func (s *Scheduler) RevealAction(playerID string, action json.RawMessage, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Mode != models.TurnModeSimultaneous {
		return fmt.Errorf("reveal action: %w", ErrWrongMode)
	}
	committed, ok := s.commitments[playerID]
	if !ok {
		return fmt.Errorf("reveal action: %w", ErrNoCommitment)
	}
	if CommitmentHash(action, nonce) != committed {
		return fmt.Errorf("reveal action: %w", ErrCommitmentMismatch)
	}

	return s.submitLocked(playerID, action, time.Time{})
}

// RemovePlayer drops a participant from the current-participant set, so
// collection no longer waits on them. Any pending action they already
// submitted is retained until the deadline, so a reconnect before the
// deadline can still count.
func (s *Scheduler) RemovePlayer(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.players {
		if p == playerID {
			s.players = append(s.players[:i], s.players[i+1:]...)
			return
		}
	}
}

// Players returns the current participant set.
func (s *Scheduler) Players() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.players))
	copy(out, s.players)
	return out
}

// Collect waits until every current participant has a pending action or the
// turn deadline has elapsed, whichever comes first. It polls at a fine
// interval rather than blocking, and returns early with whatever was
// collected when ctx is cancelled (session end or abandonment).
func (s *Scheduler) Collect(ctx context.Context) Result {
	for {
		if res, done := s.tryResolve(); done {
			return res
		}

		select {
		case <-ctx.Done():
			return s.resolveNow()
		case <-s.clock.After(pollInterval):
		}
	}
}

// resolveNow builds a result from whatever has been collected so far,
// regardless of deadline. Used when the session is cancelled mid-turn.
func (s *Scheduler) resolveNow() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildResultLocked()
}

// tryResolve checks the collection condition and, when met, builds the turn
// result. The second return is false while collection should keep waiting.
func (s *Scheduler) tryResolve() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	// The collection window closes at the latest compensated deadline of
	// any current participant.
	closeAt := s.deadlineLocked("")
	all := true
	for _, p := range s.players {
		if _, ok := s.pending[p]; !ok {
			all = false
		}
		if d := s.deadlineLocked(p); d.After(closeAt) {
			closeAt = d
		}
	}

	expired := !now.Before(closeAt)
	if !all && !expired {
		return Result{}, false
	}
	return s.buildResultLocked(), true
}

func (s *Scheduler) buildResultLocked() Result {
	res := Result{
		Turn:    s.turn,
		Actions: make(map[string]PendingAction, len(s.pending)),
		Elapsed: s.clock.Now().Sub(s.turnStart),
	}
	for id, pa := range s.pending {
		res.Actions[id] = pa
	}
	for _, p := range s.players {
		if _, ok := s.pending[p]; !ok {
			res.TimedOut = append(res.TimedOut, p)
		}
	}
	return res
}
