package rules

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Engine is the capability interface a game variant must implement. The
// session engine treats game state as an opaque blob; only the Engine for a
// session's game type interprets it. An Engine must be stateless: all game
// data lives in the blob.
type Engine interface {
	// Initialize builds the starting state for an ordered player set.
	Initialize(players []string) (json.RawMessage, error)
	// Apply validates one player action against the current state and
	// returns the new state. Illegal actions return an error and must not
	// be treated as state changes.
	Apply(state json.RawMessage, playerID string, action json.RawMessage) (json.RawMessage, error)
	// IsTerminal reports whether the game has ended.
	IsTerminal(state json.RawMessage) bool
	// Winner returns the winning player, if the game has one.
	Winner(state json.RawMessage) (string, bool)
	// Scores returns per-player scores for outcome records.
	Scores(state json.RawMessage) map[string]float64
}

// Masker is implemented by engines whose state contains hidden information.
// MaskState projects the full state into what a single viewer may see; it is
// a pure transform and never mutates the input.
type Masker interface {
	MaskState(state json.RawMessage, viewerID string) (json.RawMessage, error)
}

// Registry maps game type ids to engines. Instances are constructed and
// passed around explicitly so tests can build independent registries.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine under a game type id.
func (r *Registry) Register(gameTypeID string, engine Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gameTypeID == "" {
		return fmt.Errorf("engine key cannot be empty")
	}
	if _, exists := r.engines[gameTypeID]; exists {
		return fmt.Errorf("engine already registered for key %q", gameTypeID)
	}
	r.engines[gameTypeID] = engine
	return nil
}

// Get retrieves the engine for a game type id.
func (r *Registry) Get(gameTypeID string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, exists := r.engines[gameTypeID]
	if !exists {
		return nil, fmt.Errorf("no rules engine registered for key %q", gameTypeID)
	}
	return engine, nil
}

// Mask applies the engine's state projection for a viewer when the engine
// declares hidden state; otherwise it returns the state unchanged.
func Mask(engine Engine, state json.RawMessage, viewerID string) (json.RawMessage, error) {
	if m, ok := engine.(Masker); ok {
		return m.MaskState(state, viewerID)
	}
	return state, nil
}
