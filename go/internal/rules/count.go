package rules

import (
	"encoding/json"
	"fmt"
)

// CountEngine is a minimal race game: each increment action advances the
// acting player's counter, first to the target wins. Used for turn-based
// game types and as the reference engine in tests.
type CountEngine struct {
	Target int
}

type countState struct {
	Target   int            `json:"target"`
	Counters map[string]int `json:"counters"`
	Winner   string         `json:"winner,omitempty"`
}

type countAction struct {
	Type   string `json:"type"`
	Amount int    `json:"amount,omitempty"`
}

func NewCountEngine(target int) *CountEngine {
	if target <= 0 {
		target = 10
	}
	return &CountEngine{Target: target}
}

func (e *CountEngine) Initialize(players []string) (json.RawMessage, error) {
	if len(players) == 0 {
		return nil, fmt.Errorf("count engine needs at least one player")
	}
	st := countState{Target: e.Target, Counters: make(map[string]int, len(players))}
	for _, p := range players {
		st.Counters[p] = 0
	}
	return json.Marshal(st)
}

func (e *CountEngine) Apply(state json.RawMessage, playerID string, action json.RawMessage) (json.RawMessage, error) {
	var st countState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode count state: %w", err)
	}
	if st.Winner != "" {
		return nil, fmt.Errorf("game already won by %s", st.Winner)
	}
	if _, ok := st.Counters[playerID]; !ok {
		return nil, fmt.Errorf("player %s is not in this game", playerID)
	}

	var act countAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, fmt.Errorf("decode count action: %w", err)
	}
	switch act.Type {
	case "increment":
		amount := act.Amount
		if amount <= 0 {
			amount = 1
		}
		st.Counters[playerID] += amount
		if st.Counters[playerID] >= st.Target {
			st.Winner = playerID
		}
	case "pass":
	default:
		return nil, fmt.Errorf("unknown count action %q", act.Type)
	}

	return json.Marshal(st)
}

func (e *CountEngine) IsTerminal(state json.RawMessage) bool {
	var st countState
	if err := json.Unmarshal(state, &st); err != nil {
		return false
	}
	return st.Winner != ""
}

func (e *CountEngine) Winner(state json.RawMessage) (string, bool) {
	var st countState
	if err := json.Unmarshal(state, &st); err != nil {
		return "", false
	}
	return st.Winner, st.Winner != ""
}

func (e *CountEngine) Scores(state json.RawMessage) map[string]float64 {
	var st countState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil
	}
	scores := make(map[string]float64, len(st.Counters))
	for p, c := range st.Counters {
		scores[p] = float64(c)
	}
	return scores
}
