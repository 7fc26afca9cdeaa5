package rules

import (
	"encoding/json"
	"fmt"
)

// RPSEngine plays best-of rock-paper-scissors for two players. Hands for the
// current round are hidden information, so the engine also implements Masker
// for fog-of-war projection.
type RPSEngine struct {
	WinScore int
}

type rpsState struct {
	Players []string          `json:"players"`
	Score   map[string]int    `json:"score"`
	Hands   map[string]string `json:"hands"`
	Round   int               `json:"round"`
	Target  int               `json:"target"`
	Winner  string            `json:"winner,omitempty"`
}

type rpsAction struct {
	Type string `json:"type"`
	Hand string `json:"hand"`
}

var rpsBeats = map[string]string{
	"rock":     "scissors",
	"paper":    "rock",
	"scissors": "paper",
}

func NewRPSEngine(winScore int) *RPSEngine {
	if winScore <= 0 {
		winScore = 3
	}
	return &RPSEngine{WinScore: winScore}
}

func (e *RPSEngine) Initialize(players []string) (json.RawMessage, error) {
	if len(players) != 2 {
		return nil, fmt.Errorf("rps needs exactly two players, got %d", len(players))
	}
	st := rpsState{
		Players: players,
		Score:   map[string]int{players[0]: 0, players[1]: 0},
		Hands:   make(map[string]string),
		Round:   1,
		Target:  e.WinScore,
	}
	return json.Marshal(st)
}

func (e *RPSEngine) Apply(state json.RawMessage, playerID string, action json.RawMessage) (json.RawMessage, error) {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode rps state: %w", err)
	}
	if st.Winner != "" {
		return nil, fmt.Errorf("game already won by %s", st.Winner)
	}
	if _, ok := st.Score[playerID]; !ok {
		return nil, fmt.Errorf("player %s is not in this game", playerID)
	}

	var act rpsAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, fmt.Errorf("decode rps action: %w", err)
	}
	if act.Type != "throw" {
		return nil, fmt.Errorf("unknown rps action %q", act.Type)
	}
	if _, ok := rpsBeats[act.Hand]; !ok {
		return nil, fmt.Errorf("invalid hand %q", act.Hand)
	}

	st.Hands[playerID] = act.Hand

	if len(st.Hands) == len(st.Players) {
		e.scoreRound(&st)
	}

	return json.Marshal(&st)
}

func (e *RPSEngine) scoreRound(st *rpsState) {
	a, b := st.Players[0], st.Players[1]
	ha, hb := st.Hands[a], st.Hands[b]
	switch {
	case ha == hb:
		// Draw, replay the round.
	case rpsBeats[ha] == hb:
		st.Score[a]++
	default:
		st.Score[b]++
	}
	st.Hands = make(map[string]string)
	st.Round++

	for _, p := range st.Players {
		if st.Score[p] >= st.Target {
			st.Winner = p
		}
	}
}

func (e *RPSEngine) IsTerminal(state json.RawMessage) bool {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return false
	}
	return st.Winner != ""
}

func (e *RPSEngine) Winner(state json.RawMessage) (string, bool) {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return "", false
	}
	return st.Winner, st.Winner != ""
}

func (e *RPSEngine) Scores(state json.RawMessage) map[string]float64 {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil
	}
	scores := make(map[string]float64, len(st.Score))
	for p, s := range st.Score {
		scores[p] = float64(s)
	}
	return scores
}

// MaskState hides other players' unrevealed hands: a viewer sees whether an
// opponent has thrown this round, never which hand.
func (e *RPSEngine) MaskState(state json.RawMessage, viewerID string) (json.RawMessage, error) {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode rps state: %w", err)
	}

	masked := struct {
		rpsState
		Thrown map[string]bool `json:"thrown"`
	}{rpsState: st, Thrown: make(map[string]bool, len(st.Players))}

	masked.Hands = make(map[string]string)
	if hand, ok := st.Hands[viewerID]; ok {
		masked.Hands[viewerID] = hand
	}
	for p := range st.Hands {
		masked.Thrown[p] = true
	}

	return json.Marshal(&masked)
}
