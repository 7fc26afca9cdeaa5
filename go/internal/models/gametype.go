package models

import "time"

type TurnMode string

const (
	TurnModeTurnBased    TurnMode = "turn_based"
	TurnModeRealTime     TurnMode = "real_time"
	TurnModeSimultaneous TurnMode = "simultaneous"
)

// GameType describes one matchable game variant: how many players a session
// needs, how its turns are scheduled, and how latency is compensated.
type GameType struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	RequiredPlayers     int      `yaml:"required_players"`
	Mode                TurnMode `yaml:"mode"`
	TurnTimeoutSec      int      `yaml:"turn_timeout_sec"`
	LatencyCompensation bool     `yaml:"latency_compensation"`
	MaxLatencyMs        int      `yaml:"max_latency_ms"`
	HiddenState         bool     `yaml:"hidden_state"`
}

func (g GameType) TurnTimeout() time.Duration {
	return time.Duration(g.TurnTimeoutSec) * time.Second
}

func (g GameType) MaxLatencyAllowance() time.Duration {
	return time.Duration(g.MaxLatencyMs) * time.Millisecond
}
