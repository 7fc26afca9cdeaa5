package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/arena/go/internal/models"
)

// Catalog is the YAML shape of the game-type catalog file.
type Catalog struct {
	GameTypes []models.GameType `yaml:"game_types"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadCatalog reads and validates the game-type catalog, keyed by game id.
func loadCatalog(path string) (map[string]models.GameType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(catalog.GameTypes) == 0 {
		return nil, fmt.Errorf("catalog %s defines no game types", path)
	}

	byID := make(map[string]models.GameType, len(catalog.GameTypes))
	for _, gt := range catalog.GameTypes {
		if gt.ID == "" {
			return nil, fmt.Errorf("catalog entry missing id")
		}
		if gt.RequiredPlayers < 2 {
			return nil, fmt.Errorf("game type %s: required_players must be at least 2", gt.ID)
		}
		switch gt.Mode {
		case models.TurnModeTurnBased, models.TurnModeRealTime, models.TurnModeSimultaneous:
		default:
			return nil, fmt.Errorf("game type %s: unknown mode %q", gt.ID, gt.Mode)
		}
		if gt.TurnTimeoutSec <= 0 {
			return nil, fmt.Errorf("game type %s: turn_timeout_sec must be positive", gt.ID)
		}
		if _, dup := byID[gt.ID]; dup {
			return nil, fmt.Errorf("duplicate game type id %s", gt.ID)
		}
		byID[gt.ID] = gt
	}
	return byID, nil
}
