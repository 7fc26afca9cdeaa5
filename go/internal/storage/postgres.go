package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/arena/go/internal/models"
)

// PostgresStore records session outcomes in a session_outcomes table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const insertOutcome = `
INSERT INTO session_outcomes (session_id, game_type_id, players, winner, scores, reason, turns, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (s *PostgresStore) RecordSessionOutcome(ctx context.Context, outcome *models.Outcome) error {
	scores, err := json.Marshal(outcome.Scores)
	if err != nil {
		return fmt.Errorf("marshal outcome scores: %w", err)
	}

	_, err = s.pool.Exec(ctx, insertOutcome,
		outcome.SessionID,
		outcome.GameTypeID,
		outcome.Players,
		outcome.Winner,
		scores,
		outcome.Reason,
		outcome.Turns,
		outcome.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
