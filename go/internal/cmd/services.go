package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/go/internal/auth"
	"github.com/mcdev12/arena/go/internal/events"
	"github.com/mcdev12/arena/go/internal/gateway"
	"github.com/mcdev12/arena/go/internal/latency"
	"github.com/mcdev12/arena/go/internal/matchmaking"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/mcdev12/arena/go/internal/rules"
	"github.com/mcdev12/arena/go/internal/session"
	"github.com/mcdev12/arena/go/internal/storage"
)

type Services struct {
	Gateway  *gateway.Gateway
	Registry *session.Registry
	Queue    *matchmaking.Queue
}

// setupServices wires the dependency chain: rules and storage feed the
// registry, the registry feeds matchmaking, and the gateway sits on top as
// the transport.
func setupServices(ctx context.Context, catalog map[string]models.GameType) (*Services, func(), error) {
	clock := clockwork.NewRealClock()

	engines := rules.NewRegistry()
	if err := engines.Register("count", rules.NewCountEngine(getEnvAsInt("COUNT_TARGET", 10))); err != nil {
		return nil, nil, err
	}
	if err := engines.Register("rps", rules.NewRPSEngine(getEnvAsInt("RPS_WIN_SCORE", 2))); err != nil {
		return nil, nil, err
	}
	for id := range catalog {
		if _, err := engines.Get(id); err != nil {
			return nil, nil, fmt.Errorf("catalog game type %s has no rules engine", id)
		}
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	store, err := setupStore(ctx, &cleanups)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := setupPublisher(&cleanups)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	lat := latency.NewTracker(latency.DefaultWindowSize)
	registry := session.NewRegistry(engines, store, publisher, lat, clock)
	queue := matchmaking.NewQueue(registry, clock)

	secret := getEnv("ARENA_JWT_SECRET", "")
	if secret == "" {
		cleanup()
		return nil, nil, fmt.Errorf("ARENA_JWT_SECRET environment variable is required")
	}
	verifier := auth.NewJWTVerifier(
		[]byte(secret),
		getEnv("ARENA_JWT_ISSUER", "arena"),
		auth.NewRevocationList(),
		clock,
	)

	gw := gateway.New(gateway.DefaultConfig(), verifier, registry, queue, lat, catalog, clock)

	return &Services{
		Gateway:  gw,
		Registry: registry,
		Queue:    queue,
	}, cleanup, nil
}

// setupStore picks the outcome store: Postgres when a DSN is configured,
// in-memory otherwise.
func setupStore(ctx context.Context, cleanups *[]func()) (storage.OutcomeStore, error) {
	dsn := getEnv("ARENA_DB_DSN", "")
	if dsn == "" {
		log.Warn().Msg("no database configured, session outcomes are not persisted")
		return storage.NewMemoryStore(), nil
	}

	pg, err := storage.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	*cleanups = append(*cleanups, pg.Close)
	log.Info().Msg("connected to outcome database")
	return pg, nil
}

// setupPublisher picks the bus publisher: NATS when a URL is configured,
// no-op otherwise.
func setupPublisher(cleanups *[]func()) (events.Publisher, error) {
	url := getEnv("NATS_URL", "")
	if url == "" {
		log.Warn().Msg("no NATS configured, lifecycle events stay local")
		return events.NoopPublisher{}, nil
	}

	pub, err := events.NewNATSPublisher(url, getEnv("NATS_SUBJECT_PREFIX", "arena"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	*cleanups = append(*cleanups, pub.Close)
	log.Info().Str("url", url).Msg("connected to NATS")
	return pub, nil
}
