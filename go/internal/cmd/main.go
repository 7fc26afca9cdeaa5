package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	catalogPath := getEnv("ARENA_CATALOG", "arena.yaml")
	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", catalogPath).Msg("failed to load game catalog")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, cleanup, err := setupServices(ctx, catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	defer cleanup()

	server := setupServer(services)

	go services.Gateway.Run(ctx)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	// Give the gateway and in-flight turn loops time to clean up
	time.Sleep(1 * time.Second)

	log.Info().Msg("arena shutdown complete")
}
