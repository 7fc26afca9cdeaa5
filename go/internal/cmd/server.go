package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	// WebSocket endpoint plus health and stats
	services.Gateway.RegisterRoutes(mux)

	handler := c.Handler(mux)

	// Setup HTTP/2 server; h2c keeps plaintext HTTP/2 available behind the
	// ingress while the websocket upgrade still runs over HTTP/1.1.
	return &http.Server{
		Addr:        fmt.Sprintf(":%s", getEnv("PORT", "8080")),
		Handler:     h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}
