// Package server exposes the test generation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timzinin/andry/internal/db"
	"github.com/timzinin/andry/internal/gateway"
	"github.com/timzinin/andry/internal/pipeline"
	"github.com/timzinin/andry/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port int
}

// Server wires the gateway, pipeline and storage into an HTTP API.
type Server struct {
	gateway *gateway.Gateway
	crew    *pipeline.Crew
	runOpts pipeline.RunOptions
	db      *db.DB
	jwt     *JWTService

	httpServer *http.Server
}

// New creates a server. database may be nil; run history endpoints then
// answer 503.
func New(cfg Config, gw *gateway.Gateway, crew *pipeline.Crew, runOpts pipeline.RunOptions, database *db.DB, jwtService *JWTService) *Server {
	s := &Server{
		gateway: gw,
		crew:    crew,
		runOpts: runOpts,
		db:      database,
		jwt:     jwtService,
	}

	mux := http.NewServeMux()

	// Unauthenticated endpoints.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleToken)

	// Authenticated API.
	authMiddleware := middleware.AuthMiddleware(jwtService.AsTokenValidator())
	auth := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}
	mux.Handle("POST /generate", auth(s.handleGenerate))
	mux.Handle("POST /generate/stream", auth(s.handleGenerateStream))
	mux.Handle("GET /session", auth(s.handleSession))
	mux.Handle("POST /session/mode", auth(s.handleSessionMode))
	mux.Handle("POST /session/cancel", auth(s.handleSessionCancel))
	mux.Handle("GET /limits", auth(s.handleLimits))
	mux.Handle("GET /runs", auth(s.handleListRuns))
	mux.Handle("GET /runs/{id}", auth(s.handleGetRun))
	mux.Handle("DELETE /runs/{id}", auth(s.handleDeleteRun))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(withCORS(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server until an interrupt signal arrives, then shuts down
// gracefully.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// withLogging logs each request with its duration.
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// withCORS handles cross-origin requests and preflight.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
