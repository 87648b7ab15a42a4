// Package server exposes the control plane's HTTP surface: the per-session
// RPC routes, the viewer and sandbox websocket endpoints, and the actor
// cache that routes each request to its session's actor.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/workspace/control-plane/internal/auth"
	"github.com/workspace/control-plane/internal/blob"
	"github.com/workspace/control-plane/internal/config"
	"github.com/workspace/control-plane/internal/hosting"
	"github.com/workspace/control-plane/internal/notify"
	"github.com/workspace/control-plane/internal/persistence"
	"github.com/workspace/control-plane/internal/provision"
	"github.com/workspace/control-plane/internal/session"
	"github.com/workspace/control-plane/internal/tracker"
)

// Server is the control plane's HTTP server.
type Server struct {
	config       *config.Config
	httpServer   *http.Server
	jwtValidator *auth.JWTValidator
	actors       *actorManager
	provisioner  *provision.Client
}

// New creates a server and wires the shared external clients every session
// actor uses.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DatabaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	sealer, err := auth.NewSealer(cfg.TokenSealKey)
	if err != nil {
		return nil, fmt.Errorf("create token sealer: %w", err)
	}

	var jwtValidator *auth.JWTValidator
	if cfg.JWKSEndpoint != "" {
		jwtValidator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, fmt.Errorf("create JWT validator: %w", err)
		}
	}

	provisioner := provision.New(cfg.ProvisionerURL, cfg.ProvisionerSigningKey, cfg.ProvisionerTokenTTL)
	hostingClient := hosting.New(cfg.HostingAPIURL, cfg.HostingClientID, cfg.HostingClientSecret, cfg.HostingAppToken)
	trackerClient := tracker.New(cfg.TrackerAPIURL)
	blobStore := blob.New(cfg.BlobStoreURL, cfg.BlobToken)
	notifier := notify.New(cfg.NotifyURL, cfg.NotifySecret)

	s := &Server{
		config:       cfg,
		jwtValidator: jwtValidator,
		provisioner:  provisioner,
	}

	s.actors = newActorManager(cfg.DatabaseDir, func(sessionID string, store *persistence.Store) *session.Actor {
		return session.New(
			session.Config{
				SessionID:         sessionID,
				CallbackURL:       cfg.PublicURL + "/v1/sessions/" + sessionID,
				HeartbeatInterval: cfg.HeartbeatInterval,
				InactivityTimeout: cfg.InactivityTimeout,
				ViewerExtension:   cfg.ViewerExtension,
				SpawnCooldown:     cfg.SpawnCooldown,
				BreakerThreshold:  cfg.BreakerThreshold,
				BreakerWindow:     cfg.BreakerWindow,
				SubscribeTimeout:  cfg.SubscribeTimeout,
				PushTimeout:       cfg.PushTimeout,
				ElementTimeout:    cfg.ElementTimeout,
				TokenExpiryBuffer: cfg.TokenExpiryBuffer,
			},
			session.Deps{
				Store:       store,
				Provisioner: provisioner,
				Hosting:     hostingClient,
				Tracker:     trackerClient,
				Blobs:       blobStore,
				Notifier:    notifier,
				Sealer:      sealer,
				Logger:      slog.Default(),
			},
		)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions/{sessionId}/rpc/{method}", s.handleRPC)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/ws", s.handleViewerWS)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/sandbox/ws", s.handleSandboxWS)
	mux.HandleFunc("POST /v1/sessions/{sessionId}/evict", s.handleEvict)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("starting control plane", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down and evicts every live actor.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.actors.EvictAll()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRPC authenticates a platform JWT (when a validator is configured)
// and dispatches to the session actor's RPC surface.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	method := r.PathValue("method")

	if s.jwtValidator != nil && !s.sandboxAuthenticated(method) {
		claims, err := s.jwtValidator.Validate(bearerToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.SessionID != "" && claims.SessionID != sessionID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	actor, err := s.actors.Get(sessionID)
	if err != nil {
		slog.Error("load session actor failed", "session", sessionID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	result, rpcErr := actor.HandleRPC(r.Context(), method, body)
	if rpcErr != nil {
		writeJSON(w, rpcErr.Status, rpcErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// sandboxAuthenticated lists RPC methods that carry their own sandbox-token
// authentication in the body instead of a platform JWT.
func (s *Server) sandboxAuthenticated(method string) bool {
	switch method {
	case "ingest-sandbox-event", "verify-sandbox-token":
		return true
	}
	return false
}

// handleEvict simulates host eviction: the in-memory actor is dropped and
// the next request rehydrates it from the store. Used operationally to shed
// memory and in recovery testing.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if s.jwtValidator != nil {
		claims, err := s.jwtValidator.Validate(bearerToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.SessionID != "" && claims.SessionID != sessionID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}
	s.actors.Evict(sessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"evicted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
