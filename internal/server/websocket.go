package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/control-plane/internal/session"
)

// createUpgrader creates a WebSocket upgrader with explicit origin
// validation; upgrades bypass CORS so origins must be checked here.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header: same-origin or non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks the origin against the configured allow list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks whether origin matches a pattern such as
// "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// lockedConn serializes writes on a gorilla connection, which does not
// allow concurrent writers. Satisfies session.Conn.
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteJSON(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(v)
}

func (l *lockedConn) Close() error {
	return l.conn.Close()
}

// handleViewerWS upgrades a viewer socket. Authentication happens in-band:
// the socket must send a subscribe frame with a valid connection token
// before the subscribe window closes.
func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actors.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	upgrader := s.createUpgrader()
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("viewer websocket upgrade failed", "error", err)
		return
	}
	defer raw.Close()

	// Honor a socket id supplied by a resuming client so its durable
	// socket mapping can be recovered; fresh connections get a new id.
	socketID := r.URL.Query().Get("socketId")
	if socketID == "" {
		socketID = uuid.NewString()
	}
	conn := &lockedConn{conn: raw}

	actor.ViewerConnected(socketID, conn)
	defer actor.ViewerDisconnected(socketID)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		if err := actor.HandleViewerFrame(socketID, conn, data); err != nil {
			if errors.Is(err, session.ErrUnauthorized) {
				_ = raw.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
					closeDeadline())
				return
			}
			slog.Warn("viewer frame failed", "socket", socketID, "error", err)
		}
	}
}

// handleSandboxWS upgrades the sandbox socket. The sandbox authenticates
// up-front with its per-spawn bearer token and declares the provider
// sandbox id it was spawned as.
func (s *Server) handleSandboxWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actors.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	declaredID := r.Header.Get("X-Sandbox-ID")
	if declaredID == "" {
		declaredID = r.URL.Query().Get("sandboxId")
	}
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := s.createUpgrader()
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("sandbox websocket upgrade failed", "error", err)
		return
	}
	defer raw.Close()

	socketID := uuid.NewString()
	conn := &lockedConn{conn: raw}

	if err := actor.SandboxConnected(socketID, conn, token, declaredID); err != nil {
		_ = raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			closeDeadline())
		return
	}
	defer actor.SandboxDisconnected(socketID)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		if err := actor.HandleSandboxFrame(socketID, data); err != nil {
			slog.Warn("sandbox frame failed", "socket", socketID, "error", err)
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
