package session

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/workspace/control-plane/internal/persistence"
)

// ErrSandboxRejected explains why a sandbox socket was refused.
type ErrSandboxRejected struct {
	Reason string
}

func (e *ErrSandboxRejected) Error() string {
	return "sandbox connection rejected: " + e.Reason
}

// SandboxConnected authenticates and installs a sandbox socket. The bearer
// token must match the stored per-spawn auth token and the declared sandbox
// id must match the provider id recorded at spawn time. Stopped and stale
// sandboxes may not reconnect; they have been superseded by a snapshot. At
// most one sandbox socket exists: a new one displaces (and closes) the old.
func (a *Actor) SandboxConnected(socketID string, conn Conn, bearerToken, declaredSandboxID string) error {
	a.mu.Lock()

	sb, err := a.store.GetSandbox()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if sb == nil || sb.AuthToken == "" {
		a.mu.Unlock()
		return &ErrSandboxRejected{Reason: "no sandbox provisioned"}
	}
	if subtle.ConstantTimeCompare([]byte(bearerToken), []byte(sb.AuthToken)) != 1 {
		a.mu.Unlock()
		a.log.Warn("sandbox socket rejected: bad token", "socket", socketID)
		return &ErrSandboxRejected{Reason: "invalid auth token"}
	}
	if sb.ProviderSandboxID != "" && declaredSandboxID != sb.ProviderSandboxID {
		a.mu.Unlock()
		a.log.Warn("sandbox socket rejected: id mismatch",
			"declared", declaredSandboxID, "expected", sb.ProviderSandboxID)
		return &ErrSandboxRejected{Reason: "sandbox id mismatch"}
	}
	switch sb.Status {
	case persistence.SandboxStopped, persistence.SandboxStale:
		a.mu.Unlock()
		return &ErrSandboxRejected{Reason: fmt.Sprintf("sandbox is %s", sb.Status)}
	}

	_, previous := a.registry.SetSandbox(socketID, declaredSandboxID, conn)

	if sb.Status != persistence.SandboxReady && sb.Status != persistence.SandboxRunning {
		a.transitionLocked(sb.Status, persistence.SandboxReady)
	}
	if err := a.store.TouchSandboxHeartbeat(); err != nil {
		a.log.Warn("touch heartbeat failed", "error", err)
	}
	a.touchActivityLocked()
	a.processNextLocked()
	a.mu.Unlock()

	if previous != nil {
		a.log.Info("closing displaced sandbox socket", "socket", previous.SocketID)
		_ = previous.Close()
	}
	a.log.Info("sandbox connected", "socket", socketID, "providerSandboxId", declaredSandboxID)
	return nil
}

// SandboxDisconnected clears the sandbox socket if socketID still owns it.
// The status is left alone: the sandbox may be rebooting and will reconnect,
// and the heartbeat alarm catches it if it never does.
func (a *Actor) SandboxDisconnected(socketID string) {
	if a.registry.ClearSandbox(socketID) {
		a.log.Info("sandbox disconnected", "socket", socketID)
	}
}

// HandleSandboxFrame processes one inbound frame from the sandbox socket.
// Preview stream frames are relayed to viewers without persistence; every
// other frame is a structured event for the pipeline.
func (a *Actor) HandleSandboxFrame(socketID string, raw []byte) error {
	sc := a.registry.Sandbox()
	if sc == nil || sc.SocketID != socketID {
		// Frame from a displaced socket; drop it.
		return nil
	}

	var ev SandboxEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		a.log.Warn("malformed sandbox frame", "error", err)
		return nil
	}
	if ev.Type == "" {
		return nil
	}

	if ev.Type == string(MsgStreamFrame) {
		a.broadcast(MsgStreamFrame, map[string]any{"data": ev.Data})
		return nil
	}

	_, err := a.IngestEvent(ev)
	return err
}

// VerifySandboxToken checks a bearer token against the stored sandbox auth
// token, for callers authenticating sandbox-originated HTTP requests.
func (a *Actor) VerifySandboxToken(token string) (bool, error) {
	sb, err := a.store.GetSandbox()
	if err != nil {
		return false, err
	}
	if sb == nil || sb.AuthToken == "" || token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(sb.AuthToken)) == 1, nil
}
