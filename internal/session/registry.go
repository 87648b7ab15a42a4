package session

import (
	"sync"
	"time"
)

// Conn is the write side of a socket. Implementations must tolerate
// concurrent WriteJSON calls; the server wraps raw websocket connections in
// a locked writer before handing them to the actor. Tests substitute
// in-memory fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Viewer is a subscribed viewer socket.
type Viewer struct {
	SocketID      string
	ParticipantID string
	ClientID      string
	JoinedAt      time.Time

	mu   sync.Mutex
	conn Conn
}

func (v *Viewer) send(msg any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn.WriteJSON(msg)
}

// SandboxConn is the single active sandbox socket.
type SandboxConn struct {
	SocketID  string
	SandboxID string

	mu   sync.Mutex
	conn Conn
}

// Send writes a command frame to the sandbox. Writes are serialized per
// socket; gorilla connections do not allow concurrent writers.
func (s *SandboxConn) Send(cmd SandboxCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(cmd)
}

// Close closes the underlying socket.
func (s *SandboxConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Registry holds the live socket connections of one session: any number of
// viewer sockets and at most one sandbox socket. It is safe for concurrent
// use. Registry state is memory-only; durable socket identity lives in the
// socket_mappings table.
type Registry struct {
	mu      sync.RWMutex
	viewers map[string]*Viewer
	sandbox *SandboxConn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{viewers: make(map[string]*Viewer)}
}

// AddViewer registers a subscribed viewer socket.
func (r *Registry) AddViewer(socketID, participantID, clientID string, conn Conn) *Viewer {
	v := &Viewer{
		SocketID:      socketID,
		ParticipantID: participantID,
		ClientID:      clientID,
		JoinedAt:      time.Now().UTC(),
		conn:          conn,
	}
	r.mu.Lock()
	r.viewers[socketID] = v
	r.mu.Unlock()
	return v
}

// RemoveViewer drops a viewer socket. Returns the removed viewer, or nil.
func (r *Registry) RemoveViewer(socketID string) *Viewer {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.viewers[socketID]
	if !ok {
		return nil
	}
	delete(r.viewers, socketID)
	return v
}

// Viewer looks up a viewer by socket id.
func (r *Registry) Viewer(socketID string) *Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewers[socketID]
}

// Viewers returns a snapshot of all subscribed viewers.
func (r *Registry) Viewers() []*Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		out = append(out, v)
	}
	return out
}

// ViewerCount returns the number of subscribed viewer sockets.
func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// SetSandbox installs the sandbox socket, returning the previous one (which
// the caller must close) if a socket was already attached.
func (r *Registry) SetSandbox(socketID, sandboxID string, conn Conn) (current, previous *SandboxConn) {
	sc := &SandboxConn{SocketID: socketID, SandboxID: sandboxID, conn: conn}
	r.mu.Lock()
	previous = r.sandbox
	r.sandbox = sc
	r.mu.Unlock()
	return sc, previous
}

// Sandbox returns the attached sandbox socket, or nil.
func (r *Registry) Sandbox() *SandboxConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sandbox
}

// ClearSandbox detaches the sandbox socket if socketID still owns the slot.
// A stale disconnect (from a socket already replaced) is a no-op.
func (r *Registry) ClearSandbox(socketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sandbox == nil || r.sandbox.SocketID != socketID {
		return false
	}
	r.sandbox = nil
	return true
}

// Broadcast writes a frame to every viewer, best effort. A failed write
// never affects other viewers; the read loop of the failed socket will tear
// it down.
func (r *Registry) Broadcast(msg any) {
	for _, v := range r.Viewers() {
		_ = v.send(msg)
	}
}

// BroadcastExcept writes a frame to every viewer except the named socket.
func (r *Registry) BroadcastExcept(socketID string, msg any) {
	for _, v := range r.Viewers() {
		if v.SocketID == socketID {
			continue
		}
		_ = v.send(msg)
	}
}
