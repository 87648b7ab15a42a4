package session

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/workspace/control-plane/internal/auth"
	"github.com/workspace/control-plane/internal/persistence"
)

// ErrUnauthorized is returned for frames on sockets with no valid identity;
// the caller should close the socket.
var ErrUnauthorized = errors.New("unauthorized")

type subscribeWindow struct {
	conn  Conn
	timer *time.Timer
}

// ViewerConnected starts the subscribe window for a freshly upgraded viewer
// socket: it must authenticate within the configured timeout or be closed.
func (a *Actor) ViewerConnected(socketID string, conn Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pendingSubscribe == nil {
		a.pendingSubscribe = make(map[string]*subscribeWindow)
	}
	w := &subscribeWindow{conn: conn}
	w.timer = time.AfterFunc(a.cfg.SubscribeTimeout, func() {
		a.mu.Lock()
		_, stillPending := a.pendingSubscribe[socketID]
		delete(a.pendingSubscribe, socketID)
		a.mu.Unlock()
		if stillPending {
			a.log.Info("closing viewer socket: no subscribe in time", "socket", socketID)
			_ = conn.Close()
		}
	})
	a.pendingSubscribe[socketID] = w
}

// ViewerDisconnected tears down a viewer socket: registry entry, durable
// socket mapping, presence.
func (a *Actor) ViewerDisconnected(socketID string) {
	a.mu.Lock()
	if w, ok := a.pendingSubscribe[socketID]; ok {
		w.timer.Stop()
		delete(a.pendingSubscribe, socketID)
	}
	removed := a.registry.RemoveViewer(socketID)
	if err := a.store.DeleteSocketMapping(socketID); err != nil {
		a.log.Warn("delete socket mapping failed", "socket", socketID, "error", err)
	}
	a.mu.Unlock()

	if removed != nil {
		a.broadcastPresence()
	}
}

// HandleViewerFrame processes one inbound frame from a viewer socket.
// Returns ErrUnauthorized when the socket has no identity and should be
// closed.
func (a *Actor) HandleViewerFrame(socketID string, conn Conn, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return writeConn(conn, map[string]any{"type": MsgSandboxError, "message": "malformed frame"})
	}

	switch env.Type {
	case MsgPing:
		return writeConn(conn, map[string]any{"type": MsgPong})
	case MsgSubscribe:
		return a.handleSubscribe(socketID, conn, env.Data)
	}

	v, err := a.resolveViewer(socketID, conn)
	if err != nil {
		return err
	}

	switch env.Type {
	case MsgPrompt:
		var p PromptData
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Content == "" {
			return writeConn(conn, map[string]any{"type": MsgSandboxError, "message": "prompt requires content"})
		}
		_, err := a.Enqueue(p, v.ParticipantID, "socket")
		return err
	case MsgStop:
		return a.StopCurrent()
	case MsgTyping:
		var t TypingData
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil
		}
		a.broadcastTyping(socketID, v.ParticipantID, t.Typing)
		return nil
	case MsgPresence:
		return writeConn(conn, map[string]any{
			"type":         MsgPresenceSync,
			"participants": presenceSnapshot(a.registry),
		})
	default:
		a.log.Debug("unknown viewer frame type", "type", env.Type)
		return nil
	}
}

func (a *Actor) handleSubscribe(socketID string, conn Conn, data json.RawMessage) error {
	var sub SubscribeData
	if err := json.Unmarshal(data, &sub); err != nil || sub.Token == "" {
		_ = writeConn(conn, map[string]any{"type": MsgSandboxError, "message": "subscribe requires token"})
		return ErrUnauthorized
	}

	a.mu.Lock()
	p, err := a.store.GetParticipantByConnTokenHash(auth.HashToken(sub.Token))
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if p == nil || !auth.TokenHashEqual(sub.Token, p.ConnTokenHash) {
		a.mu.Unlock()
		a.log.Info("viewer subscribe rejected: invalid token", "socket", socketID)
		_ = writeConn(conn, map[string]any{"type": MsgSandboxError, "message": "invalid connection token"})
		return ErrUnauthorized
	}

	if w, ok := a.pendingSubscribe[socketID]; ok {
		w.timer.Stop()
		delete(a.pendingSubscribe, socketID)
	}
	a.registry.AddViewer(socketID, p.ID, sub.ClientID, conn)
	if err := a.store.PutSocketMapping(persistence.SocketMapping{
		SocketID:      socketID,
		ParticipantID: p.ID,
		ClientID:      sub.ClientID,
	}); err != nil {
		a.log.Warn("persist socket mapping failed", "socket", socketID, "error", err)
	}
	a.touchActivityLocked()
	a.mu.Unlock()

	a.log.Info("viewer subscribed", "socket", socketID, "participant", p.ID)
	if err := writeConn(conn, map[string]any{
		"type":          MsgSubscribed,
		"participantId": p.ID,
	}); err != nil {
		return err
	}
	a.replayHistory(conn)
	a.broadcastPresence()
	return nil
}

// resolveViewer maps a socket to its subscribed viewer. After an eviction
// the in-memory registry is empty but the socket is logically still
// authenticated; the durable socket mapping restores its identity without a
// re-subscribe.
func (a *Actor) resolveViewer(socketID string, conn Conn) (*Viewer, error) {
	if v := a.registry.Viewer(socketID); v != nil {
		return v, nil
	}

	m, err := a.store.GetSocketMapping(socketID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnauthorized
	}
	a.log.Info("viewer socket recovered from mapping", "socket", socketID, "participant", m.ParticipantID)
	return a.registry.AddViewer(socketID, m.ParticipantID, m.ClientID, conn), nil
}

// replayHistory sends the full session history to a newly subscribed
// viewer: messages and events merged in timestamp order, closed by an
// explicit history_complete carrying the current processing state.
func (a *Actor) replayHistory(conn Conn) {
	messages, err := a.store.ListMessages()
	if err != nil {
		a.log.Warn("history replay: list messages failed", "error", err)
		return
	}
	events, err := a.store.ListEvents(0)
	if err != nil {
		a.log.Warn("history replay: list events failed", "error", err)
		return
	}

	type item struct {
		at    string
		frame map[string]any
	}
	items := make([]item, 0, len(messages)+len(events))
	for i := range messages {
		items = append(items, item{
			at:    messages[i].CreatedAt,
			frame: map[string]any{"type": MsgPromptQueued, "message": messages[i], "replay": true},
		})
	}
	for i := range events {
		items = append(items, item{
			at:    events[i].CreatedAt,
			frame: map[string]any{"type": MsgSandboxEvent, "event": events[i], "replay": true},
		})
	}
	// Timestamps use the store's fixed-width layout, so string order is
	// time order.
	sort.SliceStable(items, func(i, j int) bool { return items[i].at < items[j].at })

	for _, it := range items {
		if err := writeConn(conn, it.frame); err != nil {
			return
		}
	}

	complete := map[string]any{"type": MsgHistoryComplete}
	if processing, err := a.store.ProcessingMessage(); err == nil && processing != nil {
		complete["processingMessageId"] = processing.ID
	}
	_ = writeConn(conn, complete)
}

func writeConn(conn Conn, msg any) error {
	return conn.WriteJSON(msg)
}
