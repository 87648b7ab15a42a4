package server

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/workspace/control-plane/internal/persistence"
	"github.com/workspace/control-plane/internal/session"
)

type actorEntry struct {
	actor *session.Actor
	store *persistence.Store
}

// actorManager caches live session actors, creating them on demand.
// Concurrent first requests for the same session are collapsed with
// singleflight so each session gets exactly one actor and one database
// handle.
type actorManager struct {
	mu      sync.RWMutex
	entries map[string]*actorEntry
	group   singleflight.Group

	dbDir    string
	newActor func(sessionID string, store *persistence.Store) *session.Actor
}

func newActorManager(dbDir string, newActor func(string, *persistence.Store) *session.Actor) *actorManager {
	return &actorManager{
		entries:  make(map[string]*actorEntry),
		dbDir:    dbDir,
		newActor: newActor,
	}
}

// Get returns the actor for a session, loading it if needed.
func (m *actorManager) Get(sessionID string) (*session.Actor, error) {
	m.mu.RLock()
	e := m.entries[sessionID]
	m.mu.RUnlock()
	if e != nil {
		return e.actor, nil
	}

	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		m.mu.RLock()
		e := m.entries[sessionID]
		m.mu.RUnlock()
		if e != nil {
			return e, nil
		}

		store, err := persistence.Open(filepath.Join(m.dbDir, sessionID+".db"))
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		e = &actorEntry{
			actor: m.newActor(sessionID, store),
			store: store,
		}

		m.mu.Lock()
		m.entries[sessionID] = e
		m.mu.Unlock()
		slog.Info("session actor loaded", "session", sessionID)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*actorEntry).actor, nil
}

// Evict drops a session's in-memory actor. Durable state stays on disk; the
// next request rehydrates a fresh actor from it.
func (m *actorManager) Evict(sessionID string) {
	m.mu.Lock()
	e := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()

	if e == nil {
		return
	}
	e.actor.Close()
	if err := e.store.Close(); err != nil {
		slog.Warn("close session store failed", "session", sessionID, "error", err)
	}
	slog.Info("session actor evicted", "session", sessionID)
}

// EvictAll drops every live actor; used on shutdown.
func (m *actorManager) EvictAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*actorEntry)
	m.mu.Unlock()

	for id, e := range entries {
		e.actor.Close()
		if err := e.store.Close(); err != nil {
			slog.Warn("close session store failed", "session", id, "error", err)
		}
	}
}
