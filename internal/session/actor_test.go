package session

import (
	"testing"
	"time"

	"github.com/workspace/control-plane/internal/persistence"
)

func TestIdleSandboxStoppedAndSnapshotted(t *testing.T) {
	a, fp, store := newTestActor(t, func(c *Config) {
		c.InactivityTimeout = 40 * time.Millisecond
	})
	fc := connectSandbox(t, a, store)

	waitFor(t, "idle sandbox to stop", func() bool {
		return sandboxStatus(t, store) == persistence.SandboxStopped
	})
	waitFor(t, "inactivity snapshot", func() bool {
		for _, r := range fp.reasons() {
			if r == SnapshotReasonInactivity {
				return true
			}
		}
		return false
	})
	waitFor(t, "shutdown command", func() bool {
		return len(fc.typed("shutdown")) == 1
	})
	if !fc.isClosed() {
		t.Fatal("sandbox socket not closed on idle shutdown")
	}
	if a.Registry().Sandbox() != nil {
		t.Fatal("sandbox socket still registered after idle shutdown")
	}
}

func TestActivityDefersIdleShutdown(t *testing.T) {
	a, _, store := newTestActor(t, func(c *Config) {
		c.InactivityTimeout = 60 * time.Millisecond
	})
	connectSandbox(t, a, store)

	// Heartbeats are not activity, but events are.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if _, err := a.IngestEvent(SandboxEvent{Type: EvtToken, Data: []byte(`{}`)}); err != nil {
			t.Fatalf("IngestEvent: %v", err)
		}
	}
	if got := sandboxStatus(t, store); got != persistence.SandboxReady {
		t.Fatalf("status = %s, want ready while active", got)
	}
}

func TestViewersExtendIdleWindowOnce(t *testing.T) {
	a, _, store := newTestActor(t, func(c *Config) {
		c.InactivityTimeout = 40 * time.Millisecond
		c.ViewerExtension = 60 * time.Millisecond
	})
	_, token := addParticipant(t, store, "u1")
	vc := subscribeViewer(t, a, "sock-v1", token)
	connectSandbox(t, a, store)

	// First expiry warns and extends instead of stopping.
	waitFor(t, "idle warning", func() bool {
		return len(vc.typed("sandbox_warning")) == 1
	})
	if got := sandboxStatus(t, store); got == persistence.SandboxStopped {
		t.Fatal("sandbox stopped before the viewer extension elapsed")
	}

	// The extension is one-shot; the next expiry stops the sandbox even
	// with the viewer still attached.
	waitFor(t, "post-extension stop", func() bool {
		return sandboxStatus(t, store) == persistence.SandboxStopped
	})
	if got := len(vc.typed("sandbox_warning")); got != 1 {
		t.Fatalf("warnings = %d, want exactly 1", got)
	}
}

func TestStaleHeartbeatSnapshotsAndMarksStale(t *testing.T) {
	a, fp, store := newTestActor(t, func(c *Config) {
		c.HeartbeatInterval = 15 * time.Millisecond
	})
	connectSandbox(t, a, store)

	waitFor(t, "stale status", func() bool {
		return sandboxStatus(t, store) == persistence.SandboxStale
	})
	waitFor(t, "heartbeat-timeout snapshot", func() bool {
		for _, r := range fp.reasons() {
			if r == SnapshotReasonHeartbeatTimeout {
				return true
			}
		}
		return false
	})
}

func TestHeartbeatsKeepSandboxAlive(t *testing.T) {
	a, _, store := newTestActor(t, func(c *Config) {
		c.HeartbeatInterval = 30 * time.Millisecond
	})
	connectSandbox(t, a, store)

	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		if _, err := a.IngestEvent(SandboxEvent{Type: EvtHeartbeat, Data: []byte(`{}`)}); err != nil {
			t.Fatalf("IngestEvent: %v", err)
		}
	}
	if got := sandboxStatus(t, store); got != persistence.SandboxReady {
		t.Fatalf("status = %s, want ready while heartbeating", got)
	}
}

func TestQueuedPromptTriggersSpawn(t *testing.T) {
	a, fp, store := newTestActor(t, nil)
	a.lastSpawnAttempt = time.Time{}

	id, err := a.Enqueue(PromptData{Content: "needs a sandbox"}, "participant-u1", "api")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "background spawn", func() bool { return fp.creates() == 1 })
	waitFor(t, "connecting status", func() bool {
		return sandboxStatus(t, store) == persistence.SandboxConnecting
	})
	// Nothing is marked processing until a socket exists.
	if got := messageStatus(t, store, id); got != persistence.MessagePending {
		t.Fatalf("message status = %s, want pending until the sandbox connects", got)
	}

	fc := connectSandbox(t, a, store)
	if got := messageStatus(t, store, id); got != persistence.MessageProcessing {
		t.Fatalf("message status = %s, want processing after connect", got)
	}
	if got := promptCommands(fc); len(got) != 1 || got[0] != id {
		t.Fatalf("delivered prompt ids = %v", got)
	}
}

func TestMonitoringStopsForDeadSandbox(t *testing.T) {
	a, _, store := newTestActor(t, func(c *Config) {
		c.InactivityTimeout = 30 * time.Millisecond
		c.HeartbeatInterval = 10 * time.Millisecond
	})
	// Status stays pending; neither alarm should be armed.
	_ = store
	time.Sleep(80 * time.Millisecond)
	if got := sandboxStatus(t, store); got != persistence.SandboxPending {
		t.Fatalf("status = %s, want pending untouched", got)
	}
	if next := a.alarm.Next(); !next.IsZero() {
		t.Fatalf("alarm armed for a dead sandbox: %v", next)
	}
}
