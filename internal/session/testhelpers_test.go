package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/workspace/control-plane/internal/auth"
	"github.com/workspace/control-plane/internal/persistence"
	"github.com/workspace/control-plane/internal/provision"
)

// fakeConn records frames written to a socket.
type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// typed returns all recorded frames of the given type.
func (c *fakeConn) typed(frameType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// fakeProvisioner is an in-memory provisioning backend.
type fakeProvisioner struct {
	mu              sync.Mutex
	createErr       error
	createCalls     int
	restoreCalls    int
	lastCreate      provision.CreateRequest
	snapshotReasons []string
	snapshotErr     error
}

func (p *fakeProvisioner) CreateSandbox(_ context.Context, req provision.CreateRequest) (*provision.CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	p.lastCreate = req
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &provision.CreateResponse{SandboxID: "sbx-1", ObjectID: "obj-1"}, nil
}

func (p *fakeProvisioner) RestoreSandbox(_ context.Context, req provision.CreateRequest) (*provision.CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreCalls++
	p.lastCreate = req
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &provision.CreateResponse{SandboxID: "sbx-restored", ObjectID: "obj-restored"}, nil
}

func (p *fakeProvisioner) SnapshotSandbox(_ context.Context, _ string, reason string) (*provision.SnapshotResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshotErr != nil {
		return nil, p.snapshotErr
	}
	p.snapshotReasons = append(p.snapshotReasons, reason)
	return &provision.SnapshotResponse{
		SnapshotID: fmt.Sprintf("snap-%d", len(p.snapshotReasons)),
		ImageID:    fmt.Sprintf("img-%d", len(p.snapshotReasons)),
	}, nil
}

func (p *fakeProvisioner) creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

func (p *fakeProvisioner) reasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.snapshotReasons...)
}

const testSandboxToken = "sandbox-secret"

// newTestActor builds an actor over a fresh store with seeded session and
// sandbox rows. The spawn cooldown is primed so background spawns from the
// queue stay inert unless a test resets lastSpawnAttempt.
func newTestActor(t *testing.T, mutate func(*Config)) (*Actor, *fakeProvisioner, *persistence.Store) {
	t.Helper()
	return newTestActorWith(t, mutate, nil)
}

// newTestActorWith additionally lets a test wire extra collaborators
// (hosting, tracker, blob store) into the actor's dependencies.
func newTestActorWith(t *testing.T, mutate func(*Config), wire func(*Deps)) (*Actor, *fakeProvisioner, *persistence.Store) {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateSession(persistence.Session{
		ID:            "sess-1",
		Title:         "test session",
		RepoOwner:     "acme",
		RepoName:      "web",
		DefaultBranch: "main",
		Model:         "default-model",
		Status:        persistence.SessionActive,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := store.CreateSandbox(persistence.Sandbox{ID: "sb-1"}); err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}

	sealer, err := auth.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	cfg := Config{
		SessionID:         "sess-1",
		HeartbeatInterval: time.Hour,
		InactivityTimeout: time.Hour,
		SpawnCooldown:     time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	fp := &fakeProvisioner{}
	deps := Deps{
		Store:       store,
		Provisioner: fp,
		Sealer:      sealer,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if wire != nil {
		wire(&deps)
	}
	a := New(cfg, deps)
	a.lastSpawnAttempt = time.Now()
	t.Cleanup(a.Close)
	return a, fp, store
}

// testSealer returns a sealer using the same key as newTestActor, so tests
// can seal fixture tokens the actor will be able to unseal.
func testSealer(t *testing.T) *auth.Sealer {
	t.Helper()
	sealer, err := auth.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return sealer
}

// connectSandbox records a spawn and attaches an authenticated sandbox
// socket, returning its fake connection.
func connectSandbox(t *testing.T, a *Actor, store *persistence.Store) *fakeConn {
	t.Helper()
	if err := store.RecordSandboxSpawn("sbx-1", "obj-1", testSandboxToken, persistence.SandboxConnecting); err != nil {
		t.Fatalf("record spawn: %v", err)
	}
	fc := &fakeConn{}
	if err := a.SandboxConnected("sock-sandbox", fc, testSandboxToken, "sbx-1"); err != nil {
		t.Fatalf("sandbox connect: %v", err)
	}
	return fc
}

// addParticipant creates a participant with a connection token, returning
// the participant id and plaintext token.
func addParticipant(t *testing.T, store *persistence.Store, userID string) (id, token string) {
	t.Helper()
	token, hash, err := auth.NewConnectionToken()
	if err != nil {
		t.Fatalf("new connection token: %v", err)
	}
	id = "participant-" + userID
	if err := store.UpsertParticipant(persistence.Participant{
		ID:            id,
		UserID:        userID,
		Role:          persistence.RoleOwner,
		ConnTokenHash: hash,
	}); err != nil {
		t.Fatalf("upsert participant: %v", err)
	}
	return id, token
}

// subscribeViewer attaches and authenticates a viewer socket.
func subscribeViewer(t *testing.T, a *Actor, socketID, token string) *fakeConn {
	t.Helper()
	fc := &fakeConn{}
	a.ViewerConnected(socketID, fc)
	frame := fmt.Sprintf(`{"type":"subscribe","data":{"token":%q,"clientId":"client-1"}}`, token)
	if err := a.HandleViewerFrame(socketID, fc, []byte(frame)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return fc
}

func messageStatus(t *testing.T, store *persistence.Store, id string) persistence.MessageStatus {
	t.Helper()
	m, err := store.GetMessage(id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m == nil {
		t.Fatalf("message %s not found", id)
	}
	return m.Status
}

func sandboxStatus(t *testing.T, store *persistence.Store) persistence.SandboxStatus {
	t.Helper()
	sb, err := store.GetSandbox()
	if err != nil {
		t.Fatalf("get sandbox: %v", err)
	}
	if sb == nil {
		t.Fatal("sandbox row missing")
	}
	return sb.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
