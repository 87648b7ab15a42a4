// Package session implements the per-session actor: the single stateful
// coordinator that owns one session's sandbox lifecycle, prompt queue, event
// pipeline, socket connections, and timer. All state mutations go through
// the actor's mutex, giving the serialized processing model the design
// depends on; everything durable lives in the persistence layer so the actor
// can be evicted between messages and rehydrated on demand.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/control-plane/internal/auth"
	"github.com/workspace/control-plane/internal/hosting"
	"github.com/workspace/control-plane/internal/notify"
	"github.com/workspace/control-plane/internal/pending"
	"github.com/workspace/control-plane/internal/persistence"
	"github.com/workspace/control-plane/internal/provision"
	"github.com/workspace/control-plane/internal/tracker"
)

// Provisioner is the sandbox provisioning surface the actor depends on.
// *provision.Client satisfies it; tests substitute fakes.
type Provisioner interface {
	CreateSandbox(ctx context.Context, req provision.CreateRequest) (*provision.CreateResponse, error)
	SnapshotSandbox(ctx context.Context, providerSandboxID, reason string) (*provision.SnapshotResponse, error)
	RestoreSandbox(ctx context.Context, req provision.CreateRequest) (*provision.CreateResponse, error)
}

// Hosting is the code-hosting surface used by the PR workflow.
type Hosting interface {
	CurrentUser(ctx context.Context, accessToken string) (*hosting.User, error)
	RefreshToken(ctx context.Context, refreshToken string) (*hosting.TokenPair, error)
	InstallationToken(ctx context.Context, owner, repo string) (string, error)
	GetRepository(ctx context.Context, accessToken, owner, repo string) (*hosting.Repository, error)
	FindOpenPR(ctx context.Context, accessToken, owner, repo, head string) (*hosting.PullRequest, error)
	CreatePR(ctx context.Context, accessToken, owner, repo, title, body, head, base string) (*hosting.PullRequest, error)
	UpdatePR(ctx context.Context, accessToken, owner, repo string, number int, title, body string) (*hosting.PullRequest, error)
}

// Tracker is the issue-tracker surface used for task and session linking.
type Tracker interface {
	GetIssue(ctx context.Context, accessToken, issueID string) (*tracker.Issue, error)
	CreateIssue(ctx context.Context, accessToken, teamID, title, description string) (*tracker.Issue, error)
	UpdateIssue(ctx context.Context, accessToken, issueID, title, description string) error
	ListTeams(ctx context.Context, accessToken string) ([]tracker.Team, error)
}

// BlobStore stores screenshot artifact bytes.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config carries the per-actor tuning knobs. Zero values get defaults.
type Config struct {
	SessionID   string
	CallbackURL string // base URL the sandbox uses to reach this actor

	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	ViewerExtension   time.Duration
	SpawnCooldown     time.Duration
	BreakerThreshold  int
	BreakerWindow     time.Duration
	SubscribeTimeout  time.Duration
	PushTimeout       time.Duration
	ElementTimeout    time.Duration
	TokenExpiryBuffer time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 10 * time.Minute
	}
	if c.ViewerExtension <= 0 {
		c.ViewerExtension = 5 * time.Minute
	}
	if c.SpawnCooldown <= 0 {
		c.SpawnCooldown = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 5 * time.Minute
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 30 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 180 * time.Second
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 15 * time.Second
	}
	if c.TokenExpiryBuffer <= 0 {
		c.TokenExpiryBuffer = 60 * time.Second
	}
}

// Deps bundles the external collaborators an actor needs.
type Deps struct {
	Store       *persistence.Store
	Provisioner Provisioner
	Hosting     Hosting
	Tracker     Tracker
	Blobs       BlobStore
	Notifier    *notify.Notifier
	Sealer      *auth.Sealer
	Logger      *slog.Logger
}

// Actor coordinates one session. Inbound work (socket frames, timer fires,
// RPC calls) is serialized through mu; slow network calls (spawn, snapshot)
// release the lock for their HTTP leg and re-read durable state before
// applying results, since the world may have moved while they were out.
type Actor struct {
	mu sync.Mutex

	cfg      Config
	store    *persistence.Store
	registry *Registry
	alarm    *Alarm
	breaker  Breaker

	provisioner Provisioner
	hosting     Hosting
	tracker     Tracker
	blobs       BlobStore
	notifier    *notify.Notifier
	sealer      *auth.Sealer
	log         *slog.Logger

	pendingPush    *pending.Map[PushResultData]
	pendingElement *pending.Map[json.RawMessage]

	pendingSubscribe map[string]*subscribeWindow

	lastSpawnAttempt   time.Time
	inactivityExtended bool
}

// New creates an actor for one session and rehydrates timer state from the
// persisted sandbox row. In-memory registries start empty; viewer sockets
// surviving an eviction are re-resolved lazily through the socket-mapping
// table when their next frame arrives.
func New(cfg Config, deps Deps) *Actor {
	cfg.applyDefaults()

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &Actor{
		cfg:            cfg,
		store:          deps.Store,
		registry:       NewRegistry(),
		breaker:        Breaker{Threshold: cfg.BreakerThreshold, Window: cfg.BreakerWindow},
		provisioner:    deps.Provisioner,
		hosting:        deps.Hosting,
		tracker:        deps.Tracker,
		blobs:          deps.Blobs,
		notifier:       deps.Notifier,
		sealer:         deps.Sealer,
		log:            log.With("session", cfg.SessionID),
		pendingPush:    pending.NewMap[PushResultData](),
		pendingElement: pending.NewMap[json.RawMessage](),
	}
	a.alarm = NewAlarm(a.onAlarm)

	a.mu.Lock()
	a.armTimersLocked()
	a.mu.Unlock()
	return a
}

// Close releases the actor's timer. Called on eviction; sockets are closed
// by their own read loops and durable state needs no teardown.
func (a *Actor) Close() {
	a.alarm.Stop()
}

// Registry exposes the connection registry (read-only use by the router).
func (a *Actor) Registry() *Registry {
	return a.registry
}

// SessionID returns the actor's session id.
func (a *Actor) SessionID() string {
	return a.cfg.SessionID
}

// broadcast sends a typed frame with a flat payload to every viewer.
func (a *Actor) broadcast(msgType MessageType, fields map[string]any) {
	msg := make(map[string]any, len(fields)+1)
	msg["type"] = msgType
	for k, v := range fields {
		msg[k] = v
	}
	a.registry.Broadcast(msg)
}

// touchActivityLocked records activity and pushes the inactivity deadline
// out. Any human or agent activity also clears the one-shot viewer
// extension so the next idle period gets a fresh one.
func (a *Actor) touchActivityLocked() {
	if err := a.store.TouchSandboxActivity(); err != nil {
		a.log.Warn("touch activity failed", "error", err)
	}
	a.inactivityExtended = false
	a.armTimersLocked()
}

// armTimersLocked recomputes both logical deadlines from the persisted
// sandbox row and re-arms the single alarm. Called on every state change
// that affects when the actor next needs to wake.
func (a *Actor) armTimersLocked() {
	sb, err := a.store.GetSandbox()
	if err != nil {
		a.log.Warn("arm timers: read sandbox failed", "error", err)
		return
	}
	if sb == nil || !sandboxAlive(sb.Status) {
		a.alarm.Clear(deadlineInactivity)
		a.alarm.Clear(deadlineHeartbeat)
		return
	}

	lastActivity := parseTime(sb.LastActivityAt)
	if lastActivity.IsZero() {
		lastActivity = time.Now().UTC()
	}
	inactivityAt := lastActivity.Add(a.cfg.InactivityTimeout)
	if a.inactivityExtended {
		inactivityAt = inactivityAt.Add(a.cfg.ViewerExtension)
	}
	a.alarm.Set(deadlineInactivity, inactivityAt)

	lastHeartbeat := parseTime(sb.LastHeartbeatAt)
	if lastHeartbeat.IsZero() {
		lastHeartbeat = time.Now().UTC()
	}
	a.alarm.Set(deadlineHeartbeat, lastHeartbeat.Add(3*a.cfg.HeartbeatInterval))
}

// onAlarm is the single wake-up handler. Both monitoring concerns re-read
// durable state before acting: the alarm may fire late, or after an
// eviction/resume cycle invalidated whatever scheduled it.
func (a *Actor) onAlarm(due []string) {
	for _, name := range due {
		switch name {
		case deadlineHeartbeat:
			a.checkHeartbeat()
		case deadlineInactivity:
			a.checkInactivity()
		}
	}
}

func (a *Actor) checkHeartbeat() {
	a.mu.Lock()
	sb, err := a.store.GetSandbox()
	if err != nil || sb == nil || !sandboxAlive(sb.Status) {
		a.mu.Unlock()
		return
	}

	staleAfter := 3 * a.cfg.HeartbeatInterval
	age := time.Since(parseTime(sb.LastHeartbeatAt))
	if age < staleAfter {
		// Heartbeat arrived after this alarm was armed; just re-arm.
		a.armTimersLocked()
		a.mu.Unlock()
		return
	}

	a.log.Warn("sandbox heartbeat stale", "age", age.Round(time.Second))
	a.mu.Unlock()

	go a.TriggerSnapshot(SnapshotReasonHeartbeatTimeout)
}

func (a *Actor) checkInactivity() {
	a.mu.Lock()
	sb, err := a.store.GetSandbox()
	if err != nil || sb == nil || !sandboxAlive(sb.Status) {
		a.mu.Unlock()
		return
	}

	idle := time.Since(parseTime(sb.LastActivityAt))
	timeout := a.cfg.InactivityTimeout
	if a.inactivityExtended {
		timeout += a.cfg.ViewerExtension
	}
	if idle < timeout {
		a.armTimersLocked()
		a.mu.Unlock()
		return
	}

	if a.registry.ViewerCount() > 0 && !a.inactivityExtended {
		// Viewers are still watching: extend once and warn instead of
		// stopping under them.
		a.inactivityExtended = true
		a.armTimersLocked()
		a.mu.Unlock()
		a.broadcast(MsgSandboxWarning, map[string]any{
			"reason":    "inactivity",
			"message":   "sandbox idle, stopping soon",
			"extendsBy": a.cfg.ViewerExtension.Seconds(),
		})
		return
	}
	a.mu.Unlock()

	a.shutdownIdle()
}

// shutdownIdle stops an idle sandbox: status stopped (blocking reconnects),
// snapshot, shutdown command, socket close.
func (a *Actor) shutdownIdle() {
	a.mu.Lock()
	sb, err := a.store.GetSandbox()
	if err != nil || sb == nil || !sandboxAlive(sb.Status) {
		a.mu.Unlock()
		return
	}
	a.log.Info("stopping idle sandbox", "status", sb.Status)
	a.transitionLocked(sb.Status, persistence.SandboxStopped)
	a.alarm.Clear(deadlineInactivity)
	a.alarm.Clear(deadlineHeartbeat)
	a.mu.Unlock()

	go a.TriggerSnapshot(SnapshotReasonInactivity)

	if sc := a.registry.Sandbox(); sc != nil {
		_ = sc.Send(SandboxCommand{Type: CmdShutdown})
		_ = sc.Close()
		a.registry.ClearSandbox(sc.SocketID)
	}
}

// sandboxAlive reports whether the status is one where heartbeat and
// inactivity monitoring apply.
func sandboxAlive(s persistence.SandboxStatus) bool {
	switch s {
	case persistence.SandboxConnecting, persistence.SandboxReady,
		persistence.SandboxRunning, persistence.SandboxSnapshotting:
		return true
	}
	return false
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
