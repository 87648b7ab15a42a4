package session

import (
	"context"
	"time"

	"github.com/workspace/control-plane/internal/auth"
	"github.com/workspace/control-plane/internal/persistence"
	"github.com/workspace/control-plane/internal/provision"
)

// Snapshot reasons. heartbeat_timeout is special-cased: the sandbox is
// presumed gone, so the status lands on stale instead of reverting.
const (
	SnapshotReasonHeartbeatTimeout  = "heartbeat_timeout"
	SnapshotReasonExecutionComplete = "execution_complete"
	SnapshotReasonInactivity        = "inactivity"
	SnapshotReasonManual            = "manual"
)

// legalTransitions is the sandbox state machine's edge set. Terminal-ish
// states (stopped, stale, failed) are reachable from every non-terminal
// state and leave only via a fresh spawn.
var legalTransitions = map[persistence.SandboxStatus][]persistence.SandboxStatus{
	persistence.SandboxPending:      {persistence.SandboxSpawning, persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed},
	persistence.SandboxSpawning:     {persistence.SandboxConnecting, persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed},
	persistence.SandboxConnecting:   {persistence.SandboxReady, persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed},
	persistence.SandboxReady:        {persistence.SandboxRunning, persistence.SandboxSnapshotting, persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed},
	persistence.SandboxRunning:      {persistence.SandboxReady, persistence.SandboxSnapshotting, persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed},
	persistence.SandboxSnapshotting: {persistence.SandboxReady, persistence.SandboxRunning, persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed},
	persistence.SandboxStopped:      {persistence.SandboxSpawning},
	persistence.SandboxStale:        {persistence.SandboxSpawning},
	persistence.SandboxFailed:       {persistence.SandboxSpawning},
}

// TransitionLegal reports whether from -> to is an edge of the state
// machine. A same-state "transition" is always legal (and a no-op).
func TransitionLegal(from, to persistence.SandboxStatus) bool {
	if from == to {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func sandboxTerminal(s persistence.SandboxStatus) bool {
	switch s {
	case persistence.SandboxStopped, persistence.SandboxStale, persistence.SandboxFailed:
		return true
	}
	return false
}

// transitionLocked persists and broadcasts a status change. Illegal edges
// are logged and dropped rather than applied; the state machine is the
// correctness boundary, not the caller.
func (a *Actor) transitionLocked(from, to persistence.SandboxStatus) bool {
	if from == to {
		return true
	}
	if !TransitionLegal(from, to) {
		a.log.Error("illegal sandbox transition dropped", "from", from, "to", to)
		return false
	}
	if err := a.store.UpdateSandboxStatus(to); err != nil {
		a.log.Error("persist sandbox status failed", "to", to, "error", err)
		return false
	}
	a.log.Info("sandbox status", "from", from, "to", to)
	a.broadcast(MsgSandboxStatus, map[string]any{"status": to})
	return true
}

// Spawn provisions a sandbox for the session. The sandbox row's status is
// re-read before acting and again before applying the provisioning result:
// the lock is released for the HTTP leg and the world may move meanwhile.
// Blocked or duplicate spawns return nil quietly except when the circuit
// breaker refuses, which surfaces as *ErrSpawnBlocked.
func (a *Actor) Spawn() error {
	a.mu.Lock()
	sb, err := a.store.GetSandbox()
	if err != nil || sb == nil {
		a.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	blocked, expired := a.breaker.Evaluate(sb.SpawnFailures, parseTime(sb.LastSpawnFailureAt), now)
	if expired {
		if err := a.store.RecordSpawnFailure(0, ""); err != nil {
			a.log.Warn("reset spawn failures failed", "error", err)
		}
		sb.SpawnFailures = 0
	}
	if blocked {
		retryAfter := a.breaker.RetryAfter(parseTime(sb.LastSpawnFailureAt), now)
		a.broadcast(MsgSandboxError, map[string]any{
			"reason":     "spawn_blocked",
			"message":    "sandbox provisioning is cooling down after repeated failures",
			"retryAfter": retryAfter.Seconds(),
		})
		a.mu.Unlock()
		return &ErrSpawnBlocked{Failures: sb.SpawnFailures, RetryAfter: retryAfter}
	}

	switch sb.Status {
	case persistence.SandboxSpawning, persistence.SandboxConnecting:
		a.mu.Unlock()
		return nil
	case persistence.SandboxReady:
		if a.registry.Sandbox() != nil {
			a.mu.Unlock()
			return nil
		}
	}
	if now.Sub(a.lastSpawnAttempt) < a.cfg.SpawnCooldown &&
		sb.Status != persistence.SandboxFailed && sb.Status != persistence.SandboxStopped {
		a.mu.Unlock()
		return nil
	}

	sess, err := a.store.GetSession()
	if err != nil || sess == nil {
		a.mu.Unlock()
		return err
	}

	token, err := auth.NewSandboxToken()
	if err != nil {
		a.mu.Unlock()
		return err
	}

	restore := sb.SnapshotImageID != "" && sandboxTerminal(sb.Status)
	a.lastSpawnAttempt = now
	a.transitionLocked(sb.Status, persistence.SandboxSpawning)

	// Persist the per-spawn auth token before the provisioning call so a
	// fast-connecting sandbox can be authenticated even if the HTTP
	// response is delayed.
	if err := a.store.RecordSandboxSpawn("", "", token, persistence.SandboxSpawning); err != nil {
		a.mu.Unlock()
		return err
	}

	branch := sess.BranchName
	if branch == "" {
		branch = sess.DefaultBranch
	}
	req := provision.CreateRequest{
		SessionID:   a.cfg.SessionID,
		RepoOwner:   sess.RepoOwner,
		RepoName:    sess.RepoName,
		Branch:      branch,
		BaseSHA:     sess.BaseSHA,
		AuthToken:   token,
		CallbackURL: a.cfg.CallbackURL,
	}
	if restore {
		req.SnapshotImage = sb.SnapshotImageID
	}
	a.mu.Unlock()

	var resp *provision.CreateResponse
	if restore {
		resp, err = a.provisioner.RestoreSandbox(context.Background(), req)
	} else {
		resp, err = a.provisioner.CreateSandbox(context.Background(), req)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.recordSpawnFailureLocked(err)
		return err
	}

	if err := a.store.RecordSandboxSpawn(resp.SandboxID, resp.ObjectID, token, persistence.SandboxConnecting); err != nil {
		return err
	}
	a.log.Info("sandbox provisioned", "providerSandboxId", resp.SandboxID, "restored", restore)
	a.broadcast(MsgSandboxStatus, map[string]any{"status": persistence.SandboxConnecting})
	return nil
}

func (a *Actor) recordSpawnFailureLocked(cause error) {
	sb, err := a.store.GetSandbox()
	if err != nil || sb == nil {
		return
	}
	count := sb.SpawnFailures + 1
	at := persistence.FormatTime(time.Now())
	if err := a.store.RecordSpawnFailure(count, at); err != nil {
		a.log.Warn("record spawn failure failed", "error", err)
	}
	a.transitionLocked(sb.Status, persistence.SandboxFailed)
	a.log.Error("sandbox spawn failed", "failures", count, "error", cause)
	a.broadcast(MsgSandboxError, map[string]any{
		"reason":   "spawn_failed",
		"message":  cause.Error(),
		"failures": count,
	})
}

// TriggerSnapshot captures a filesystem image of the sandbox, best effort.
// Terminal statuses are sticky across the call; otherwise the status passes
// through snapshotting and back, except after a heartbeat timeout where the
// sandbox is presumed dead and lands on stale.
func (a *Actor) TriggerSnapshot(reason string) {
	a.mu.Lock()
	sb, err := a.store.GetSandbox()
	if err != nil || sb == nil || sb.Status == persistence.SandboxSnapshotting || sb.ProviderSandboxID == "" {
		a.mu.Unlock()
		return
	}

	prior := sb.Status
	sticky := sandboxTerminal(prior)
	if !sticky {
		a.transitionLocked(prior, persistence.SandboxSnapshotting)
	}
	providerID := sb.ProviderSandboxID
	a.mu.Unlock()

	resp, snapErr := a.provisioner.SnapshotSandbox(context.Background(), providerID, reason)

	a.mu.Lock()
	if snapErr != nil {
		a.log.Warn("snapshot failed", "reason", reason, "error", snapErr)
	} else if err := a.store.RecordSandboxSnapshot(resp.SnapshotID, resp.ImageID); err != nil {
		a.log.Warn("persist snapshot ids failed", "error", err)
	}

	if !sticky {
		if reason == SnapshotReasonHeartbeatTimeout {
			a.transitionLocked(persistence.SandboxSnapshotting, persistence.SandboxStale)
			a.alarm.Clear(deadlineInactivity)
			a.alarm.Clear(deadlineHeartbeat)
		} else {
			a.transitionLocked(persistence.SandboxSnapshotting, prior)
		}
	}
	a.mu.Unlock()

	if snapErr == nil {
		a.broadcast(MsgSnapshotSaved, map[string]any{
			"snapshotId": resp.SnapshotID,
			"reason":     reason,
		})
	}
}
