package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/control-plane/internal/notify"
	"github.com/workspace/control-plane/internal/persistence"
)

// IngestEvent is the event pipeline: assign identity, resolve the owning
// message, persist, broadcast, then run type-specific side effects. Side
// effects that leave the serialized path (snapshot, completion notify) are
// fire-and-forget; their failures are logged, never propagated.
func (a *Actor) IngestEvent(ev SandboxEvent) (persistence.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ingestEventLocked(ev)
}

func (a *Actor) ingestEventLocked(ev SandboxEvent) (persistence.Event, error) {
	// Prefer the id carried on the event itself over the currently
	// processing message: an event from a stale execution must not be
	// attributed to whatever happens to run now.
	messageID := ev.MessageID
	if messageID == "" {
		if processing, err := a.store.ProcessingMessage(); err == nil && processing != nil {
			messageID = processing.ID
		}
	}

	e := persistence.Event{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		Payload:   string(ev.Data),
		MessageID: messageID,
		CreatedAt: persistence.FormatTime(time.Now()),
	}
	if err := a.store.InsertEvent(e); err != nil {
		return persistence.Event{}, err
	}
	a.broadcast(MsgSandboxEvent, map[string]any{"event": e})

	switch ev.Type {
	case EvtHeartbeat:
		a.handleHeartbeatLocked(ev.Data)
	case EvtGitSync:
		a.handleGitSyncLocked(ev.Data)
	case EvtExecutionComplete:
		a.handleExecutionCompleteLocked(e)
	case EvtPushComplete:
		var d PushResultData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			a.pendingPush.Resolve(normalizeBranch(d.BranchName), d)
		}
	case EvtPushError:
		var d PushResultData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			a.pendingPush.Reject(normalizeBranch(d.BranchName), errors.New(pushErrText(d.Error)))
		}
	case EvtElementResponse:
		var d ElementResultData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			a.pendingElement.Resolve(d.RequestID, d.Element)
		}
	case EvtElementError:
		var d ElementResultData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			a.pendingElement.Reject(d.RequestID, errors.New(pushErrText(d.Error)))
		}
	default:
		// Unknown types are persisted and broadcast, nothing more.
		a.touchActivityLocked()
	}
	return e, nil
}

func (a *Actor) handleHeartbeatLocked(data json.RawMessage) {
	if err := a.store.TouchSandboxHeartbeat(); err != nil {
		a.log.Warn("touch heartbeat failed", "error", err)
	}
	var d HeartbeatData
	if err := json.Unmarshal(data, &d); err == nil && (d.PreviewURL != "" || len(d.PortURLs) > 0) {
		if err := a.store.UpdateSandboxPreview(d.PreviewURL, d.PortURLs); err != nil {
			a.log.Warn("update preview urls failed", "error", err)
		}
	}
	a.armTimersLocked()
}

func (a *Actor) handleGitSyncLocked(data json.RawMessage) {
	var d GitSyncData
	if err := json.Unmarshal(data, &d); err != nil {
		a.log.Warn("malformed git_sync payload", "error", err)
		return
	}
	if err := a.store.UpdateSandboxGitSync(d.Status); err != nil {
		a.log.Warn("update git sync failed", "error", err)
	}
	if d.CommitSHA != "" {
		if err := a.store.UpdateSessionCurrentSHA(d.CommitSHA); err != nil {
			a.log.Warn("update current sha failed", "error", err)
		}
	}
	if d.PreviewURL != "" || len(d.PortURLs) > 0 {
		if err := a.store.UpdateSandboxPreview(d.PreviewURL, d.PortURLs); err != nil {
			a.log.Warn("update preview urls failed", "error", err)
		}
	}
	a.touchActivityLocked()
}

func (a *Actor) handleExecutionCompleteLocked(e persistence.Event) {
	var d ExecutionCompleteData
	if err := json.Unmarshal([]byte(e.Payload), &d); err != nil {
		a.log.Warn("malformed execution_complete payload", "error", err)
	}

	if e.MessageID != "" {
		if err := a.store.MarkMessageDone(e.MessageID, d.Success, d.Error); err != nil {
			a.log.Error("mark message done failed", "messageId", e.MessageID, "error", err)
		}
		status := persistence.MessageCompleted
		if !d.Success {
			status = persistence.MessageFailed
		}
		a.log.Info("execution complete", "messageId", e.MessageID, "success", d.Success)
		a.broadcast(MsgProcessingStatus, map[string]any{
			"messageId": e.MessageID,
			"status":    status,
			"error":     d.Error,
		})

		if msg, err := a.store.GetMessage(e.MessageID); err == nil && msg != nil {
			completion := notify.Completion{
				SessionID:       a.cfg.SessionID,
				MessageID:       msg.ID,
				Success:         d.Success,
				Error:           d.Error,
				CallbackContext: msg.CallbackContext,
				CompletedAt:     msg.CompletedAt,
			}
			go a.notifier.Send(context.Background(), completion)
		}
	}

	if sb, err := a.store.GetSandbox(); err == nil && sb != nil && sb.Status == persistence.SandboxRunning {
		a.transitionLocked(persistence.SandboxRunning, persistence.SandboxReady)
	}
	go a.TriggerSnapshot(SnapshotReasonExecutionComplete)

	a.touchActivityLocked()
	a.processNextLocked()
}

// normalizeBranch is the pending-push key: branch names compared
// case-insensitively and without surrounding whitespace, since the sandbox
// may echo a differently cased name than the one the push requested.
func normalizeBranch(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func pushErrText(s string) string {
	if s == "" {
		return "sandbox reported failure"
	}
	return s
}
