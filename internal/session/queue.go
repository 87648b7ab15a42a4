package session

import (
	"github.com/google/uuid"

	"github.com/workspace/control-plane/internal/persistence"
)

// Enqueue appends a prompt to the queue and tries to advance it.
func (a *Actor) Enqueue(p PromptData, authorID, source string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enqueueLocked(p, authorID, source)
}

func (a *Actor) enqueueLocked(p PromptData, authorID, source string) (string, error) {
	m := persistence.Message{
		ID:              uuid.NewString(),
		AuthorID:        authorID,
		Content:         p.Content,
		Source:          source,
		ModelOverride:   p.Model,
		Attachments:     string(p.Attachments),
		CallbackContext: p.CallbackContext,
		Status:          persistence.MessagePending,
	}
	if err := a.store.InsertMessage(m); err != nil {
		return "", err
	}
	a.log.Info("prompt enqueued", "messageId", m.ID, "author", authorID, "source", source)
	a.broadcast(MsgPromptQueued, map[string]any{"message": m})
	a.touchActivityLocked()
	a.processNextLocked()
	return m.ID, nil
}

// ProcessNext advances the prompt queue if nothing is executing.
func (a *Actor) ProcessNext() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processNextLocked()
}

// processNextLocked is idempotent: it no-ops when a message is already
// processing or the queue is empty. A message is marked processing only
// after the prompt command was actually delivered to the sandbox socket; a
// failed delivery leaves it pending for the next attempt.
func (a *Actor) processNextLocked() {
	processing, err := a.store.ProcessingMessage()
	if err != nil {
		a.log.Error("read processing message failed", "error", err)
		return
	}
	if processing != nil {
		return
	}

	next, err := a.store.OldestPendingMessage()
	if err != nil {
		a.log.Error("read pending message failed", "error", err)
		return
	}
	if next == nil {
		return
	}

	sc := a.registry.Sandbox()
	if sc == nil {
		// Nothing is marked processing until a sandbox socket exists.
		go func() {
			if err := a.Spawn(); err != nil {
				a.log.Warn("spawn for queued prompt failed", "error", err)
			}
		}()
		return
	}

	model := next.ModelOverride
	if model == "" {
		if sess, err := a.store.GetSession(); err == nil && sess != nil {
			model = sess.Model
		}
	}

	cmd := SandboxCommand{
		Type: CmdPrompt,
		Data: PromptCommandData{
			MessageID:   next.ID,
			Content:     next.Content,
			Model:       model,
			Attachments: rawOrNil(next.Attachments),
		},
	}
	if err := sc.Send(cmd); err != nil {
		a.log.Warn("prompt delivery failed, message stays pending", "messageId", next.ID, "error", err)
		return
	}

	if err := a.store.MarkMessageProcessing(next.ID); err != nil {
		a.log.Error("mark message processing failed", "messageId", next.ID, "error", err)
		return
	}
	a.log.Info("prompt delivered", "messageId", next.ID)

	if sb, err := a.store.GetSandbox(); err == nil && sb != nil && sb.Status == persistence.SandboxReady {
		a.transitionLocked(persistence.SandboxReady, persistence.SandboxRunning)
	}
	a.broadcast(MsgProcessingStatus, map[string]any{
		"messageId": next.ID,
		"status":    persistence.MessageProcessing,
	})
	a.touchActivityLocked()
}

// StopCurrent forwards a stop command to the sandbox for the message that
// is currently processing, if any. The message stays processing until the
// agent acknowledges with an execution_complete event.
func (a *Actor) StopCurrent() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	processing, err := a.store.ProcessingMessage()
	if err != nil {
		return err
	}
	if processing == nil {
		return nil
	}
	sc := a.registry.Sandbox()
	if sc == nil {
		return nil
	}
	a.log.Info("stop requested", "messageId", processing.ID)
	return sc.Send(SandboxCommand{
		Type: CmdStop,
		Data: map[string]string{"messageId": processing.ID},
	})
}

func rawOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
