package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/control-plane/internal/auth"
	"github.com/workspace/control-plane/internal/persistence"
)

// RPCError is a client-facing structured error. The router relays Status as
// the HTTP status code and Message as the response body.
type RPCError struct {
	Status  int    `json:"status"`
	Message string `json:"error"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Status, e.Message)
}

func rpcBadRequest(format string, args ...any) *RPCError {
	return &RPCError{Status: 400, Message: fmt.Sprintf(format, args...)}
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Status: 500, Message: err.Error()}
}

// InitParams seeds a brand-new session.
type InitParams struct {
	Title         string `json:"title"`
	RoutingName   string `json:"routingName"`
	RepoOwner     string `json:"repoOwner"`
	RepoName      string `json:"repoName"`
	DefaultBranch string `json:"defaultBranch"`
	BaseSHA       string `json:"baseSha"`
	Model         string `json:"model"`

	OwnerUserID        string `json:"ownerUserId"`
	OwnerTrackerUserID string `json:"ownerTrackerUserId"`
	OwnerTrackerEmail  string `json:"ownerTrackerEmail"`
	AccessToken        string `json:"accessToken"`
	RefreshToken       string `json:"refreshToken"`
	TokenExpiresIn     int    `json:"tokenExpiresIn"`
}

// HandleRPC dispatches one internal RPC method. Unknown methods are 404s so
// the router can fall through to other handlers.
func (a *Actor) HandleRPC(ctx context.Context, method string, body json.RawMessage) (any, *RPCError) {
	switch method {
	case "init":
		return a.rpcInit(body)
	case "get-state":
		return a.rpcGetState()
	case "enqueue-prompt":
		return a.rpcEnqueuePrompt(body)
	case "stop":
		if err := a.StopCurrent(); err != nil {
			return nil, asRPCError(err)
		}
		return map[string]bool{"ok": true}, nil
	case "list-participants":
		return listResult(a.store.ListParticipants())
	case "list-messages":
		return listResult(a.store.ListMessages())
	case "list-artifacts":
		return listResult(a.store.ListArtifacts())
	case "list-events":
		var p struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(body, &p)
		return listResult(a.store.ListEvents(p.Limit))
	case "create-pr":
		return a.rpcCreatePR(ctx, body)
	case "generate-connection-token":
		return a.rpcGenerateConnectionToken(body)
	case "archive":
		return a.rpcSetArchived(body, true)
	case "unarchive":
		return a.rpcSetArchived(body, false)
	case "verify-sandbox-token":
		return a.rpcVerifySandboxToken(body)
	case "get-preview-url":
		return a.rpcGetPreviewURL()
	case "post-artifact":
		return a.rpcPostArtifact(ctx, body)
	case "ingest-sandbox-event":
		return a.rpcIngestSandboxEvent(body)
	case "element-at-point":
		return a.rpcElementAtPoint(ctx, body)
	case "link-task-to-issue":
		return a.rpcLinkTaskToIssue(ctx, body)
	case "link-session-to-issue":
		return a.rpcLinkSessionToIssue(body)
	case "spawn-sandbox":
		if err := a.Spawn(); err != nil {
			var blocked *ErrSpawnBlocked
			if errors.As(err, &blocked) {
				return nil, &RPCError{Status: 429, Message: blocked.Error()}
			}
			return nil, asRPCError(err)
		}
		return map[string]bool{"ok": true}, nil
	case "trigger-snapshot":
		go a.TriggerSnapshot(SnapshotReasonManual)
		return map[string]bool{"accepted": true}, nil
	default:
		return nil, &RPCError{Status: 404, Message: "unknown method: " + method}
	}
}

func listResult[T any](items []T, err error) (any, *RPCError) {
	if err != nil {
		return nil, asRPCError(err)
	}
	return map[string]any{"items": items}, nil
}

func (a *Actor) rpcInit(body json.RawMessage) (any, *RPCError) {
	var p InitParams
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed init body: %v", err)
	}
	if p.RepoOwner == "" || p.RepoName == "" {
		return nil, rpcBadRequest("init requires repoOwner and repoName")
	}
	if p.OwnerUserID == "" {
		return nil, rpcBadRequest("init requires ownerUserId")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.store.GetSession()
	if err != nil {
		return nil, asRPCError(err)
	}
	if existing != nil {
		return nil, &RPCError{Status: 409, Message: "session already initialized"}
	}

	sess := persistence.Session{
		ID:            a.cfg.SessionID,
		RoutingName:   p.RoutingName,
		Title:         p.Title,
		RepoOwner:     p.RepoOwner,
		RepoName:      p.RepoName,
		DefaultBranch: p.DefaultBranch,
		BaseSHA:       p.BaseSHA,
		CurrentSHA:    p.BaseSHA,
		Model:         p.Model,
		Status:        persistence.SessionActive,
	}
	if err := a.store.CreateSession(sess); err != nil {
		return nil, asRPCError(err)
	}
	if err := a.store.CreateSandbox(persistence.Sandbox{
		ID:     uuid.NewString(),
		Status: persistence.SandboxPending,
	}); err != nil {
		return nil, asRPCError(err)
	}

	participant := persistence.Participant{
		ID:            uuid.NewString(),
		UserID:        p.OwnerUserID,
		TrackerUserID: p.OwnerTrackerUserID,
		TrackerEmail:  p.OwnerTrackerEmail,
		Role:          persistence.RoleOwner,
	}
	if p.AccessToken != "" {
		sealed, err := a.sealer.Seal(p.AccessToken)
		if err != nil {
			return nil, asRPCError(err)
		}
		participant.AccessTokenSealed = sealed
	}
	if p.RefreshToken != "" {
		sealed, err := a.sealer.Seal(p.RefreshToken)
		if err != nil {
			return nil, asRPCError(err)
		}
		participant.RefreshTokenSealed = sealed
	}
	if p.TokenExpiresIn > 0 {
		participant.TokenExpiresAt = persistence.FormatTime(
			time.Now().Add(time.Duration(p.TokenExpiresIn) * time.Second))
	}

	connToken, connHash, err := auth.NewConnectionToken()
	if err != nil {
		return nil, asRPCError(err)
	}
	participant.ConnTokenHash = connHash

	if err := a.store.UpsertParticipant(participant); err != nil {
		return nil, asRPCError(err)
	}

	a.log.Info("session initialized", "repo", p.RepoOwner+"/"+p.RepoName, "owner", p.OwnerUserID)
	return map[string]any{
		"session":         sess,
		"participantId":   participant.ID,
		"connectionToken": connToken, // returned exactly once, only the hash is stored
	}, nil
}

func (a *Actor) rpcGetState() (any, *RPCError) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.store.GetSession()
	if err != nil {
		return nil, asRPCError(err)
	}
	if sess == nil {
		return nil, &RPCError{Status: 404, Message: "session not initialized"}
	}
	sb, err := a.store.GetSandbox()
	if err != nil {
		return nil, asRPCError(err)
	}

	state := map[string]any{
		"session":      sess,
		"sandbox":      sb,
		"viewerCount":  a.registry.ViewerCount(),
		"participants": presenceSnapshot(a.registry),
	}
	if processing, err := a.store.ProcessingMessage(); err == nil && processing != nil {
		state["processingMessageId"] = processing.ID
	}
	return state, nil
}

func (a *Actor) rpcEnqueuePrompt(body json.RawMessage) (any, *RPCError) {
	var p struct {
		PromptData
		ParticipantID string `json:"participantId"`
		UserID        string `json:"userId"`
		Source        string `json:"source"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed prompt body: %v", err)
	}
	if p.Content == "" {
		return nil, rpcBadRequest("prompt requires content")
	}

	participant, rpcErr := a.resolveParticipant(p.ParticipantID, p.UserID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	source := p.Source
	if source == "" {
		source = "api"
	}
	id, err := a.Enqueue(p.PromptData, participant.ID, source)
	if err != nil {
		return nil, asRPCError(err)
	}
	return map[string]string{"messageId": id}, nil
}

func (a *Actor) rpcCreatePR(ctx context.Context, body json.RawMessage) (any, *RPCError) {
	var p struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Base  string `json:"base"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed create-pr body: %v", err)
	}
	if p.Title == "" {
		return nil, rpcBadRequest("create-pr requires title")
	}

	pr, err := a.CreatePR(ctx, p.Title, p.Body, p.Base)
	if err != nil {
		return nil, asRPCError(err)
	}
	return map[string]any{"pullRequest": pr}, nil
}

func (a *Actor) rpcGenerateConnectionToken(body json.RawMessage) (any, *RPCError) {
	var p struct {
		ParticipantID string `json:"participantId"`
		UserID        string `json:"userId"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed body: %v", err)
	}

	participant, rpcErr := a.resolveParticipant(p.ParticipantID, p.UserID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	token, hash, err := auth.NewConnectionToken()
	if err != nil {
		return nil, asRPCError(err)
	}
	if err := a.store.SetConnTokenHash(participant.ID, hash); err != nil {
		return nil, asRPCError(err)
	}
	return map[string]string{
		"participantId":   participant.ID,
		"connectionToken": token,
	}, nil
}

func (a *Actor) rpcSetArchived(body json.RawMessage, archived bool) (any, *RPCError) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed body: %v", err)
	}

	participant, err := a.store.GetParticipantByUserID(p.UserID)
	if err != nil {
		return nil, asRPCError(err)
	}
	if participant == nil {
		return nil, &RPCError{Status: 403, Message: "only participants may archive or unarchive"}
	}

	status := persistence.SessionActive
	if archived {
		status = persistence.SessionArchived
	}
	if err := a.store.UpdateSessionStatus(status); err != nil {
		return nil, asRPCError(err)
	}
	a.broadcast(MsgSessionStatus, map[string]any{"status": status})
	return map[string]any{"status": status}, nil
}

func (a *Actor) rpcVerifySandboxToken(body json.RawMessage) (any, *RPCError) {
	var p struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed body: %v", err)
	}
	valid, err := a.VerifySandboxToken(p.Token)
	if err != nil {
		return nil, asRPCError(err)
	}
	return map[string]bool{"valid": valid}, nil
}

func (a *Actor) rpcGetPreviewURL() (any, *RPCError) {
	sb, err := a.store.GetSandbox()
	if err != nil {
		return nil, asRPCError(err)
	}
	if sb == nil || sb.PreviewURL == "" {
		return nil, &RPCError{Status: 404, Message: "no preview available"}
	}
	return map[string]any{
		"previewUrl": sb.PreviewURL,
		"portUrls":   sb.PortURLs,
	}, nil
}

func (a *Actor) rpcPostArtifact(ctx context.Context, body json.RawMessage) (any, *RPCError) {
	var p struct {
		Type        persistence.ArtifactType `json:"type"`
		URL         string                   `json:"url"`
		Metadata    json.RawMessage          `json:"metadata"`
		Data        string                   `json:"data"` // base64, screenshots only
		ContentType string                   `json:"contentType"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed artifact body: %v", err)
	}
	switch p.Type {
	case persistence.ArtifactPR, persistence.ArtifactPreview, persistence.ArtifactBranch, persistence.ArtifactScreenshot:
	default:
		return nil, rpcBadRequest("unknown artifact type %q", p.Type)
	}

	artifact := persistence.Artifact{
		ID:       uuid.NewString(),
		Type:     p.Type,
		URL:      p.URL,
		Metadata: string(p.Metadata),
	}

	if p.Type == persistence.ArtifactScreenshot && p.Data != "" {
		if a.blobs == nil {
			return nil, &RPCError{Status: 500, Message: "screenshot storage not configured"}
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, rpcBadRequest("screenshot data is not valid base64")
		}
		key := fmt.Sprintf("screenshots/%s/%s", a.cfg.SessionID, artifact.ID)
		if err := a.blobs.Put(ctx, key, p.ContentType, data); err != nil {
			return nil, &RPCError{Status: 502, Message: "store screenshot: " + err.Error()}
		}
		artifact.URL = key
	}

	if err := a.store.InsertArtifact(artifact); err != nil {
		return nil, asRPCError(err)
	}
	a.broadcast(MsgArtifactCreated, map[string]any{"artifact": artifact})
	return map[string]any{"artifact": artifact}, nil
}

func (a *Actor) rpcIngestSandboxEvent(body json.RawMessage) (any, *RPCError) {
	var p struct {
		Token string       `json:"token"`
		Event SandboxEvent `json:"event"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed event body: %v", err)
	}

	valid, err := a.VerifySandboxToken(p.Token)
	if err != nil {
		return nil, asRPCError(err)
	}
	if !valid {
		return nil, &RPCError{Status: 401, Message: "invalid sandbox token"}
	}
	if p.Event.Type == "" {
		return nil, rpcBadRequest("event requires type")
	}

	e, err := a.IngestEvent(p.Event)
	if err != nil {
		return nil, asRPCError(err)
	}
	return map[string]any{"event": e}, nil
}

func (a *Actor) rpcElementAtPoint(ctx context.Context, body json.RawMessage) (any, *RPCError) {
	var p struct {
		X              int `json:"x"`
		Y              int `json:"y"`
		ViewportWidth  int `json:"viewportWidth"`
		ViewportHeight int `json:"viewportHeight"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed body: %v", err)
	}

	element, err := a.ElementAtPoint(ctx, p.X, p.Y, p.ViewportWidth, p.ViewportHeight)
	if err != nil {
		return nil, &RPCError{Status: 502, Message: "element lookup: " + err.Error()}
	}
	return map[string]any{"element": element}, nil
}

func (a *Actor) rpcLinkTaskToIssue(ctx context.Context, body json.RawMessage) (any, *RPCError) {
	var p struct {
		MessageID   string `json:"messageId"`
		EventID     string `json:"eventId"`
		TaskIndex   int    `json:"taskIndex"`
		IssueID     string `json:"issueId"`
		TeamID      string `json:"teamId"`
		Title       string `json:"title"`
		Description string `json:"description"`
		UserID      string `json:"userId"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed body: %v", err)
	}
	if p.MessageID == "" {
		return nil, rpcBadRequest("link-task-to-issue requires messageId")
	}

	issueID := p.IssueID
	if issueID == "" {
		// No existing issue: create one in the given team on behalf of
		// the requesting participant.
		if p.TeamID == "" || p.Title == "" {
			return nil, rpcBadRequest("creating an issue requires teamId and title")
		}
		participant, rpcErr := a.resolveParticipant("", p.UserID)
		if rpcErr != nil {
			return nil, rpcErr
		}
		accessToken, err := a.sealer.Unseal(participant.AccessTokenSealed)
		if err != nil {
			return nil, asRPCError(err)
		}
		issue, err := a.tracker.CreateIssue(ctx, accessToken, p.TeamID, p.Title, p.Description)
		if err != nil {
			return nil, &RPCError{Status: 502, Message: "create issue: " + err.Error()}
		}
		issueID = issue.ID
	}

	link := persistence.TaskIssueLink{
		ID:        uuid.NewString(),
		MessageID: p.MessageID,
		EventID:   p.EventID,
		TaskIndex: p.TaskIndex,
		IssueID:   issueID,
	}
	if err := a.store.InsertTaskIssueLink(link); err != nil {
		return nil, asRPCError(err)
	}
	return map[string]any{"link": link}, nil
}

func (a *Actor) rpcLinkSessionToIssue(body json.RawMessage) (any, *RPCError) {
	var p struct {
		IssueID string `json:"issueId"`
		TeamID  string `json:"teamId"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, rpcBadRequest("malformed body: %v", err)
	}
	if p.IssueID == "" {
		return nil, rpcBadRequest("link-session-to-issue requires issueId")
	}

	if err := a.store.LinkSessionIssue(p.IssueID, p.TeamID); err != nil {
		return nil, asRPCError(err)
	}
	a.broadcast(MsgSessionStatePatch, map[string]any{
		"issueId": p.IssueID,
		"teamId":  p.TeamID,
	})
	return map[string]bool{"ok": true}, nil
}

func (a *Actor) resolveParticipant(participantID, userID string) (*persistence.Participant, *RPCError) {
	var p *persistence.Participant
	var err error
	switch {
	case participantID != "":
		p, err = a.store.GetParticipant(participantID)
	case userID != "":
		p, err = a.store.GetParticipantByUserID(userID)
	default:
		return nil, rpcBadRequest("participantId or userId is required")
	}
	if err != nil {
		return nil, asRPCError(err)
	}
	if p == nil {
		return nil, &RPCError{Status: 404, Message: "participant not found"}
	}
	return p, nil
}
