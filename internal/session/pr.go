package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/control-plane/internal/hosting"
	"github.com/workspace/control-plane/internal/persistence"
)

// PushBranch asks the sandbox to push a branch and waits for the matching
// push_complete/push_error event. When no sandbox socket is connected the
// push is assumed to have happened out of band and reports success. The
// correlation key is the normalized branch name; the resolver is registered
// before the command is sent so the response can never arrive unmatched.
func (a *Actor) PushBranch(ctx context.Context, branch, owner, repo, token string) (PushResultData, error) {
	sc := a.registry.Sandbox()
	if sc == nil {
		a.log.Info("push skipped: no sandbox socket", "branch", branch)
		return PushResultData{BranchName: branch}, nil
	}

	ticket, err := a.pendingPush.Register(normalizeBranch(branch))
	if err != nil {
		return PushResultData{}, err
	}

	cmd := SandboxCommand{
		Type: CmdPush,
		Data: PushCommandData{Branch: branch, Owner: owner, Repo: repo, Token: token},
	}
	if err := sc.Send(cmd); err != nil {
		// Consume the ticket so the key is released immediately.
		a.pendingPush.Reject(normalizeBranch(branch), err)
		_, _ = ticket.Wait(ctx, time.Second)
		return PushResultData{}, fmt.Errorf("send push command: %w", err)
	}

	return ticket.Wait(ctx, a.cfg.PushTimeout)
}

// ElementAtPoint asks the sandbox's preview browser what element sits under
// a viewport coordinate, correlated by a generated request id.
func (a *Actor) ElementAtPoint(ctx context.Context, x, y, viewportWidth, viewportHeight int) (json.RawMessage, error) {
	sc := a.registry.Sandbox()
	if sc == nil {
		return nil, fmt.Errorf("no sandbox connected")
	}

	if viewportWidth <= 0 {
		viewportWidth = 1280
	}
	if viewportHeight <= 0 {
		viewportHeight = 720
	}

	requestID := uuid.NewString()
	ticket, err := a.pendingElement.Register(requestID)
	if err != nil {
		return nil, err
	}

	cmd := SandboxCommand{
		Type: CmdGetElementAtPoint,
		Data: ElementCommandData{
			RequestID:      requestID,
			X:              x,
			Y:              y,
			ViewportWidth:  viewportWidth,
			ViewportHeight: viewportHeight,
		},
	}
	if err := sc.Send(cmd); err != nil {
		a.pendingElement.Reject(requestID, err)
		_, _ = ticket.Wait(ctx, time.Second)
		return nil, fmt.Errorf("send element lookup: %w", err)
	}

	return ticket.Wait(ctx, a.cfg.ElementTimeout)
}

// CreatePR pushes the session's working branch and opens (or updates) a
// pull request attributed to the author of the currently processing
// message. The git push uses a short-lived app installation token; the PR
// itself is created with the prompting user's own token.
func (a *Actor) CreatePR(ctx context.Context, title, body, base string) (*hosting.PullRequest, error) {
	a.mu.Lock()

	sess, err := a.store.GetSession()
	if err != nil || sess == nil {
		a.mu.Unlock()
		return nil, &RPCError{Status: 404, Message: "session not initialized"}
	}

	processing, err := a.store.ProcessingMessage()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if processing == nil {
		a.mu.Unlock()
		return nil, &RPCError{Status: 400, Message: "no active prompt to attribute the pull request to"}
	}

	participant, err := a.store.GetParticipant(processing.AuthorID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if participant == nil {
		a.mu.Unlock()
		return nil, &RPCError{Status: 400, Message: "prompting user is not a participant"}
	}

	accessToken, rpcErr := a.freshAccessTokenLocked(ctx, participant)
	if rpcErr != nil {
		a.mu.Unlock()
		return nil, rpcErr
	}

	head := sess.BranchName
	if head == "" {
		head = headBranchName(a.cfg.SessionID)
	}
	owner, repo := sess.RepoOwner, sess.RepoName
	a.mu.Unlock()

	if base == "" {
		base = sess.DefaultBranch
		if base == "" {
			repoInfo, err := a.hosting.GetRepository(ctx, accessToken, owner, repo)
			if err != nil {
				return nil, &RPCError{Status: 502, Message: "look up default branch: " + err.Error()}
			}
			base = repoInfo.DefaultBranch
		}
	}

	// Pushes never use the user's personal token.
	installToken, err := a.hosting.InstallationToken(ctx, owner, repo)
	if err != nil {
		return nil, &RPCError{Status: 502, Message: "generate installation token: " + err.Error()}
	}
	if _, err := a.PushBranch(ctx, head, owner, repo, installToken); err != nil {
		return nil, &RPCError{Status: 502, Message: "push branch: " + err.Error()}
	}

	existing, err := a.hosting.FindOpenPR(ctx, accessToken, owner, repo, head)
	if err != nil {
		return nil, &RPCError{Status: 502, Message: "look up open pull request: " + err.Error()}
	}

	var pr *hosting.PullRequest
	if existing != nil {
		pr, err = a.hosting.UpdatePR(ctx, accessToken, owner, repo, existing.Number, title, body)
	} else {
		pr, err = a.hosting.CreatePR(ctx, accessToken, owner, repo, title, body, head, base)
	}
	if err != nil {
		return nil, &RPCError{Status: 502, Message: "create pull request: " + err.Error()}
	}

	a.mu.Lock()
	meta, _ := json.Marshal(map[string]any{"number": pr.Number, "head": head, "base": base})
	artifact := persistence.Artifact{
		ID:       uuid.NewString(),
		Type:     persistence.ArtifactPR,
		URL:      pr.HTMLURL,
		Metadata: string(meta),
	}
	if err := a.store.InsertArtifact(artifact); err != nil {
		a.log.Warn("persist pr artifact failed", "error", err)
	}
	if err := a.store.UpdateSessionBranch(head); err != nil {
		a.log.Warn("update session branch failed", "error", err)
	}
	a.mu.Unlock()

	a.log.Info("pull request ready", "url", pr.HTMLURL, "number", pr.Number)
	a.broadcast(MsgArtifactCreated, map[string]any{"artifact": artifact})
	return pr, nil
}

// freshAccessTokenLocked unseals the participant's access token, refreshing
// it first when it expires within the configured buffer.
func (a *Actor) freshAccessTokenLocked(ctx context.Context, p *persistence.Participant) (string, *RPCError) {
	if p.AccessTokenSealed == "" {
		return "", &RPCError{Status: 400, Message: "participant has no stored access token"}
	}

	expiresAt := parseTime(p.TokenExpiresAt)
	if expiresAt.IsZero() || time.Now().Add(a.cfg.TokenExpiryBuffer).Before(expiresAt) {
		token, err := a.sealer.Unseal(p.AccessTokenSealed)
		if err != nil {
			return "", &RPCError{Status: 500, Message: "unseal access token: " + err.Error()}
		}
		return token, nil
	}

	if p.RefreshTokenSealed == "" {
		return "", &RPCError{Status: 401, Message: "access token expired and no refresh token stored"}
	}
	refreshToken, err := a.sealer.Unseal(p.RefreshTokenSealed)
	if err != nil {
		return "", &RPCError{Status: 500, Message: "unseal refresh token: " + err.Error()}
	}

	pair, err := a.hosting.RefreshToken(ctx, refreshToken)
	if err != nil {
		return "", &RPCError{Status: 401, Message: "refresh access token: " + err.Error()}
	}

	accessSealed, err := a.sealer.Seal(pair.AccessToken)
	if err != nil {
		return "", &RPCError{Status: 500, Message: "seal refreshed token: " + err.Error()}
	}
	refreshSealed := p.RefreshTokenSealed
	if pair.RefreshToken != "" {
		if refreshSealed, err = a.sealer.Seal(pair.RefreshToken); err != nil {
			return "", &RPCError{Status: 500, Message: "seal refresh token: " + err.Error()}
		}
	}
	newExpiry := persistence.FormatTime(time.Now().Add(time.Duration(pair.ExpiresIn) * time.Second))
	if err := a.store.UpdateParticipantTokens(p.ID, accessSealed, refreshSealed, newExpiry); err != nil {
		a.log.Warn("persist refreshed tokens failed", "participant", p.ID, "error", err)
	}
	return pair.AccessToken, nil
}

// headBranchName derives the deterministic working branch for a session.
func headBranchName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "agent/" + short
}
