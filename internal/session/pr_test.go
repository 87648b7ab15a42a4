package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workspace/control-plane/internal/hosting"
	"github.com/workspace/control-plane/internal/persistence"
)

// fakeHosting is an in-memory code-hosting backend.
type fakeHosting struct {
	mu sync.Mutex

	existingPR *hosting.PullRequest
	tokenPair  *hosting.TokenPair

	createdWith string // access token used for CreatePR
	createdHead string
	createdBase string
	updatedNum  int
	refreshed   int
}

func (h *fakeHosting) CurrentUser(context.Context, string) (*hosting.User, error) {
	return &hosting.User{ID: 1, Login: "dev"}, nil
}

func (h *fakeHosting) RefreshToken(_ context.Context, _ string) (*hosting.TokenPair, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshed++
	if h.tokenPair != nil {
		return h.tokenPair, nil
	}
	return &hosting.TokenPair{AccessToken: "refreshed-access", RefreshToken: "refreshed-refresh", ExpiresIn: 3600}, nil
}

func (h *fakeHosting) InstallationToken(context.Context, string, string) (string, error) {
	return "install-token", nil
}

func (h *fakeHosting) GetRepository(context.Context, string, string, string) (*hosting.Repository, error) {
	return &hosting.Repository{DefaultBranch: "trunk"}, nil
}

func (h *fakeHosting) FindOpenPR(context.Context, string, string, string, string) (*hosting.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.existingPR, nil
}

func (h *fakeHosting) CreatePR(_ context.Context, accessToken, _, _, _, _ string, head, base string) (*hosting.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.createdWith = accessToken
	h.createdHead = head
	h.createdBase = base
	return &hosting.PullRequest{Number: 7, HTMLURL: "https://git.example.com/acme/web/pull/7", State: "open"}, nil
}

func (h *fakeHosting) UpdatePR(_ context.Context, _, _, _ string, number int, _, _ string) (*hosting.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updatedNum = number
	return &hosting.PullRequest{Number: number, HTMLURL: "https://git.example.com/acme/web/pull/7", State: "open"}, nil
}

// seedOwnerWithTokens creates a participant with sealed OAuth tokens.
func seedOwnerWithTokens(t *testing.T, store *persistence.Store, expiresAt string) string {
	t.Helper()
	sealer := testSealer(t)
	access, err := sealer.Seal("user-access")
	if err != nil {
		t.Fatalf("seal access: %v", err)
	}
	refresh, err := sealer.Seal("user-refresh")
	if err != nil {
		t.Fatalf("seal refresh: %v", err)
	}
	p := persistence.Participant{
		ID:                 "participant-owner",
		UserID:             "u-owner",
		Role:               persistence.RoleOwner,
		AccessTokenSealed:  access,
		RefreshTokenSealed: refresh,
		TokenExpiresAt:     expiresAt,
	}
	if err := store.UpsertParticipant(p); err != nil {
		t.Fatalf("upsert participant: %v", err)
	}
	return p.ID
}

// resolvePush answers the pending push for the given branch once the push
// command shows up on the sandbox connection.
func resolvePush(t *testing.T, a *Actor, fc *fakeConn) {
	t.Helper()
	waitFor(t, "push command", func() bool { return len(fc.typed("push")) == 1 })
	cmds := fc.typed("push")
	data, _ := cmds[0]["data"].(map[string]any)
	branch, _ := data["branch"].(string)
	payload, _ := json.Marshal(map[string]string{"branchName": branch, "commitSha": "abc"})
	if _, err := a.IngestEvent(SandboxEvent{Type: EvtPushComplete, Data: payload}); err != nil {
		t.Fatalf("resolve push: %v", err)
	}
}

func TestCreatePROpensNewPullRequest(t *testing.T) {
	fh := &fakeHosting{}
	a, _, store := newTestActorWith(t, nil, func(d *Deps) { d.Hosting = fh })
	pid := seedOwnerWithTokens(t, store, "")
	fc := connectSandbox(t, a, store)

	if _, err := a.Enqueue(PromptData{Content: "ship it"}, pid, "api"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	type result struct {
		pr  *hosting.PullRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		pr, err := a.CreatePR(context.Background(), "Add login", "implements login", "")
		done <- result{pr, err}
	}()
	resolvePush(t, a, fc)

	r := <-done
	if r.err != nil {
		t.Fatalf("CreatePR: %v", r.err)
	}
	if r.pr.Number != 7 {
		t.Fatalf("pr number = %d", r.pr.Number)
	}

	// The push used the installation token, never the user's token.
	data, _ := fc.typed("push")[0]["data"].(map[string]any)
	if data["token"] != "install-token" {
		t.Fatalf("push token = %v, want installation token", data["token"])
	}
	// The PR itself was created with the user's token.
	if fh.createdWith != "user-access" {
		t.Fatalf("create-pr token = %q, want user token", fh.createdWith)
	}
	if fh.createdHead != "agent/sess-1" || fh.createdBase != "main" {
		t.Fatalf("head/base = %s/%s", fh.createdHead, fh.createdBase)
	}

	// Artifact recorded and the session branch pinned to the head.
	artifacts, err := store.ListArtifacts()
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("artifacts = %v, %v", artifacts, err)
	}
	if artifacts[0].Type != persistence.ArtifactPR || !strings.Contains(artifacts[0].URL, "/pull/7") {
		t.Fatalf("artifact = %+v", artifacts[0])
	}
	sess, _ := store.GetSession()
	if sess.BranchName != "agent/sess-1" {
		t.Fatalf("session branch = %q", sess.BranchName)
	}
}

func TestCreatePRUpdatesExistingPullRequest(t *testing.T) {
	fh := &fakeHosting{existingPR: &hosting.PullRequest{Number: 3, State: "open"}}
	a, _, store := newTestActorWith(t, nil, func(d *Deps) { d.Hosting = fh })
	pid := seedOwnerWithTokens(t, store, "")
	fc := connectSandbox(t, a, store)

	if _, err := a.Enqueue(PromptData{Content: "iterate"}, pid, "api"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.CreatePR(context.Background(), "Iterate", "", "")
		done <- err
	}()
	resolvePush(t, a, fc)

	if err := <-done; err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if fh.updatedNum != 3 {
		t.Fatalf("updated pr = %d, want existing 3", fh.updatedNum)
	}
	if fh.createdWith != "" {
		t.Fatal("CreatePR called on hosting despite an existing open PR")
	}
}

func TestCreatePRRequiresProcessingMessage(t *testing.T) {
	fh := &fakeHosting{}
	a, _, store := newTestActorWith(t, nil, func(d *Deps) { d.Hosting = fh })
	seedOwnerWithTokens(t, store, "")

	_, err := a.CreatePR(context.Background(), "Title", "", "")
	rpcErr := asRPCError(err)
	if rpcErr.Status != 400 {
		t.Fatalf("CreatePR without processing message = %v, want 400", err)
	}
}

func TestCreatePRRefreshesExpiredToken(t *testing.T) {
	fh := &fakeHosting{}
	a, _, store := newTestActorWith(t, nil, func(d *Deps) { d.Hosting = fh })
	expired := persistence.FormatTime(time.Now().Add(-time.Minute))
	pid := seedOwnerWithTokens(t, store, expired)
	fc := connectSandbox(t, a, store)

	if _, err := a.Enqueue(PromptData{Content: "ship"}, pid, "api"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.CreatePR(context.Background(), "Title", "", "")
		done <- err
	}()
	resolvePush(t, a, fc)

	if err := <-done; err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if fh.refreshed != 1 {
		t.Fatalf("refresh calls = %d, want 1", fh.refreshed)
	}
	if fh.createdWith != "refreshed-access" {
		t.Fatalf("create-pr token = %q, want refreshed token", fh.createdWith)
	}

	// The refreshed pair is persisted sealed, with a future expiry.
	p, _ := store.GetParticipant(pid)
	sealer := testSealer(t)
	access, err := sealer.Unseal(p.AccessTokenSealed)
	if err != nil || access != "refreshed-access" {
		t.Fatalf("stored access = %q, %v", access, err)
	}
	if parseTime(p.TokenExpiresAt).Before(time.Now()) {
		t.Fatalf("stored expiry %q not in the future", p.TokenExpiresAt)
	}
}

func TestHeadBranchName(t *testing.T) {
	if got := headBranchName("0123456789abcdef"); got != "agent/01234567" {
		t.Fatalf("headBranchName = %q", got)
	}
	if got := headBranchName("short"); got != "agent/short" {
		t.Fatalf("headBranchName = %q", got)
	}
}
