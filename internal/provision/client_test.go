package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningKey = "provisioner-signing-key"

// verifyBearer parses the request's bearer token with the shared key and
// checks the claims the backend relies on.
func verifyBearer(t *testing.T, r *http.Request) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Errorf("authorization header = %q", auth)
		return
	}
	raw := strings.TrimPrefix(auth, "Bearer ")
	claims := jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(testSigningKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		t.Errorf("bearer token invalid: %v", err)
		return
	}
	if claims.Issuer != "control-plane" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "provisioner" {
		t.Errorf("audience = %v", claims.Audience)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Before(time.Now()) {
		t.Errorf("token already expired: %v", claims.ExpiresAt)
	}
}

func TestCreateSandboxPostsSignedRequest(t *testing.T) {
	var gotPath string
	var gotReq CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		verifyBearer(t, r)
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(CreateResponse{SandboxID: "sbx-9", ObjectID: "obj-9"})
	}))
	defer srv.Close()

	c := New(srv.URL, testSigningKey, time.Minute)
	resp, err := c.CreateSandbox(context.Background(), CreateRequest{
		SessionID:   "sess-1",
		RepoOwner:   "acme",
		RepoName:    "web",
		Branch:      "main",
		AuthToken:   "tok",
		CallbackURL: "https://cp.example.com",
	})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if resp.SandboxID != "sbx-9" || resp.ObjectID != "obj-9" {
		t.Fatalf("response = %+v", resp)
	}
	if gotPath != "/v1/sandboxes" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotReq.SessionID != "sess-1" || gotReq.AuthToken != "tok" || gotReq.Branch != "main" {
		t.Fatalf("request = %+v", gotReq)
	}
}

func TestCreateSandboxRejectsEmptySandboxID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CreateResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, testSigningKey, time.Minute)
	if _, err := c.CreateSandbox(context.Background(), CreateRequest{SessionID: "s"}); err == nil {
		t.Fatal("empty sandbox id accepted")
	}
}

func TestCreateSandboxSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "capacity exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, testSigningKey, time.Minute)
	_, err := c.CreateSandbox(context.Background(), CreateRequest{SessionID: "s"})
	if err == nil || !strings.Contains(err.Error(), "capacity exhausted") {
		t.Fatalf("err = %v, want error body surfaced", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status code surfaced", err)
	}
}

func TestSnapshotSandboxSendsReason(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		verifyBearer(t, r)
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(SnapshotResponse{SnapshotID: "snap-1", ImageID: "img-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, testSigningKey, time.Minute)
	resp, err := c.SnapshotSandbox(context.Background(), "sbx-9", "inactivity")
	if err != nil {
		t.Fatalf("SnapshotSandbox: %v", err)
	}
	if resp.SnapshotID != "snap-1" || resp.ImageID != "img-1" {
		t.Fatalf("response = %+v", resp)
	}
	if gotPath != "/v1/sandboxes/sbx-9/snapshot" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["reason"] != "inactivity" {
		t.Fatalf("reason = %q", gotBody["reason"])
	}
}

func TestRestoreSandboxRequiresImage(t *testing.T) {
	c := New("http://unused", testSigningKey, time.Minute)
	if _, err := c.RestoreSandbox(context.Background(), CreateRequest{SessionID: "s"}); err == nil {
		t.Fatal("restore without a snapshot image accepted")
	}
}

func TestRestoreSandboxPostsToRestorePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(CreateResponse{SandboxID: "sbx-r", ObjectID: "obj-r"})
	}))
	defer srv.Close()

	c := New(srv.URL, testSigningKey, time.Minute)
	resp, err := c.RestoreSandbox(context.Background(), CreateRequest{SessionID: "s", SnapshotImage: "img-1"})
	if err != nil {
		t.Fatalf("RestoreSandbox: %v", err)
	}
	if gotPath != "/v1/sandboxes/restore" {
		t.Fatalf("path = %q", gotPath)
	}
	if resp.SandboxID != "sbx-r" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		verifyBearer(t, r)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := New(srv.URL, testSigningKey, time.Minute)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}

	status = http.StatusInternalServerError
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("Health with 500 backend returned nil")
	}
}

func TestNewTrimsTrailingSlashAndDefaultsTTL(t *testing.T) {
	c := New("http://api.example.com/", testSigningKey, 0)
	if c.baseURL != "http://api.example.com" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
	if c.tokenTTL != 60*time.Second {
		t.Fatalf("tokenTTL = %v", c.tokenTTL)
	}
}
