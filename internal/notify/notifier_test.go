package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSendPostsSignedPayload(t *testing.T) {
	secret := "shared-secret"
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, secret)
	n.Send(context.Background(), Completion{
		SessionID:   "sess-1",
		MessageID:   "msg-1",
		Success:     true,
		CompletedAt: "2026-01-01T00:00:00Z",
	})

	var c Completion
	if err := json.Unmarshal(gotBody, &c); err != nil {
		t.Fatalf("unmarshal delivered body: %v", err)
	}
	if c.SessionID != "sess-1" || c.MessageID != "msg-1" || !c.Success {
		t.Fatalf("delivered payload = %+v", c)
	}
	if !hmac.Equal([]byte(gotSig), []byte(Sign([]byte(secret), gotBody))) {
		t.Fatalf("signature %q does not verify against the body", gotSig)
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, "s")
	n.Send(context.Background(), Completion{MessageID: "m1"})

	if got := calls.Load(); got != 1 {
		t.Fatalf("endpoint called %d times for a 400, want 1", got)
	}
}

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	if n := New("", "secret"); n != nil {
		t.Fatalf("New with empty url = %v, want nil", n)
	}
}

func TestNilNotifierSendIsNoOp(t *testing.T) {
	var n *Notifier
	// Must not panic.
	n.Send(context.Background(), Completion{MessageID: "m1"})
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign([]byte("k"), []byte("body"))
	b := Sign([]byte("k"), []byte("body"))
	if a != b {
		t.Fatal("same key and body produced different signatures")
	}
	if Sign([]byte("k2"), []byte("body")) == a {
		t.Fatal("different keys produced the same signature")
	}
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
}
