// Package notify delivers completion notifications to an external endpoint.
// Payloads are HMAC-SHA256 signed; delivery is fire-and-forget with bounded
// retries and failures are swallowed after logging.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/control-plane/internal/retry"
)

// Completion is the payload posted when a prompt finishes executing.
type Completion struct {
	SessionID       string `json:"sessionId"`
	MessageID       string `json:"messageId"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	CallbackContext string `json:"callbackContext,omitempty"`
	CompletedAt     string `json:"completedAt"`
}

// Notifier posts signed completion payloads. A nil *Notifier is a no-op so
// callers don't have to branch on whether notifications are configured.
type Notifier struct {
	url        string
	secret     []byte
	httpClient *http.Client
}

// New creates a Notifier. Returns nil when url is empty (notifications
// disabled).
func New(url, secret string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:        url,
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the completion payload with up to 2 retries and 1-second
// backoff. Errors are logged, never returned: notification delivery must
// not disturb the serialized event-processing path.
func (n *Notifier) Send(ctx context.Context, c Completion) {
	if n == nil {
		return
	}

	body, err := json.Marshal(c)
	if err != nil {
		slog.Error("notify: marshal completion failed", "messageId", c.MessageID, "error", err)
		return
	}

	cfg := retry.Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     1 * time.Second,
		MaxAttempts:  3, // initial attempt plus 2 retries
		MaxElapsed:   30 * time.Second,
	}
	err = retry.Do(ctx, cfg, "completion_notify", func(ctx context.Context) error {
		return n.post(ctx, body)
	})
	if err != nil {
		slog.Warn("notify: completion notification dropped after retries",
			"messageId", c.MessageID, "error", err)
	}
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(n.secret, body))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The endpoint rejected the payload; retrying won't help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 signature of a payload.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
