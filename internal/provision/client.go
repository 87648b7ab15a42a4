// Package provision is the client for the sandbox provisioning API. The
// backend is a black box exposing create/snapshot/restore/health; every call
// is authenticated with a short-lived signed bearer token.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CreateRequest describes a cold sandbox spawn.
type CreateRequest struct {
	SessionID     string `json:"sessionId"`
	RepoOwner     string `json:"repoOwner"`
	RepoName      string `json:"repoName"`
	Branch        string `json:"branch"`
	BaseSHA       string `json:"baseSha,omitempty"`
	AuthToken     string `json:"authToken"`
	CallbackURL   string `json:"callbackUrl"`
	SnapshotImage string `json:"snapshotImage,omitempty"`
}

// CreateResponse carries the provider-assigned identifiers.
type CreateResponse struct {
	SandboxID string `json:"sandboxId"`
	ObjectID  string `json:"objectId"`
}

// SnapshotResponse carries the saved filesystem image identifiers.
type SnapshotResponse struct {
	SnapshotID string `json:"snapshotId"`
	ImageID    string `json:"imageId"`
}

// Client talks to the provisioning API.
type Client struct {
	baseURL    string
	signingKey []byte
	tokenTTL   time.Duration
	httpClient *http.Client
}

// New creates a provisioning client. The signing key is the shared HS256
// secret for short-lived bearer tokens.
func New(baseURL, signingKey string, tokenTTL time.Duration) *Client {
	if tokenTTL <= 0 {
		tokenTTL = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
		tokenTTL:   tokenTTL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// CreateSandbox asks the provisioner for a new sandbox, optionally restored
// from a snapshot image when req.SnapshotImage is set.
func (c *Client) CreateSandbox(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	var resp CreateResponse
	if err := c.post(ctx, "/v1/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("create sandbox: provisioner returned empty sandbox id")
	}
	return &resp, nil
}

// SnapshotSandbox captures a filesystem image of the sandbox.
func (c *Client) SnapshotSandbox(ctx context.Context, providerSandboxID, reason string) (*SnapshotResponse, error) {
	var resp SnapshotResponse
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/v1/sandboxes/"+providerSandboxID+"/snapshot", body, &resp); err != nil {
		return nil, fmt.Errorf("snapshot sandbox: %w", err)
	}
	return &resp, nil
}

// RestoreSandbox spawns a sandbox from a previously captured image.
func (c *Client) RestoreSandbox(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if req.SnapshotImage == "" {
		return nil, fmt.Errorf("restore sandbox: snapshot image is required")
	}
	var resp CreateResponse
	if err := c.post(ctx, "/v1/sandboxes/restore", req, &resp); err != nil {
		return nil, fmt.Errorf("restore sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("restore sandbox: provisioner returned empty sandbox id")
	}
	return &resp, nil
}

// Health probes the provisioning backend.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	if err := c.authorize(req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// authorize signs a fresh short-lived bearer token for a single request.
func (c *Client) authorize(req *http.Request) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "control-plane",
		Audience:  jwt.ClaimStrings{"provisioner"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	})
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return fmt.Errorf("sign provisioner token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}
