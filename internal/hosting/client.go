// Package hosting is a thin authenticated client for the code-hosting
// provider's REST API: OAuth token lifecycle, repository lookup, and pull
// request operations.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the code-hosting provider.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	appToken     string
	httpClient   *http.Client
}

// New creates a hosting client. clientID/clientSecret drive OAuth refresh;
// appToken authenticates app-level calls (installation token generation).
func New(baseURL, clientID, clientSecret, appToken string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		appToken:     appToken,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// User is the authenticated hosting-provider identity.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

// CurrentUser looks up the identity behind an access token.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/user", accessToken, nil, &u); err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return &u, nil
}

// TokenPair is an OAuth access/refresh token set with expiry.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh token: status %d", resp.StatusCode)
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("refresh token: decode: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("refresh token: provider returned no access token")
	}
	return &pair, nil
}

// InstallationToken generates a short-lived app installation token for git
// pushes. Pushes never use a participant's personal token.
func (c *Client) InstallationToken(ctx context.Context, owner, repo string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/repos/%s/%s/installation/token", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, c.appToken, nil, &out); err != nil {
		return "", fmt.Errorf("installation token: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("installation token: provider returned empty token")
	}
	return out.Token, nil
}

// Repository describes a repo's default branch.
type Repository struct {
	DefaultBranch string `json:"default_branch"`
}

// GetRepository looks up repository metadata.
func (c *Client) GetRepository(ctx context.Context, accessToken, owner, repo string) (*Repository, error) {
	var r Repository
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), accessToken, nil, &r); err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &r, nil
}

// PullRequest is the subset of PR fields the actor records.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

// FindOpenPR returns the open PR for a head branch, or nil if none exists.
func (c *Client) FindOpenPR(ctx context.Context, accessToken, owner, repo, head string) (*PullRequest, error) {
	var prs []PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s", owner, repo, url.QueryEscape(owner+":"+head))
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &prs); err != nil {
		return nil, fmt.Errorf("find open pr: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// CreatePR opens a pull request on behalf of the participant.
func (c *Client) CreatePR(ctx context.Context, accessToken, owner, repo, title, body, head, base string) (*PullRequest, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var pr PullRequest
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), accessToken, payload, &pr); err != nil {
		return nil, fmt.Errorf("create pr: %w", err)
	}
	return &pr, nil
}

// UpdatePR updates an existing pull request's title and body.
func (c *Client) UpdatePR(ctx context.Context, accessToken, owner, repo string, number int, title, body string) (*PullRequest, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
	}
	var pr PullRequest
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number), accessToken, payload, &pr); err != nil {
		return nil, fmt.Errorf("update pr: %w", err)
	}
	return &pr, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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
