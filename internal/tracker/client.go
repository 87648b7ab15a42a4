// Package tracker is a thin GraphQL client for the issue-tracking provider:
// issue fetch/create/update and team listing.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the issue tracker's GraphQL endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a tracker client.
func New(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Issue is the subset of issue fields the actor uses.
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	TeamID     string `json:"teamId"`
}

// Team is a tracker team.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// GetIssue fetches a single issue by id.
func (c *Client) GetIssue(ctx context.Context, accessToken, issueID string) (*Issue, error) {
	var out struct {
		Issue Issue `json:"issue"`
	}
	query := `query($id: String!) { issue(id: $id) { id identifier title url } }`
	if err := c.query(ctx, accessToken, query, map[string]any{"id": issueID}, &out); err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	if out.Issue.ID == "" {
		return nil, nil
	}
	return &out.Issue, nil
}

// CreateIssue creates an issue in the given team.
func (c *Client) CreateIssue(ctx context.Context, accessToken, teamID, title, description string) (*Issue, error) {
	var out struct {
		IssueCreate struct {
			Issue Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	query := `mutation($input: IssueCreateInput!) {
		issueCreate(input: $input) { issue { id identifier title url } }
	}`
	vars := map[string]any{
		"input": map[string]any{
			"teamId":      teamID,
			"title":       title,
			"description": description,
		},
	}
	if err := c.query(ctx, accessToken, query, vars, &out); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return &out.IssueCreate.Issue, nil
}

// UpdateIssue updates an issue's title and description.
func (c *Client) UpdateIssue(ctx context.Context, accessToken, issueID, title, description string) error {
	var out struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	query := `mutation($id: String!, $input: IssueUpdateInput!) {
		issueUpdate(id: $id, input: $input) { success }
	}`
	vars := map[string]any{
		"id": issueID,
		"input": map[string]any{
			"title":       title,
			"description": description,
		},
	}
	if err := c.query(ctx, accessToken, query, vars, &out); err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	if !out.IssueUpdate.Success {
		return fmt.Errorf("update issue: tracker reported failure")
	}
	return nil
}

// ListTeams returns the teams visible to the token.
func (c *Client) ListTeams(ctx context.Context, accessToken string) ([]Team, error) {
	var out struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	query := `query { teams { nodes { id key name } } }`
	if err := c.query(ctx, accessToken, query, nil, &out); err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return out.Teams.Nodes, nil
}

func (c *Client) query(ctx context.Context, accessToken, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql: %s", envelope.Errors[0].Message)
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
