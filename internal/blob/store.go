// Package blob is a thin client for the binary blob store used for
// screenshot artifacts (put/get by key).
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store reads and writes binary blobs by key.
type Store struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a blob store client. Returns nil when baseURL is empty
// (screenshot storage disabled); a nil *Store errors on use.
func New(baseURL, token string) *Store {
	if baseURL == "" {
		return nil
	}
	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Put writes a blob under the given key.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	if s == nil {
		return fmt.Errorf("blob store not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.keyURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("put blob: status %d", resp.StatusCode)
	}
	return nil
}

// Get reads a blob by key. Returns nil, nil when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("blob store not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.keyURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get blob: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get blob: read body: %w", err)
	}
	return data, nil
}

func (s *Store) keyURL(key string) string {
	return s.baseURL + "/" + url.PathEscape(key)
}
