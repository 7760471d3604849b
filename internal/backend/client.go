// Package backend talks to the backing store that holds the player's pending
// command slot, its liveness status and the project definitions.
//
// REST contract, relative to the base URL:
//
//	GET  /players/{playerId}/command   200 + command JSON, or 204 when empty
//	PUT  /players/{playerId}/status    {"status": "...", "at": "..."}
//	GET  /projects/{projectId}         project definition JSON
//
// Push notifications arrive on a websocket (see Subscription).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"graphics-player/internal/command"
	"graphics-player/internal/project"
)

// ErrNoPendingCommand is returned when the pending command slot is empty
var ErrNoPendingCommand = errors.New("no pending command")

// Status is the liveness value the player reports
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Client is the REST side of the backing store
type Client struct {
	baseURL  string
	playerID string
	client   *http.Client
}

// NewClient creates a backend client. timeout bounds every request.
func NewClient(baseURL, playerID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		playerID: playerID,
		client:   &http.Client{Timeout: timeout},
	}
}

// PlayerID returns the id this client reports for
func (c *Client) PlayerID() string {
	return c.playerID
}

// PendingCommand reads the pending command slot
func (c *Client) PendingCommand(ctx context.Context) (command.Envelope, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/players/"+url.PathEscape(c.playerID)+"/command", nil)
	if err != nil {
		return command.Envelope{}, fmt.Errorf("poll pending command: %w", err)
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return command.Envelope{}, ErrNoPendingCommand
	}
	if status != http.StatusOK {
		return command.Envelope{}, fmt.Errorf("poll pending command: %d - %s", status, truncate(body))
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return command.Envelope{}, ErrNoPendingCommand
	}
	return command.Decode(trimmed)
}

// WriteStatus reports liveness
func (c *Client) WriteStatus(ctx context.Context, s Status) error {
	payload, err := json.Marshal(map[string]any{
		"status": s,
		"at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	body, status, err := c.do(ctx, http.MethodPut, "/players/"+url.PathEscape(c.playerID)+"/status", payload)
	if err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if status/100 != 2 {
		return fmt.Errorf("write status: %d - %s", status, truncate(body))
	}
	return nil
}

// FetchProject implements project.Fetcher
func (c *Client) FetchProject(ctx context.Context, projectID string) (*project.Project, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch project %s: %w", projectID, err)
	}
	if status == http.StatusNotFound {
		return nil, project.ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch project %s: %d - %s", projectID, status, truncate(body))
	}
	var p project.Project
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", projectID, err)
	}
	if p.ID == "" {
		p.ID = projectID
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
