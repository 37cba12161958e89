// Package opencode provides a client for the opencode server API:
// transcript reads, asynchronous prompt submission, TUI toasts, and the
// server event stream.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/DrBushyTop/humanlayer-opencode/internal/httpkit"
)

// Client is an opencode server REST API client.
type Client struct {
	baseURL    string
	directory  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new opencode client. directory is the opencode
// working directory; the server scopes sessions and toasts to it.
func NewClient(baseURL, directory string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   baseURL,
		directory: directory,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Messages returns the full transcript for a session, oldest first.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	path := fmt.Sprintf("/session/%s/message", url.PathEscape(sessionID))
	if err := c.get(ctx, path, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// promptRequest is the body for prompt submission.
type promptRequest struct {
	Parts []Part `json:"parts"`
}

// Prompt enqueues a new user turn on the session. Submission is
// asynchronous on the server side: a nil return means the prompt was
// accepted, not that the agent has replied. Replies surface later as a
// fresh session.idle event.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	path := fmt.Sprintf("/session/%s/prompt_async", url.PathEscape(sessionID))
	body := promptRequest{
		Parts: []Part{{Type: PartTypeText, Text: text}},
	}
	return c.post(ctx, path, body)
}

// ShowToast displays a transient notification in the opencode TUI.
// Best-effort: callers treat failures as non-fatal.
func (c *Client) ShowToast(ctx context.Context, toast Toast) error {
	return c.post(ctx, "/tui/show-toast", toast)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode,
			httpkit.ReadErrorBody(resp.Body, 512))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode,
			httpkit.ReadErrorBody(resp.Body, 512))
	}
	return nil
}

// endpoint joins the base URL, path, and directory query parameter. The
// server uses directory to route multi-project setups; sending it on
// every call matches what the TUI itself does.
func (c *Client) endpoint(path string) string {
	u := c.baseURL + path
	if c.directory != "" {
		u += "?directory=" + url.QueryEscape(c.directory)
	}
	return u
}
