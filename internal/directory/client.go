// ABOUTME: REST client for the practice peer directory
// ABOUTME: Lists the peers the local user can converse with, authenticated by bearer token

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/clinic-chat/internal/chat"
)

// DefaultTimeout bounds a single directory request.
const DefaultTimeout = 10 * time.Second

// ErrNoBaseURL is returned when the client has nowhere to ask.
var ErrNoBaseURL = errors.New("directory url not configured")

// StatusError reports a non-200 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("directory returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("directory returned status %d: %s", e.StatusCode, e.Body)
}

// Client fetches peers from the directory service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// New creates a directory client for baseURL. The token, if any, is sent
// as a bearer credential.
func New(baseURL, token string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logger.With("component", "directory"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListPeers returns the peers visible to the local user, in directory order.
func (c *Client) ListPeers(ctx context.Context) ([]chat.Peer, error) {
	if c.baseURL == "" {
		return nil, ErrNoBaseURL
	}

	url := c.baseURL + "/api/peers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching peers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var peers []chat.Peer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	valid := peers[:0]
	for _, p := range peers {
		if p.ID == "" {
			c.logger.Warn("skipping directory entry without id", "display_name", p.DisplayName)
			continue
		}
		valid = append(valid, p)
	}

	c.logger.Debug("listed peers", "count", len(valid))
	return valid, nil
}
