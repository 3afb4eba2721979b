// Package client talks to a wprelay server: REST calls, the push channel and
// the local conversation state a chat front end renders.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wprelay/internal/store"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Health is the /health response.
type Health struct {
	OK      bool      `json:"ok"`
	Status  string    `json:"status"`
	Since   time.Time `json:"since"`
	Clients int       `json:"clients"`
	Error   string    `json:"error,omitempty"`
}

// HTTP is a REST client for the server API.
type HTTP struct {
	base string
	http *http.Client
}

// NewHTTP creates a client for the server at base, e.g. http://localhost:8080.
func NewHTTP(base string) *HTTP {
	return &HTTP{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Base returns the server base URL.
func (c *HTTP) Base() string {
	return c.base
}

// Conversations lists contacts with unread counts.
func (c *HTTP) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var out []store.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches a page of history for waID, oldest first. A zero before
// and limit use the server defaults.
func (c *HTTP) Messages(ctx context.Context, waID string, before time.Time, limit int) ([]store.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/contacts/" + url.PathEscape(waID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []store.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send creates an outbound text message.
func (c *HTTP) Send(ctx context.Context, waID, text string) (*store.Message, error) {
	var out struct {
		Message *store.Message `json:"message"`
	}
	body := map[string]string{"waId": waID, "text": text}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, fmt.Errorf("send: response without message")
	}
	return out.Message, nil
}

// MarkRead marks the given inbound messages read and returns how many changed.
func (c *HTTP) MarkRead(ctx context.Context, waID string, ids []string) (int64, error) {
	var out struct {
		Modified int64 `json:"modified"`
	}
	body := map[string][]string{"messageIds": ids}
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(waID)+"/read", body, &out); err != nil {
		return 0, err
	}
	return out.Modified, nil
}

// Health queries /health. A 503 still decodes the body and returns it
// alongside the APIError.
func (c *HTTP) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return &h, err
}

// PostWebhook delivers a raw webhook payload.
func (c *HTTP) PostWebhook(ctx context.Context, payload []byte) error {
	return c.do(ctx, http.MethodPost, "/webhook", json.RawMessage(payload), nil)
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var apiErr error
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		apiErr = &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && apiErr == nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return apiErr
}
