package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/schedulebot/internal/httpkit"
)

// REST is a minimal Discord REST client covering the calls the bot
// makes: resolving its channel and sending, editing, deleting and
// pinning messages.
type REST struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewREST creates a REST client. A nil httpClient gets the shared
// httpkit client with dial retries and rate-limit waits.
func NewREST(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *REST {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithRateLimitRetry(3),
			httpkit.WithLogger(logger),
		)
	}
	return &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Self returns the user the token belongs to.
func (r *REST) Self(ctx context.Context) (*User, error) {
	var u User
	if err := r.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Channel looks up a channel by ID.
func (r *REST) Channel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := r.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Send posts a new message and returns it.
func (r *REST) Send(ctx context.Context, channelID, content string) (*Message, error) {
	var m Message
	body := map[string]any{
		"content": content,
		// Mentions are rendered, but only users are pinged.
		"allowed_mentions": map[string]any{"parse": []string{"users"}},
	}
	if err := r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Edit replaces the content of a message the bot authored.
func (r *REST) Edit(ctx context.Context, channelID, messageID, content string) (*Message, error) {
	var m Message
	body := map[string]any{"content": content}
	if err := r.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Delete removes a message.
func (r *REST) Delete(ctx context.Context, channelID, messageID string) error {
	return r.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

// Pin pins a message in its channel.
func (r *REST) Pin(ctx context.Context, channelID, messageID string) error {
	return r.do(ctx, http.MethodPut, "/channels/"+channelID+"/pins/"+messageID, nil, nil)
}

// GatewayURL asks the API for the current gateway endpoint.
func (r *REST) GatewayURL(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := r.do(ctx, http.MethodGet, "/gateway/bot", nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (r *REST) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   httpkit.ReadErrorBody(resp.Body, 512),
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
