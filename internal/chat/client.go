package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

var errNotLoggedIn = errors.New("chat: not logged in")

// Config locates the Discord endpoints.
type Config struct {
	APIURL     string
	GatewayURL string // empty asks the API for one

	// Intents overrides DefaultIntents when non-zero.
	Intents int

	// HTTPClient overrides the httpkit client used for REST calls.
	HTTPClient *http.Client
}

// Client is the bot's view of the chat platform: Login once, then read
// Messages and send through the REST methods.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	rest    *REST
	gateway *Gateway
}

// New creates a client. Nothing connects until Login.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Intents == 0 {
		cfg.Intents = DefaultIntents
	}
	return &Client{cfg: cfg, logger: logger}
}

// Login validates the token against the REST API and opens the
// gateway. The gateway keeps running until ctx is cancelled.
func (c *Client) Login(ctx context.Context, token string) error {
	rest := NewREST(c.cfg.APIURL, token, c.cfg.HTTPClient, c.logger)

	self, err := rest.Self(ctx)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	gwURL := c.cfg.GatewayURL
	if gwURL == "" {
		base, err := rest.GatewayURL(ctx)
		if err != nil {
			return fmt.Errorf("discover gateway: %w", err)
		}
		gwURL = base + "/?v=10&encoding=json"
	}

	gw := NewGateway(gwURL, token, c.cfg.Intents, c.logger)
	if err := gw.Open(ctx); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}

	c.mu.Lock()
	c.rest = rest
	c.gateway = gw
	c.mu.Unlock()

	c.logger.Info("logged in to Discord", "user", self.Username, "id", self.ID)
	return nil
}

// Messages returns the inbound message stream. Before Login it
// returns nil, which blocks forever on receive.
func (c *Client) Messages() <-chan Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gateway == nil {
		return nil
	}
	return c.gateway.Messages()
}

// SelfID returns the bot's own user ID.
func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gateway == nil {
		return ""
	}
	return c.gateway.SelfID()
}

// Channel resolves a channel ID.
func (c *Client) Channel(ctx context.Context, channelID string) (*Channel, error) {
	r, err := c.restClient()
	if err != nil {
		return nil, err
	}
	return r.Channel(ctx, channelID)
}

// Send posts text to a channel.
func (c *Client) Send(ctx context.Context, channelID, text string) (*Message, error) {
	r, err := c.restClient()
	if err != nil {
		return nil, err
	}
	return r.Send(ctx, channelID, text)
}

// Edit replaces a message's text.
func (c *Client) Edit(ctx context.Context, channelID, messageID, text string) (*Message, error) {
	r, err := c.restClient()
	if err != nil {
		return nil, err
	}
	return r.Edit(ctx, channelID, messageID, text)
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, channelID, messageID string) error {
	r, err := c.restClient()
	if err != nil {
		return err
	}
	return r.Delete(ctx, channelID, messageID)
}

// Pin pins a message.
func (c *Client) Pin(ctx context.Context, channelID, messageID string) error {
	r, err := c.restClient()
	if err != nil {
		return err
	}
	return r.Pin(ctx, channelID, messageID)
}

// Close drops the gateway connection.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gateway == nil {
		return nil
	}
	return c.gateway.Close()
}

func (c *Client) restClient() (*REST, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rest == nil {
		return nil, errNotLoggedIn
	}
	return c.rest, nil
}
