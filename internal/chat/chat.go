// Package chat is the bot's Discord transport: a gateway WebSocket for
// inbound messages and a REST client for everything the bot sends.
package chat

import (
	"errors"
	"fmt"
	"strings"
)

// MaxMessageLength is the longest message body Discord accepts.
const MaxMessageLength = 2000

// ErrNotFound is returned when a channel or message no longer exists.
var ErrNotFound = errors.New("chat: not found")

// Message types the bot cares about. Discord posts a type 6 system
// message with no content whenever the bot pins something.
const (
	MessageTypeDefault       = 0
	MessageTypeChannelPinned = 6
)

// Message is one chat message as seen by the bot.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Type      int    `json:"type"`
	Author    User   `json:"author"`
}

// User is a message author.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Channel is a resolved text channel.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GuildID string `json:"guild_id,omitempty"`
	Type    int    `json:"type"`
}

// Mention formats a user mention.
func Mention(userID string) string {
	return "<@" + userID + ">"
}

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}
