// Package verify links Steam accounts to chat users. When a Steam user
// adds the bot as a friend, the bot accepts and messages back a short
// code; the user proves they own the chat account by posting that code
// through the link command.
package verify

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCodeTTL is how long an issued code stays redeemable.
const DefaultCodeTTL = 30 * time.Minute

const codeLength = 6

// ErrUnknownCode is returned by Verify for codes that were never issued,
// were already used, or have expired.
var ErrUnknownCode = errors.New("unknown or expired verification code")

// Trigger decides which presence events start a verification.
type Trigger int

const (
	// TriggerNever issues no codes.
	TriggerNever Trigger = iota
	// TriggerFriendRequest issues a code on every inbound friend request.
	TriggerFriendRequest
)

// Messenger is the slice of the presence client the verificator needs.
type Messenger interface {
	AddFriend(steamID string) error
	SendMessage(steamID, text string) error
}

// Config configures a Verificator.
type Config struct {
	Trigger Trigger

	// ServiceLabel names the chat side in messages sent to Steam users,
	// e.g. "Discord's ScheduleBot".
	ServiceLabel string

	// Command is what the user types in chat, followed by the code.
	Command string

	// Ignore lists Steam IDs that already completed verification.
	Ignore []string

	CodeTTL time.Duration

	// Now overrides time.Now in tests.
	Now func() time.Time
}

type pending struct {
	steamID string
	expires time.Time
}

// Verificator issues and redeems verification codes. It is safe for
// concurrent use.
type Verificator struct {
	messenger Messenger
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	ignore map[string]struct{}
	codes  map[string]pending
}

// New creates a Verificator.
func New(m Messenger, cfg Config, logger *slog.Logger) *Verificator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ignore := make(map[string]struct{}, len(cfg.Ignore))
	for _, id := range cfg.Ignore {
		ignore[id] = struct{}{}
	}

	return &Verificator{
		messenger: m,
		cfg:       cfg,
		logger:    logger,
		ignore:    ignore,
		codes:     make(map[string]pending),
	}
}

// HandleFriendRequest accepts a friend request and sends the requester
// a fresh code. Requests from already-linked accounts are ignored.
func (v *Verificator) HandleFriendRequest(steamID string) error {
	if v.cfg.Trigger != TriggerFriendRequest {
		return nil
	}
	if v.Ignored(steamID) {
		v.logger.Debug("ignoring friend request from linked account", "steam_id", steamID)
		return nil
	}

	if err := v.messenger.AddFriend(steamID); err != nil {
		return fmt.Errorf("accept friend request from %s: %w", steamID, err)
	}

	code := v.issue(steamID)

	text := fmt.Sprintf("Hi! To link this Steam account with %s, type %q in the bot channel. The code expires in %s.",
		v.cfg.ServiceLabel, strings.TrimSpace(v.cfg.Command+" "+code), v.cfg.CodeTTL)
	if err := v.messenger.SendMessage(steamID, text); err != nil {
		return fmt.Errorf("send code to %s: %w", steamID, err)
	}

	v.logger.Info("verification code issued", "steam_id", steamID)
	return nil
}

// Verify redeems a code and returns the Steam ID it was issued to. A
// code works once.
func (v *Verificator) Verify(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.codes[code]
	if !ok {
		return "", ErrUnknownCode
	}
	delete(v.codes, code)
	if v.cfg.Now().After(p.expires) {
		return "", ErrUnknownCode
	}
	return p.steamID, nil
}

// Ignore stops future friend requests from steamID triggering codes.
func (v *Verificator) Ignore(steamID string) {
	v.mu.Lock()
	v.ignore[steamID] = struct{}{}
	v.mu.Unlock()
}

// Ignored reports whether steamID is exempt from verification.
func (v *Verificator) Ignored(steamID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.ignore[steamID]
	return ok
}

// Pending returns the number of unexpired codes outstanding.
func (v *Verificator) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked()
	return len(v.codes)
}

// issue generates a code for steamID, replacing any earlier one.
func (v *Verificator) issue(steamID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.pruneLocked()
	for c, p := range v.codes {
		if p.steamID == steamID {
			delete(v.codes, c)
		}
	}

	var code string
	for {
		code = newCode()
		if _, taken := v.codes[code]; !taken {
			break
		}
	}
	v.codes[code] = pending{steamID: steamID, expires: v.cfg.Now().Add(v.cfg.CodeTTL)}
	return code
}

func (v *Verificator) pruneLocked() {
	now := v.cfg.Now()
	for c, p := range v.codes {
		if now.After(p.expires) {
			delete(v.codes, c)
		}
	}
}

func newCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:codeLength])
}
