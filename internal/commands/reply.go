package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/schedulebot/internal/acl"
	"github.com/nugget/schedulebot/internal/chat"
	"github.com/nugget/schedulebot/internal/store"
)

// blockLimit leaves room for the author mention the router prepends.
const blockLimit = chat.MaxMessageLength - 64

// Reply is what a handler hands back to the router. Blocks are sent as
// separate messages in order. Admin handlers that change an access list
// return the complete new list; nil means unchanged.
type Reply struct {
	Blocks    []string
	Admins    *acl.Set
	Blacklist *acl.Set
}

// Text builds a reply from text, split to fit the transport limit.
func Text(text string) Reply {
	return Reply{Blocks: Split(text, blockLimit)}
}

// Store is the part of the entity store commands mutate.
type Store interface {
	CreateEvent(ctx context.Context, ev *store.Event) error
	GetEvent(ctx context.Context, id int64) (*store.Event, error)
	ActiveEvents(ctx context.Context) ([]*store.Event, error)
	DeactivateEvent(ctx context.Context, id int64) error
	SetAttendance(ctx context.Context, eventID int64, discordID string, status store.Status) error
	Attendees(ctx context.Context, eventID int64) ([]store.Attendee, error)
	LinkUser(ctx context.Context, discordID, steamID string) error
	AddAdmin(ctx context.Context, discordID string) error
	RemoveAdmin(ctx context.Context, discordID string) error
	AddToBlacklist(ctx context.Context, discordID string) error
	RemoveFromBlacklist(ctx context.Context, discordID string) error
}

// Summaries refreshes an event's pinned summary. It is the handle the
// reconciliation loop uses, shared so commands can refresh right away.
type Summaries interface {
	UpdateSummary(ctx context.Context, ev *store.Event) error
}

// Verifier redeems Steam verification codes.
type Verifier interface {
	Verify(code string) (string, error)
	Ignore(steamID string)
}

// Env is the context bundle handed to every invocation. Verifier is set
// on the public surface only; Admins and Blacklist on the admin surface.
type Env struct {
	Store     Store
	Summaries Summaries
	Verifier  Verifier

	Admins    acl.Set
	Blacklist acl.Set

	Location *time.Location
	Now      func() time.Time

	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// ErrUnterminatedQuote is returned by Tokenize for an odd number of quotes.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// Tokenize splits s on whitespace. Double quotes group words into one
// token and are removed.
func Tokenize(s string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
		inToken bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			inToken = true
		case unicode.IsSpace(r) && !inQuote:
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inQuote {
		return nil, ErrUnterminatedQuote
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// Split breaks text into blocks of at most limit bytes, preferring line
// boundaries. Lines longer than limit are cut at rune boundaries.
func Split(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var (
		blocks []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			blocks = append(blocks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			blocks = append(blocks, line[:cut])
			line = line[cut:]
		}
		if cur.Len()+len(line) > limit {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return blocks
}

// ParseUserID accepts a raw snowflake or a mention (<@id> or <@!id>).
func ParseUserID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimPrefix(strings.TrimSuffix(s[2:], ">"), "!")
	}
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}
