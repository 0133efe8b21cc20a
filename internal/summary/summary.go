// Package summary keeps each active event's pinned summary message in
// the master channel up to date.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/schedulebot/internal/chat"
	"github.com/nugget/schedulebot/internal/store"
)

// maxListed caps how many attendees are named per status so a summary
// always fits in one message.
const maxListed = 35

// Chat is the slice of the chat client a Refresher needs.
type Chat interface {
	Send(ctx context.Context, channelID, text string) (*chat.Message, error)
	Edit(ctx context.Context, channelID, messageID, text string) (*chat.Message, error)
	Pin(ctx context.Context, channelID, messageID string) error
	Delete(ctx context.Context, channelID, messageID string) error
}

// Store is the slice of the entity store a Refresher needs.
type Store interface {
	Attendees(ctx context.Context, eventID int64) ([]store.Attendee, error)
	SummaryMessageID(ctx context.Context, id int64) (string, error)
	SwapSummaryMessage(ctx context.Context, id int64, old, messageID string) (string, bool, error)
}

// Config configures a Refresher.
type Config struct {
	ChannelID string
	Prefix    string // public command prefix, shown in the sign-up hint
	Location  *time.Location
}

// Refresher renders event summaries and pushes them to the channel. The
// store is the only record of which message holds a summary, and a new
// one is recorded with a compare-and-set, so concurrent refreshes of one
// event leave a single pinned summary.
type Refresher struct {
	chat   Chat
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Refresher.
func New(c Chat, s Store, cfg Config, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Refresher{chat: c, store: s, cfg: cfg, logger: logger}
}

// UpdateSummary renders ev and edits its summary message in place. When
// the event has no summary yet, or the old one was deleted, a new
// message is posted, recorded, and pinned. The summary message ID is
// read from the store; ev.SummaryMessageID may be stale and is ignored.
func (r *Refresher) UpdateSummary(ctx context.Context, ev *store.Event) error {
	attendees, err := r.store.Attendees(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("summary for event %d: %w", ev.ID, err)
	}
	text := Render(ev, attendees, r.cfg.Location, r.cfg.Prefix)

	current, err := r.store.SummaryMessageID(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("summary for event %d: %w", ev.ID, err)
	}
	if current != "" {
		if edited, err := r.edit(ctx, ev.ID, current, text); edited || err != nil {
			return err
		}
	}

	msg, err := r.chat.Send(ctx, r.cfg.ChannelID, text)
	if err != nil {
		return fmt.Errorf("post summary for event %d: %w", ev.ID, err)
	}
	stored, swapped, err := r.store.SwapSummaryMessage(ctx, ev.ID, current, msg.ID)
	if err != nil {
		return fmt.Errorf("record summary for event %d: %w", ev.ID, err)
	}

	if !swapped {
		// Another refresh recorded its post first; keep that one.
		r.logger.Debug("summary posted concurrently, withdrawing duplicate",
			"event_id", ev.ID, "message_id", msg.ID, "kept", stored)
		if err := r.chat.Delete(ctx, r.cfg.ChannelID, msg.ID); err != nil {
			r.logger.Warn("delete duplicate summary failed", "event_id", ev.ID, "message_id", msg.ID, "error", err)
		}
		_, err = r.edit(ctx, ev.ID, stored, text)
		return err
	}

	if err := r.chat.Pin(ctx, r.cfg.ChannelID, msg.ID); err != nil {
		r.logger.Warn("pin summary failed", "event_id", ev.ID, "message_id", msg.ID, "error", err)
	}
	r.logger.Debug("summary posted", "event_id", ev.ID, "message_id", msg.ID)
	return nil
}

// edit rewrites an existing summary. It reports false with no error when
// the message no longer exists.
func (r *Refresher) edit(ctx context.Context, eventID int64, messageID, text string) (bool, error) {
	_, err := r.chat.Edit(ctx, r.cfg.ChannelID, messageID, text)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return false, fmt.Errorf("edit summary for event %d: %w", eventID, err)
	}
	r.logger.Info("summary message gone, posting a new one",
		"event_id", eventID, "message_id", messageID)
	return false, nil
}

// Render formats the summary text for an event. It is a pure function
// of its arguments.
func Render(ev *store.Event, attendees []store.Attendee, loc *time.Location, prefix string) string {
	if loc == nil {
		loc = time.UTC
	}

	var going, notGoing []string
	for _, a := range attendees {
		switch a.Status {
		case store.StatusConfirmed:
			going = append(going, a.DiscordID)
		case store.StatusDeclined:
			notGoing = append(notGoing, a.DiscordID)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**#%d %s**\n", ev.ID, ev.Name)
	fmt.Fprintf(&b, "Starts %s\n", ev.StartsAt.In(loc).Format("Monday, January 2 at 15:04 MST"))
	writeGroup(&b, "Going", going)
	writeGroup(&b, "Not going", notGoing)
	if prefix != "" {
		fmt.Fprintf(&b, "`%s join %d` to sign up, `%s leave %d` to drop out.", prefix, ev.ID, prefix, ev.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeGroup(b *strings.Builder, label string, ids []string) {
	fmt.Fprintf(b, "%s (%d): ", label, len(ids))
	if len(ids) == 0 {
		b.WriteString("nobody yet\n")
		return
	}

	shown := ids
	if len(shown) > maxListed {
		shown = shown[:maxListed]
	}
	for i, id := range shown {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(chat.Mention(id))
	}
	if extra := len(ids) - len(shown); extra > 0 {
		fmt.Fprintf(b, " and %d more", extra)
	}
	b.WriteString("\n")
}
