// Package router classifies every inbound chat message and decides what
// happens to it: command dispatch, a permission denial, a redirect
// notice, cleanup of pin artifacts, or nothing.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/schedulebot/internal/chat"
	"github.com/nugget/schedulebot/internal/commands"
)

// Notices sent instead of running a command.
const (
	BlacklistDenial = "Sorry, you are blacklisted and can't use any commands."
	AdminDenial     = "Yo, this is top secret! You need to be a bot admin to access this."
	RedirectNotice  = "No fun allowed in here! Sorry, this channel is only for sending commands to me. Please talk in another channel."
)

// Defaults for zero Config fields.
const (
	DefaultHandlerTimeout    = 5 * time.Minute
	DefaultDenialDeleteAfter = 7500 * time.Millisecond
	DefaultMaxAuditLog       = 100
)

// Transport is the slice of the chat client the router drives.
type Transport interface {
	Messages() <-chan chat.Message
	SelfID() string
	Send(ctx context.Context, channelID, text string) (*chat.Message, error)
	Delete(ctx context.Context, channelID, messageID string) error
}

// Route is the branch a message took.
type Route string

const (
	RouteNotReady        Route = "not_ready"
	RouteIgnored         Route = "ignored"
	RoutePublic          Route = "public"
	RouteAdmin           Route = "admin"
	RouteDeniedBlacklist Route = "denied_blacklist"
	RouteDeniedAdmin     Route = "denied_admin"
	RouteRedirect        Route = "redirect"
	RoutePinCleanup      Route = "pin_cleanup"
	RouteNone            Route = "none"
)

// Decision records how one message was routed.
type Decision struct {
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	Timestamp time.Time `json:"timestamp"`
	Route     Route     `json:"route"`
	Error     string    `json:"error,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalMessages  int64           `json:"total_messages"`
	RouteCounts    map[Route]int64 `json:"route_counts"`
	DispatchErrors int64           `json:"dispatch_errors"`
}

// Config configures a Router.
type Config struct {
	// ChannelID is the only channel the router acts in.
	ChannelID string

	Public *commands.Set
	Admin  *commands.Set

	// DisallowTalking answers non-command chatter with a redirect notice.
	DisallowTalking bool

	// DeleteAfterReply removes command messages and their replies after
	// ReplyDeleteAfter.
	DeleteAfterReply bool
	ReplyDeleteAfter time.Duration

	// DenialDeleteAfter removes denials, redirects, and the messages
	// that caused them.
	DenialDeleteAfter time.Duration

	// HandlerTimeout bounds a single command handler.
	HandlerTimeout time.Duration

	Store     commands.Store
	Summaries commands.Summaries
	Location  *time.Location

	MaxAuditLog int

	// OnDecision, when set, is called with every decision after it is
	// recorded. It runs on the routing goroutine and must not block.
	OnDecision func(Decision)
}

// Router is the message state machine.
type Router struct {
	transport Transport
	state     *State
	cfg       Config
	logger    *slog.Logger

	pending sync.WaitGroup // reply and deletion goroutines

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// New creates a Router.
func New(t Transport, state *State, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.DenialDeleteAfter <= 0 {
		cfg.DenialDeleteAfter = DefaultDenialDeleteAfter
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = DefaultMaxAuditLog
	}
	return &Router{
		transport: t,
		state:     state,
		cfg:       cfg,
		logger:    logger,
		auditLog:  make([]Decision, 0, cfg.MaxAuditLog),
		stats:     Stats{RouteCounts: make(map[Route]int64)},
	}
}

// Run routes messages in arrival order until ctx is cancelled or the
// transport closes its stream. Outstanding replies and deletions are
// waited for before it returns.
func (r *Router) Run(ctx context.Context) error {
	defer r.pending.Wait()

	msgs := r.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.Handle(ctx, msg)
		}
	}
}

// Handle evaluates one message. Classification, the permission check,
// and the command handler run before Handle returns, as does adoption
// of any access lists the handler hands back. Replies and deletions
// continue in the background.
func (r *Router) Handle(ctx context.Context, msg chat.Message) Decision {
	d := Decision{
		MessageID: msg.ID,
		AuthorID:  msg.Author.ID,
		Timestamp: time.Now(),
	}
	d.Route, d.Error = r.route(ctx, msg)
	r.recordDecision(d)
	if r.cfg.OnDecision != nil {
		r.cfg.OnDecision(d)
	}
	return d
}

func (r *Router) route(ctx context.Context, msg chat.Message) (Route, string) {
	if !r.state.Ready() {
		r.logger.Debug("message dropped before ready", "message_id", msg.ID, "channel_id", msg.ChannelID)
		return RouteNotReady, ""
	}
	if msg.ChannelID != r.cfg.ChannelID {
		return RouteIgnored, ""
	}

	access := r.state.Access()
	selfID := r.transport.SelfID()
	author := msg.Author.ID

	switch {
	case r.cfg.Public.Matches(msg.Content):
		if access.Blacklist.Has(author) {
			r.deny(ctx, msg, BlacklistDenial)
			return RouteDeniedBlacklist, ""
		}
		env := r.env()
		env.Verifier = r.verifier()
		return RoutePublic, r.dispatch(ctx, r.cfg.Public, msg, env)

	case r.cfg.Admin.Matches(msg.Content):
		if !access.Admins.Has(author) {
			r.deny(ctx, msg, AdminDenial)
			return RouteDeniedAdmin, ""
		}
		env := r.env()
		env.Admins = access.Admins
		env.Blacklist = access.Blacklist
		return RouteAdmin, r.dispatch(ctx, r.cfg.Admin, msg, env)

	case r.cfg.DisallowTalking && author != selfID:
		r.logger.Debug("redirecting chatter", "author_id", author, "message_id", msg.ID)
		r.sendNotice(ctx, msg, RedirectNotice)
		return RouteRedirect, ""

	case author == selfID && msg.Content == "":
		r.deleteAfter(ctx, msg.ChannelID, msg.ID, 0)
		return RoutePinCleanup, ""
	}
	return RouteNone, ""
}

func (r *Router) env() commands.Env {
	return commands.Env{
		Store:     r.cfg.Store,
		Summaries: r.cfg.Summaries,
		Location:  r.cfg.Location,
		Logger:    r.logger,
	}
}

// verifier avoids handing commands a typed nil.
func (r *Router) verifier() commands.Verifier {
	if v := r.state.Verifier(); v != nil {
		return v
	}
	return nil
}

// dispatch runs the handler and returns an error string for the audit
// log, empty on success.
func (r *Router) dispatch(ctx context.Context, set *commands.Set, msg chat.Message, env commands.Env) string {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	reply, err := set.Dispatch(hctx, msg, env)
	if err != nil {
		r.logger.Error("command dispatch failed",
			"set", set.Name,
			"author_id", msg.Author.ID,
			"message_id", msg.ID,
			"error", err,
		)
		r.mu.Lock()
		r.stats.DispatchErrors++
		r.mu.Unlock()
		return err.Error()
	}
	r.logger.Debug("command dispatched",
		"set", set.Name,
		"author_id", msg.Author.ID,
		"blocks", len(reply.Blocks),
		"elapsed", time.Since(start),
	)

	if reply.Admins != nil {
		r.state.SetAdmins(*reply.Admins)
		r.logger.Info("admin list updated", "by", msg.Author.ID, "count", reply.Admins.Len())
	}
	if reply.Blacklist != nil {
		r.state.SetBlacklist(*reply.Blacklist)
		r.logger.Info("blacklist updated", "by", msg.Author.ID, "count", reply.Blacklist.Len())
	}

	r.sendReply(ctx, msg, reply.Blocks)
	return ""
}

// sendReply delivers blocks in order, mentioning the author in the
// first, and schedules deletions when configured.
func (r *Router) sendReply(ctx context.Context, msg chat.Message, blocks []string) {
	if r.cfg.DeleteAfterReply {
		r.deleteAfter(ctx, msg.ChannelID, msg.ID, r.cfg.ReplyDeleteAfter)
	}
	if len(blocks) == 0 {
		return
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		for i, block := range blocks {
			text := block
			if i == 0 {
				text = chat.Mention(msg.Author.ID) + " " + block
			}
			sent, err := r.transport.Send(ctx, msg.ChannelID, text)
			if err != nil {
				r.logger.Error("reply send failed", "message_id", msg.ID, "block", i, "error", err)
				return
			}
			if r.cfg.DeleteAfterReply {
				r.deleteAfter(ctx, sent.ChannelID, sent.ID, r.cfg.ReplyDeleteAfter)
			}
		}
	}()
}

func (r *Router) deny(ctx context.Context, msg chat.Message, notice string) {
	r.logger.Info("permission denied", "author_id", msg.Author.ID, "message_id", msg.ID, "notice", notice)
	r.sendNotice(ctx, msg, notice)
}

// sendNotice replies with notice and removes both messages after the
// denial delay.
func (r *Router) sendNotice(ctx context.Context, msg chat.Message, notice string) {
	r.deleteAfter(ctx, msg.ChannelID, msg.ID, r.cfg.DenialDeleteAfter)

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		sent, err := r.transport.Send(ctx, msg.ChannelID, chat.Mention(msg.Author.ID)+" "+notice)
		if err != nil {
			r.logger.Error("notice send failed", "message_id", msg.ID, "error", err)
			return
		}
		r.deleteAfter(ctx, sent.ChannelID, sent.ID, r.cfg.DenialDeleteAfter)
	}()
}

// deleteAfter removes a message after d. Failures are logged and
// otherwise ignored. Pending deletions are abandoned on shutdown.
func (r *Router) deleteAfter(ctx context.Context, channelID, messageID string, d time.Duration) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		if err := r.transport.Delete(ctx, channelID, messageID); err != nil {
			r.logger.Warn("message delete failed", "channel_id", channelID, "message_id", messageID, "error", err)
		}
	}()
}

// Wait blocks until every reply and deletion started so far has
// finished.
func (r *Router) Wait() {
	r.pending.Wait()
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalMessages++
	r.stats.RouteCounts[d.Route]++

	if len(r.auditLog) >= r.cfg.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)
}

// GetAuditLog returns the most recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	result := make([]Decision, limit)
	copy(result, r.auditLog[len(r.auditLog)-limit:])
	return result
}

// GetStats returns routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Route]int64, len(r.stats.RouteCounts))
	for k, v := range r.stats.RouteCounts {
		counts[k] = v
	}
	return Stats{
		TotalMessages:  r.stats.TotalMessages,
		RouteCounts:    counts,
		DispatchErrors: r.stats.DispatchErrors,
	}
}
