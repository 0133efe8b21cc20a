// Package bootstrap brings the bot up in dependency order: secrets,
// access lists, command sets and the Steam handshake are gathered
// concurrently, and only when all of them succeed does the bot log in
// to chat, populate the routing state, and start its loops.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/schedulebot/internal/acl"
	"github.com/nugget/schedulebot/internal/chat"
	"github.com/nugget/schedulebot/internal/commands"
	"github.com/nugget/schedulebot/internal/router"
	"github.com/nugget/schedulebot/internal/verify"
)

// Stage names the bootstrap step that failed.
type Stage string

const (
	StageToken     Stage = "token"
	StageAdmins    Stage = "admins"
	StageBlacklist Stage = "blacklist"
	StageCommands  Stage = "commands"
	StageHandshake Stage = "handshake"
	StageLogin     Stage = "login"
	StageChannel   Stage = "channel"
	StagePopulate  Stage = "populate"
)

// Error is a fatal startup failure. The bot never accepts messages
// after one.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrChatClosed is returned by Bot.Wait when the chat transport stops
// delivering messages for good.
var ErrChatClosed = errors.New("chat message stream closed")

// Store is the slice of the entity store bootstrap reads.
type Store interface {
	Token(ctx context.Context) (string, error)
	Admins(ctx context.Context) ([]string, error)
	Blacklist(ctx context.Context) ([]string, error)
}

// Chat is the chat client: login and channel lookup plus everything the
// router drives.
type Chat interface {
	router.Transport
	Login(ctx context.Context, token string) error
	Channel(ctx context.Context, channelID string) (*chat.Channel, error)
}

// Handshake logs in to the presence network and yields the
// verification handle. Start keeps the network's events serviced for
// the life of its context; Await returns once logon completes, fails,
// or its context ends.
type Handshake interface {
	Start(ctx context.Context)
	Await(ctx context.Context) (*verify.Verificator, error)
}

// Runner is a background loop bound to ctx.
type Runner interface {
	Run(ctx context.Context)
}

// Commands describes the two command surfaces.
type Commands struct {
	Name        string
	Prefix      string
	AdminPrefix string
	AdminDesc   string
}

// Config wires the collaborators.
type Config struct {
	Store     Store
	Chat      Chat
	Handshake Handshake
	State     *router.State

	Commands Commands

	// Router is the router configuration. Public and Admin are filled
	// in from the loaded command sets.
	Router router.Config

	// Reconcile is started once the state is populated. Optional.
	Reconcile Runner

	Logger *slog.Logger
}

// Bot is a started bot.
type Bot struct {
	State    *router.State
	Router   *router.Router
	Verifier *verify.Verificator
	Channel  *chat.Channel

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Wait blocks until the router and reconciliation loop have stopped.
// A cancelled context is a clean stop and returns nil.
func (b *Bot) Wait() error {
	err := b.group.Wait()
	b.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the bot's loops and waits for them.
func (b *Bot) Stop() error {
	b.cancel()
	return b.Wait()
}

// Run bootstraps the bot. On success the router is reading messages and
// the reconciliation loop is running, both until ctx is cancelled or
// Bot.Stop is called. Any failure is returned as an *Error.
func Run(ctx context.Context, cfg Config) (*Bot, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	state := cfg.State
	if state == nil {
		state = router.NewState()
	}

	var (
		token          string
		admins, banned []string
		public, admin  *commands.Set
		verifier       *verify.Verificator
	)

	// Presence events keep flowing after bootstrap, so the event pump
	// runs on ctx; only the wait for logon is tied to the group.
	cfg.Handshake.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if token, err = cfg.Store.Token(gctx); err != nil {
			return &Error{Stage: StageToken, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if admins, err = cfg.Store.Admins(gctx); err != nil {
			return &Error{Stage: StageAdmins, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if banned, err = cfg.Store.Blacklist(gctx); err != nil {
			return &Error{Stage: StageBlacklist, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if public, admin, err = LoadCommands(cfg.Commands); err != nil {
			return &Error{Stage: StageCommands, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if verifier, err = cfg.Handshake.Await(gctx); err != nil {
			return &Error{Stage: StageHandshake, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("bootstrap prerequisites ready",
		"admins", len(admins),
		"blacklisted", len(banned),
		"commands", len(public.Commands())+len(admin.Commands()),
	)

	rcfg := cfg.Router
	rcfg.Public = public
	rcfg.Admin = admin
	r := router.New(cfg.Chat, state, rcfg, logger.With("component", "router"))

	if err := cfg.Chat.Login(ctx, token); err != nil {
		return nil, &Error{Stage: StageLogin, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group := &errgroup.Group{}
	bot := &Bot{
		State:    state,
		Router:   r,
		Verifier: verifier,
		cancel:   cancel,
		group:    group,
	}

	// Reading starts now; anything that arrives before Populate is
	// dropped by the router.
	group.Go(func() error {
		if err := r.Run(runCtx); err != nil {
			return err
		}
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		cancel()
		return ErrChatClosed
	})

	ch, err := cfg.Chat.Channel(ctx, rcfg.ChannelID)
	if err != nil {
		bot.Stop()
		return nil, &Error{Stage: StageChannel, Err: err}
	}
	bot.Channel = ch

	if err := state.Populate(token, acl.NewSet(admins...), acl.NewSet(banned...)); err != nil {
		bot.Stop()
		return nil, &Error{Stage: StagePopulate, Err: err}
	}
	state.SetVerifier(verifier)

	if cfg.Reconcile != nil {
		group.Go(func() error {
			cfg.Reconcile.Run(runCtx)
			return nil
		})
	}

	logger.Info("bot ready", "channel", ch.Name, "channel_id", ch.ID)
	return bot, nil
}

// LoadCommands builds the public and admin command sets.
func LoadCommands(c Commands) (public, admin *commands.Set, err error) {
	public, err = commands.NewSet(c.Name, c.Prefix, "", commands.General()...)
	if err != nil {
		return nil, nil, err
	}
	admin, err = commands.NewSet(c.Name+" admin", c.AdminPrefix, c.AdminDesc, commands.Admin()...)
	if err != nil {
		return nil, nil, err
	}
	if err := commands.ValidatePrefixes(public, admin); err != nil {
		return nil, nil, err
	}
	return public, admin, nil
}
