package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/schedulebot/internal/store"
	"github.com/nugget/schedulebot/internal/verify"
)

// HandshakeError means Steam rejected the logon. It is fatal: the
// caller exits and restart policy is left to the supervisor.
type HandshakeError struct {
	Code Result
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("steam logon rejected: %s (%d)", e.Code, int32(e.Code))
}

// Store is the slice of the entity store the handshake reads.
type Store interface {
	SteamCredentials(ctx context.Context) (store.SteamCredentials, error)
	DeleteAuthCode(ctx context.Context) error
	LinkedSteamIDs(ctx context.Context) ([]string, error)
}

// Config configures the persona and verification the handshake sets up.
type Config struct {
	// PersonaName is the display name set after logon.
	PersonaName string

	// GameID is announced as the currently played app.
	GameID uint64

	// SentryPath is where the machine-auth fingerprint is cached.
	SentryPath string

	// ServiceLabel names the chat side in verification messages.
	ServiceLabel string

	// VerifyCommand is the chat command users post their code with.
	VerifyCommand string

	CodeTTL time.Duration
}

// Handshake stages as seen by Run. The event pump turns raw transport
// events into these so Run can await them in order.
type (
	outcome interface{ isOutcome() }

	// Connected means the transport is up and ready for logon.
	Connected struct{}

	// LoggedIn means Steam accepted the logon.
	LoggedIn struct{}

	// Failed ends the handshake. Code is set for a rejected logon; Err
	// for a dropped connection.
	Failed struct {
		Code Result
		Err  error
	}
)

func (Connected) isOutcome() {}
func (LoggedIn) isOutcome()  {}
func (Failed) isOutcome()    {}

// Sequencer runs the Steam logon once and then keeps the transport's
// event stream serviced: machine-auth updates are persisted and friend
// requests are handed to the verificator.
type Sequencer struct {
	transport Transport
	store     Store
	cfg       Config
	logger    *slog.Logger

	outcomes chan outcome
	verifier atomic.Pointer[verify.Verificator]
	started  atomic.Bool
	awaited  atomic.Bool
	settled  atomic.Bool // Await has returned; stages are no longer awaited
}

// NewSequencer creates a Sequencer. Await must be called at most once.
func NewSequencer(t Transport, s Store, cfg Config, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		transport: t,
		store:     s,
		cfg:       cfg,
		logger:    logger,
		outcomes:  make(chan outcome, 4),
	}
}

// Start services transport events until ctx ends. It returns at once;
// calls after the first do nothing.
func (s *Sequencer) Start(ctx context.Context) {
	if s.started.CompareAndSwap(false, true) {
		go s.pump(ctx)
	}
}

// Await logs in to Steam and returns the verificator. Credentials,
// linked accounts, the sentry file and the connection are fetched
// concurrently; logon starts once all four are in. Any failure, or ctx
// ending, aborts the handshake and drops the connection. Start must
// have been called.
func (s *Sequencer) Await(ctx context.Context) (*verify.Verificator, error) {
	if !s.awaited.CompareAndSwap(false, true) {
		return nil, errors.New("handshake already run")
	}
	defer s.settled.Store(true)

	v, err := s.run(ctx)
	if err != nil {
		s.transport.Disconnect()
		return nil, err
	}
	return v, nil
}

// Run is Start and Await on the same context.
func (s *Sequencer) Run(ctx context.Context) (*verify.Verificator, error) {
	s.Start(ctx)
	return s.Await(ctx)
}

func (s *Sequencer) run(ctx context.Context) (*verify.Verificator, error) {
	var (
		creds  store.SteamCredentials
		linked []string
		sentry []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if creds, err = s.store.SteamCredentials(gctx); err != nil {
			return fmt.Errorf("steam credentials: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if linked, err = s.store.LinkedSteamIDs(gctx); err != nil {
			return fmt.Errorf("linked accounts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		sentry, err = ReadSentry(s.cfg.SentryPath)
		return err
	})
	g.Go(func() error {
		s.logger.Info("connecting to steam")
		if err := s.transport.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		o, err := s.next(gctx)
		if err != nil {
			return err
		}
		if _, ok := o.(Connected); !ok {
			return fmt.Errorf("steam handshake: expected connect, got %T", o)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	details := LogOnDetails{
		Username:   creds.Username,
		Password:   creds.Password,
		SentryHash: sentry,
	}
	if creds.AuthCode != nil {
		details.AuthCode = *creds.AuthCode
	}

	s.logger.Info("logging in to steam",
		"account", creds.Username,
		"sentry", sentry != nil,
		"auth_code", details.AuthCode != "",
	)
	if err := s.transport.LogOn(details); err != nil {
		return nil, fmt.Errorf("logon: %w", err)
	}

	// The code was consumed by this logon whatever the result.
	if creds.AuthCode != nil {
		if err := s.store.DeleteAuthCode(ctx); err != nil {
			s.logger.Warn("failed to delete one-time auth code", "error", err)
		}
	}

	o, err := s.next(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := o.(LoggedIn); !ok {
		return nil, fmt.Errorf("steam handshake: expected logon response, got %T", o)
	}

	s.transport.SetPersonaState(PersonaOnline)
	s.transport.SetPersonaName(s.cfg.PersonaName)
	s.transport.SetGamesPlayed(s.cfg.GameID)

	v := verify.New(s.transport, verify.Config{
		Trigger:      verify.TriggerFriendRequest,
		ServiceLabel: s.cfg.ServiceLabel,
		Command:      s.cfg.VerifyCommand,
		Ignore:       linked,
		CodeTTL:      s.cfg.CodeTTL,
	}, s.logger.With("component", "verify"))
	s.verifier.Store(v)

	s.logger.Info("steam logon complete",
		"persona", s.cfg.PersonaName,
		"game_id", s.cfg.GameID,
		"linked_accounts", len(linked),
	)
	return v, nil
}

// next blocks until the pump reports the next stage. A Failed stage
// becomes an error.
func (s *Sequencer) next(ctx context.Context) (outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case got := <-s.outcomes:
		if f, ok := got.(Failed); ok {
			if f.Err != nil {
				return nil, fmt.Errorf("steam handshake: %w", f.Err)
			}
			return nil, &HandshakeError{Code: f.Code}
		}
		return got, nil
	}
}

// pump services transport events for the life of ctx.
func (s *Sequencer) pump(ctx context.Context) {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.emit(ctx, Failed{Err: errors.New("event stream closed")})
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Sequencer) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *ConnectedEvent:
		s.emit(ctx, Connected{})

	case *LoggedOnEvent:
		if e.Result == ResultOK {
			s.emit(ctx, LoggedIn{})
		} else {
			s.emit(ctx, Failed{Code: e.Result})
		}

	case *MachineAuthEvent:
		s.persistMachineAuth(e)

	case *FriendRequestEvent:
		v := s.verifier.Load()
		if v == nil {
			s.logger.Debug("friend request before logon completed", "steam_id", e.SteamID)
			return
		}
		if err := v.HandleFriendRequest(e.SteamID); err != nil {
			s.logger.Warn("verification failed", "steam_id", e.SteamID, "error", err)
		}

	case *DisconnectedEvent:
		if s.verifier.Load() == nil {
			err := errors.New("disconnected")
			if e.Err != nil {
				err = fmt.Errorf("disconnected: %w", e.Err)
			}
			s.emit(ctx, Failed{Err: err})
			return
		}
		s.logger.Warn("steam connection lost", "error", e.Err)

	default:
		s.logger.Debug("unhandled steam event", "type", fmt.Sprintf("%T", ev))
	}
}

// persistMachineAuth writes the fingerprint and only then acknowledges
// the update. When the write fails the ack is withheld.
func (s *Sequencer) persistMachineAuth(e *MachineAuthEvent) {
	fp := e.Digest
	if e.Artifact != nil {
		fp = Fingerprint(e.Artifact)
	}
	if len(fp) == 0 {
		s.logger.Warn("machine auth update carried no artifact")
		return
	}

	if err := WriteSentry(s.cfg.SentryPath, fp); err != nil {
		s.logger.Error("failed to persist machine auth", "path", s.cfg.SentryPath, "error", err)
		return
	}
	if e.Ack != nil {
		e.Ack()
	}
	s.logger.Info("machine auth updated", "path", s.cfg.SentryPath)
}

func (s *Sequencer) emit(ctx context.Context, o outcome) {
	if s.settled.Load() {
		s.logger.Debug("steam event after handshake", "stage", fmt.Sprintf("%T", o))
		return
	}
	select {
	case s.outcomes <- o:
	case <-ctx.Done():
	}
}

// Verifier returns the verificator once Run has succeeded.
func (s *Sequencer) Verifier() *verify.Verificator {
	return s.verifier.Load()
}
