package presence

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/Philipp15b/go-steam/v3"
	"github.com/Philipp15b/go-steam/v3/protocol/steamlang"
	"github.com/Philipp15b/go-steam/v3/steamid"
)

// SteamTransport adapts a go-steam client to Transport.
//
// go-steam answers machine-auth updates itself and only surfaces the
// SHA-1 of the blob, so MachineAuthEvent from this transport carries
// Digest with no Artifact, and its Ack is a no-op.
//
// The acknowledgement reaches Steam before MachineAuthUpdateEvent is
// emitted. With this transport the sentry file is therefore written
// after the ack, not before it; a crash in between loses the new
// fingerprint and the next logon asks for a Steam Guard code again.
type SteamTransport struct {
	client *steam.Client
	events chan any
	logger *slog.Logger
	once   sync.Once
}

// NewSteamTransport creates an unconnected transport.
func NewSteamTransport(logger *slog.Logger) *SteamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SteamTransport{
		client: steam.NewClient(),
		events: make(chan any, 32),
		logger: logger,
	}
}

// Connect dials a Steam CM server. Success is reported asynchronously
// with a ConnectedEvent.
func (t *SteamTransport) Connect() error {
	t.once.Do(func() { go t.translate() })

	if err := steam.InitializeSteamDirectory(); err != nil {
		t.logger.Warn("steam directory unavailable, using built-in server list", "error", err)
	}
	addr, err := t.client.Connect()
	if err != nil {
		return err
	}
	t.logger.Debug("steam socket open", "server", addr.String())
	return nil
}

// Disconnect closes the connection.
func (t *SteamTransport) Disconnect() {
	t.client.Disconnect()
}

// Events returns translated events.
func (t *SteamTransport) Events() <-chan any {
	return t.events
}

// LogOn submits the logon.
func (t *SteamTransport) LogOn(d LogOnDetails) error {
	if d.Username == "" || d.Password == "" {
		return fmt.Errorf("steam logon requires username and password")
	}
	details := &steam.LogOnDetails{
		Username: d.Username,
		Password: d.Password,
		AuthCode: d.AuthCode,
	}
	if d.SentryHash != nil {
		details.SentryFileHash = steam.SentryHash(d.SentryHash)
	}
	t.client.Auth.LogOn(details)
	return nil
}

// SetPersonaState sets the online status.
func (t *SteamTransport) SetPersonaState(state PersonaState) {
	t.client.Social.SetPersonaState(steamlang.EPersonaState(state))
}

// SetPersonaName sets the display name.
func (t *SteamTransport) SetPersonaName(name string) {
	t.client.Social.SetPersonaName(name)
}

// SetGamesPlayed announces the apps the bot is "playing".
func (t *SteamTransport) SetGamesPlayed(appIDs ...uint64) {
	t.client.GC.SetGamesPlayed(appIDs...)
}

// AddFriend accepts a pending request or sends a new one.
func (t *SteamTransport) AddFriend(id string) error {
	sid, err := parseSteamID(id)
	if err != nil {
		return err
	}
	t.client.Social.AddFriend(sid)
	return nil
}

// SendMessage sends a chat message to a friend.
func (t *SteamTransport) SendMessage(id, text string) error {
	sid, err := parseSteamID(id)
	if err != nil {
		return err
	}
	t.client.Social.SendMessage(sid, steamlang.EChatEntryType_ChatMsg, text)
	return nil
}

// translate forwards go-steam events as presence events.
func (t *SteamTransport) translate() {
	for ev := range t.client.Events() {
		var out any
		switch e := ev.(type) {
		case *steam.ConnectedEvent:
			out = &ConnectedEvent{}
		case *steam.LoggedOnEvent:
			out = &LoggedOnEvent{Result: Result(e.Result)}
		case *steam.LogOnFailedEvent:
			out = &LoggedOnEvent{Result: Result(e.Result)}
		case *steam.MachineAuthUpdateEvent:
			// Already acknowledged by go-steam.
			out = &MachineAuthEvent{Digest: e.Hash, Ack: func() {}}
		case *steam.FriendStateEvent:
			if e.Relationship != steamlang.EFriendRelationship_RequestRecipient {
				continue
			}
			out = &FriendRequestEvent{SteamID: strconv.FormatUint(e.SteamId.ToUint64(), 10)}
		case *steam.DisconnectedEvent:
			out = &DisconnectedEvent{}
		case steam.FatalErrorEvent:
			out = &DisconnectedEvent{Err: e}
		default:
			continue
		}
		t.events <- out
	}
	close(t.events)
}

func parseSteamID(id string) (steamid.SteamId, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid steam id %q: %w", id, err)
	}
	return steamid.SteamId(n), nil
}
