// Package presence logs the bot in to the Steam network and hands back
// the verification subsystem that links Steam accounts to chat users.
package presence

import "fmt"

// Result is a Steam EResult code from a logon response.
type Result int32

// Logon results worth naming in logs. Anything other than ResultOK
// aborts the handshake.
const (
	ResultOK                              Result = 1
	ResultFail                            Result = 2
	ResultInvalidPassword                 Result = 5
	ResultAccountLogonDenied              Result = 63
	ResultInvalidLoginAuthCode            Result = 65
	ResultRateLimitExceeded               Result = 84
	ResultAccountLoginDeniedNeedTwoFactor Result = 85
)

var resultNames = map[Result]string{
	ResultOK:                              "OK",
	ResultFail:                            "Fail",
	ResultInvalidPassword:                 "InvalidPassword",
	ResultAccountLogonDenied:              "AccountLogonDenied",
	ResultInvalidLoginAuthCode:            "InvalidLoginAuthCode",
	ResultRateLimitExceeded:               "RateLimitExceeded",
	ResultAccountLoginDeniedNeedTwoFactor: "AccountLoginDeniedNeedTwoFactor",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int32(r))
}

// PersonaState is the online status shown to friends.
type PersonaState int

const (
	PersonaOffline PersonaState = 0
	PersonaOnline  PersonaState = 1
)

// LogOnDetails is what the bot submits at logon. AuthCode is the
// one-time Steam Guard code, empty when none is pending. SentryHash is
// the cached machine-auth fingerprint, nil on first logon.
type LogOnDetails struct {
	Username   string
	Password   string
	AuthCode   string
	SentryHash []byte
}

// Events delivered on Transport.Events.
type (
	// ConnectedEvent fires once the network connection is up.
	ConnectedEvent struct{}

	// LoggedOnEvent carries the logon response.
	LoggedOnEvent struct {
		Result Result
	}

	// MachineAuthEvent asks for a new machine-auth artifact to be
	// persisted. Artifact is the raw blob when the transport exposes
	// it; Digest is its SHA-1 when the transport only hands out the
	// hash. Ack must be called once the fingerprint is durable.
	MachineAuthEvent struct {
		Artifact []byte
		Digest   []byte
		Ack      func()
	}

	// FriendRequestEvent fires when someone adds the bot as a friend.
	FriendRequestEvent struct {
		SteamID string
	}

	// DisconnectedEvent fires when the connection drops.
	DisconnectedEvent struct {
		Err error
	}
)

// Transport is the presence-network client the handshake drives.
type Transport interface {
	Connect() error
	Disconnect()
	Events() <-chan any
	LogOn(details LogOnDetails) error
	SetPersonaState(state PersonaState)
	SetPersonaName(name string)
	SetGamesPlayed(appIDs ...uint64)
	AddFriend(steamID string) error
	SendMessage(steamID, text string) error
}
