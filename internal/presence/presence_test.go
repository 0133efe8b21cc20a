package presence

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/schedulebot/internal/store"
)

// fakeTransport acknowledges Connect with a ConnectedEvent and answers
// LogOn with a LoggedOnEvent carrying result. A silent transport never
// reports the connection.
type fakeTransport struct {
	events     chan any
	connectErr error
	result     Result
	silent     bool

	connected     atomic.Bool
	logonTooEarly atomic.Bool

	mu           sync.Mutex
	logons       []LogOnDetails
	persona      PersonaState
	name         string
	games        []uint64
	friends      []string
	messages     map[string][]string
	disconnected bool
}

func newFakeTransport(result Result) *fakeTransport {
	return &fakeTransport{
		events:   make(chan any, 16),
		result:   result,
		messages: make(map[string][]string),
	}
}

func (f *fakeTransport) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.silent {
		return nil
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.connected.Store(true)
		f.events <- &ConnectedEvent{}
	}()
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeTransport) Events() <-chan any { return f.events }

func (f *fakeTransport) LogOn(d LogOnDetails) error {
	if !f.connected.Load() {
		f.logonTooEarly.Store(true)
	}
	f.mu.Lock()
	f.logons = append(f.logons, d)
	f.mu.Unlock()
	f.events <- &LoggedOnEvent{Result: f.result}
	return nil
}

func (f *fakeTransport) SetPersonaState(s PersonaState) {
	f.mu.Lock()
	f.persona = s
	f.mu.Unlock()
}

func (f *fakeTransport) SetPersonaName(n string) {
	f.mu.Lock()
	f.name = n
	f.mu.Unlock()
}

func (f *fakeTransport) SetGamesPlayed(ids ...uint64) {
	f.mu.Lock()
	f.games = ids
	f.mu.Unlock()
}

func (f *fakeTransport) AddFriend(id string) error {
	f.mu.Lock()
	f.friends = append(f.friends, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendMessage(id, text string) error {
	f.mu.Lock()
	f.messages[id] = append(f.messages[id], text)
	f.mu.Unlock()
	return nil
}

type fakeStore struct {
	creds    store.SteamCredentials
	credsErr error
	linked   []string
	deletes  atomic.Int32
}

func (s *fakeStore) SteamCredentials(context.Context) (store.SteamCredentials, error) {
	return s.creds, s.credsErr
}

func (s *fakeStore) DeleteAuthCode(context.Context) error {
	s.deletes.Add(1)
	return nil
}

func (s *fakeStore) LinkedSteamIDs(context.Context) ([]string, error) {
	return s.linked, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		PersonaName:   "RaidBot",
		GameID:        570,
		SentryPath:    filepath.Join(t.TempDir(), "sentry"),
		ServiceLabel:  "Discord's RaidBot",
		VerifyCommand: "-sb link-steam",
	}
}

func TestRun_CachedSentryNoCode(t *testing.T) {
	cfg := testConfig(t)
	cached := Fingerprint([]byte("machine-blob"))
	if err := os.WriteFile(cfg.SentryPath, cached, 0o600); err != nil {
		t.Fatal(err)
	}

	tr := newFakeTransport(ResultOK)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}

	v, err := NewSequencer(tr, st, cfg, nil).Run(t.Context())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if v == nil {
		t.Fatal("Run() returned nil verificator")
	}

	if len(tr.logons) != 1 {
		t.Fatalf("logons = %d, want 1", len(tr.logons))
	}
	got := tr.logons[0]
	if !bytes.Equal(got.SentryHash, cached) {
		t.Errorf("SentryHash = %x, want cached %x", got.SentryHash, cached)
	}
	if got.AuthCode != "" {
		t.Errorf("AuthCode = %q, want empty", got.AuthCode)
	}
	if n := st.deletes.Load(); n != 0 {
		t.Errorf("DeleteAuthCode called %d times, want 0", n)
	}
	if tr.logonTooEarly.Load() {
		t.Error("LogOn submitted before Connected")
	}

	if tr.persona != PersonaOnline || tr.name != "RaidBot" || !slices.Equal(tr.games, []uint64{570}) {
		t.Errorf("persona=%v name=%q games=%v", tr.persona, tr.name, tr.games)
	}
}

func TestRun_OneTimeCodeDeletedOnce(t *testing.T) {
	cfg := testConfig(t)
	code := "X7K9P"
	tr := newFakeTransport(ResultOK)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw", AuthCode: &code}}

	if _, err := NewSequencer(tr, st, cfg, nil).Run(t.Context()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if tr.logons[0].AuthCode != code {
		t.Errorf("AuthCode = %q, want %q", tr.logons[0].AuthCode, code)
	}
	if tr.logons[0].SentryHash != nil {
		t.Errorf("SentryHash = %x on first logon, want nil", tr.logons[0].SentryHash)
	}
	if n := st.deletes.Load(); n != 1 {
		t.Errorf("DeleteAuthCode called %d times, want 1", n)
	}
}

func TestRun_RejectedLogon(t *testing.T) {
	tr := newFakeTransport(ResultInvalidPassword)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "wrong"}}

	_, err := NewSequencer(tr, st, testConfig(t), nil).Run(t.Context())
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("Run() error = %v, want HandshakeError", err)
	}
	if he.Code != ResultInvalidPassword {
		t.Errorf("Code = %v, want InvalidPassword", he.Code)
	}
	if !tr.disconnected {
		t.Error("transport not disconnected after rejected logon")
	}
	if tr.name != "" {
		t.Error("persona configured after rejected logon")
	}
}

func TestRun_SubFetchFailures(t *testing.T) {
	t.Run("credentials", func(t *testing.T) {
		tr := newFakeTransport(ResultOK)
		st := &fakeStore{credsErr: store.ErrNotConfigured}

		_, err := NewSequencer(tr, st, testConfig(t), nil).Run(t.Context())
		if !errors.Is(err, store.ErrNotConfigured) {
			t.Errorf("Run() error = %v, want ErrNotConfigured", err)
		}
		if len(tr.logons) != 0 {
			t.Error("LogOn attempted without credentials")
		}
	})

	t.Run("connect", func(t *testing.T) {
		tr := newFakeTransport(ResultOK)
		tr.connectErr = errors.New("no route")
		st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}

		if _, err := NewSequencer(tr, st, testConfig(t), nil).Run(t.Context()); err == nil {
			t.Error("Run() succeeded despite connect failure")
		}
	})

	t.Run("sentry unreadable", func(t *testing.T) {
		cfg := testConfig(t)
		// A directory where the file should be is a read error, not absence.
		if err := os.Mkdir(cfg.SentryPath, 0o700); err != nil {
			t.Fatal(err)
		}
		tr := newFakeTransport(ResultOK)
		st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}

		if _, err := NewSequencer(tr, st, cfg, nil).Run(t.Context()); err == nil {
			t.Error("Run() succeeded despite unreadable sentry")
		}
	})
}

func TestRun_DisconnectBeforeLogon(t *testing.T) {
	tr := newFakeTransport(ResultOK)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}

	// A drop queued ahead of the connect acknowledgement.
	tr.events <- &DisconnectedEvent{Err: errors.New("reset")}

	if _, err := NewSequencer(tr, st, testConfig(t), nil).Run(t.Context()); err == nil {
		t.Error("Run() succeeded after disconnect")
	}
}

func TestMachineAuth_PersistedBeforeAck(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport(ResultOK)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}

	if _, err := NewSequencer(tr, st, cfg, nil).Run(t.Context()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	raw := []byte("new machine auth blob")
	acked := make(chan []byte, 1)
	tr.events <- &MachineAuthEvent{
		Artifact: raw,
		Ack: func() {
			data, _ := os.ReadFile(cfg.SentryPath)
			acked <- data
		},
	}

	select {
	case onDisk := <-acked:
		if !bytes.Equal(onDisk, Fingerprint(raw)) {
			t.Errorf("sentry at ack time = %x, want %x", onDisk, Fingerprint(raw))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("machine auth never acknowledged")
	}
}

func TestMachineAuth_DigestOnly(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport(ResultOK)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}

	if _, err := NewSequencer(tr, st, cfg, nil).Run(t.Context()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	digest := Fingerprint([]byte("blob"))
	done := make(chan struct{})
	tr.events <- &MachineAuthEvent{Digest: digest, Ack: func() { close(done) }}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("machine auth never acknowledged")
	}
	got, err := ReadSentry(cfg.SentryPath)
	if err != nil || !bytes.Equal(got, digest) {
		t.Errorf("ReadSentry() = %x, %v; want %x", got, err, digest)
	}
}

func TestFriendRequest_ForwardedAfterLogon(t *testing.T) {
	tr := newFakeTransport(ResultOK)
	st := &fakeStore{
		creds:  store.SteamCredentials{Username: "bot", Password: "pw"},
		linked: []string{"111"},
	}

	if _, err := NewSequencer(tr, st, testConfig(t), nil).Run(t.Context()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	tr.events <- &FriendRequestEvent{SteamID: "111"}
	tr.events <- &FriendRequestEvent{SteamID: "222"}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		n := len(tr.messages["222"])
		tr.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !slices.Equal(tr.friends, []string{"222"}) {
		t.Errorf("friends = %v, want only the unlinked account", tr.friends)
	}
	if len(tr.messages["222"]) != 1 {
		t.Errorf("messages to 222 = %v", tr.messages["222"])
	}
}

func TestRun_Twice(t *testing.T) {
	tr := newFakeTransport(ResultOK)
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}
	seq := NewSequencer(tr, st, testConfig(t), nil)

	if _, err := seq.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	if _, err := seq.Run(t.Context()); err == nil {
		t.Error("second Run() succeeded")
	}
	if seq.Verifier() == nil {
		t.Error("Verifier() nil after successful Run")
	}
}

func TestAwait_AbortsWhenContextEnds(t *testing.T) {
	tr := newFakeTransport(ResultOK)
	tr.silent = true
	st := &fakeStore{creds: store.SteamCredentials{Username: "bot", Password: "pw"}}
	cfg := testConfig(t)
	seq := NewSequencer(tr, st, cfg, nil)
	seq.Start(t.Context())

	awaitCtx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := seq.Await(awaitCtx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Await() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await() still waiting for a connection after its context ended")
	}
	tr.mu.Lock()
	disconnected := tr.disconnected
	tr.mu.Unlock()
	if !disconnected {
		t.Error("transport left connected after an aborted handshake")
	}

	// Events are still serviced on the Start context.
	fp := Fingerprint([]byte("late-blob"))
	tr.events <- &MachineAuthEvent{Digest: fp}
	deadline := time.After(5 * time.Second)
	for {
		if got, _ := ReadSentry(cfg.SentryPath); bytes.Equal(got, fp) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("machine auth not persisted after Await returned")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFingerprint(t *testing.T) {
	got := hex.EncodeToString(Fingerprint([]byte("abc")))
	if got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("Fingerprint(abc) = %s", got)
	}
	if !bytes.Equal(Fingerprint([]byte("x")), Fingerprint([]byte("x"))) {
		t.Error("Fingerprint not deterministic")
	}
	if bytes.Equal(Fingerprint([]byte("x")), Fingerprint([]byte("y"))) {
		t.Error("different artifacts share a fingerprint")
	}
}

func TestSentry_ReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sentry")

	got, err := ReadSentry(path)
	if err != nil || got != nil {
		t.Fatalf("ReadSentry(missing) = %x, %v; want nil, nil", got, err)
	}

	for _, blob := range []string{"first", "second"} {
		fp := Fingerprint([]byte(blob))
		if err := WriteSentry(path, fp); err != nil {
			t.Fatalf("WriteSentry() error: %v", err)
		}
		got, err := ReadSentry(path)
		if err != nil || !bytes.Equal(got, fp) {
			t.Errorf("ReadSentry() = %x, %v; want %x", got, err, fp)
		}
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary sentry file left behind")
	}
}

func TestResultString(t *testing.T) {
	if ResultOK.String() != "OK" {
		t.Errorf("ResultOK = %q", ResultOK.String())
	}
	if Result(999).String() != "Result(999)" {
		t.Errorf("Result(999) = %q", Result(999).String())
	}
}
