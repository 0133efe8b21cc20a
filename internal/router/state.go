package router

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nugget/schedulebot/internal/acl"
	"github.com/nugget/schedulebot/internal/verify"
)

// ErrAlreadyPopulated is returned by a second call to Populate.
var ErrAlreadyPopulated = errors.New("routing state already populated")

// State is the routing context shared by bootstrap, the router, and the
// admin command path. The token is written once. The access lists are
// held as one snapshot and only ever replaced whole, so a reader sees
// either the old pair or the new pair.
type State struct {
	mu    sync.Mutex // serializes writers; readers never take it
	token string
	ready atomic.Bool

	access   atomic.Pointer[acl.Snapshot]
	verifier atomic.Pointer[verify.Verificator]
}

// NewState returns an unpopulated State. The router drops every message
// until Populate has run.
func NewState() *State {
	s := &State{}
	s.access.Store(&acl.Snapshot{})
	return s
}

// Populate installs the bootstrap results and marks the state ready.
func (s *State) Populate(token string, admins, blacklist acl.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready.Load() {
		return ErrAlreadyPopulated
	}
	s.token = token
	s.access.Store(&acl.Snapshot{Admins: admins, Blacklist: blacklist})
	s.ready.Store(true)
	return nil
}

// Ready reports whether Populate has completed.
func (s *State) Ready() bool {
	return s.ready.Load()
}

// Token returns the chat token, empty until populated.
func (s *State) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Access returns the current access snapshot.
func (s *State) Access() acl.Snapshot {
	return *s.access.Load()
}

// SetAdmins swaps in a new admin list, keeping the current blacklist.
func (s *State) SetAdmins(admins acl.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.access.Load()
	s.access.Store(&acl.Snapshot{Admins: admins, Blacklist: cur.Blacklist})
}

// SetBlacklist swaps in a new blacklist, keeping the current admin list.
func (s *State) SetBlacklist(blacklist acl.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.access.Load()
	s.access.Store(&acl.Snapshot{Admins: cur.Admins, Blacklist: blacklist})
}

// SetVerifier installs the verification handle. It may be replaced.
func (s *State) SetVerifier(v *verify.Verificator) {
	s.verifier.Store(v)
}

// Verifier returns the verification handle, or nil.
func (s *State) Verifier() *verify.Verificator {
	return s.verifier.Load()
}
