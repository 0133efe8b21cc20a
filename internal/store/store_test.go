package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// testStore opens a store on a temp-file database through the pure-Go
// driver, so the tests do not need cgo.
func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "schedulebot_test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		t.Fatalf("New(): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestToken(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if _, err := s.Token(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Token() on empty store error = %v, want ErrNotConfigured", err)
	}

	if err := s.SetToken(ctx, "abc.def"); err != nil {
		t.Fatalf("SetToken() error: %v", err)
	}
	got, err := s.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if got != "abc.def" {
		t.Errorf("Token() = %q, want %q", got, "abc.def")
	}
}

func TestSteamCredentials(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if _, err := s.SteamCredentials(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("SteamCredentials() on empty store error = %v, want ErrNotConfigured", err)
	}

	if err := s.SetSteamCredentials(ctx, "bot", "hunter2", "X7K9P"); err != nil {
		t.Fatalf("SetSteamCredentials() error: %v", err)
	}
	creds, err := s.SteamCredentials(ctx)
	if err != nil {
		t.Fatalf("SteamCredentials() error: %v", err)
	}
	if creds.Username != "bot" || creds.Password != "hunter2" {
		t.Errorf("creds = %+v", creds)
	}
	if creds.AuthCode == nil || *creds.AuthCode != "X7K9P" {
		t.Fatalf("AuthCode = %v, want X7K9P", creds.AuthCode)
	}

	if err := s.DeleteAuthCode(ctx); err != nil {
		t.Fatalf("DeleteAuthCode() error: %v", err)
	}
	creds, err = s.SteamCredentials(ctx)
	if err != nil {
		t.Fatalf("SteamCredentials() after delete error: %v", err)
	}
	if creds.AuthCode != nil {
		t.Errorf("AuthCode = %q after delete, want nil", *creds.AuthCode)
	}

	// Deleting again is harmless.
	if err := s.DeleteAuthCode(ctx); err != nil {
		t.Errorf("second DeleteAuthCode() error: %v", err)
	}
}

func TestAccessLists(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	admins, err := s.Admins(ctx)
	if err != nil {
		t.Fatalf("Admins() error: %v", err)
	}
	if len(admins) != 0 {
		t.Fatalf("Admins() = %v, want empty", admins)
	}

	for _, id := range []string{"100", "200", "100"} {
		if err := s.AddAdmin(ctx, id); err != nil {
			t.Fatalf("AddAdmin(%s) error: %v", id, err)
		}
	}
	if err := s.AddToBlacklist(ctx, "200"); err != nil {
		t.Fatalf("AddToBlacklist() error: %v", err)
	}

	admins, _ = s.Admins(ctx)
	slices.Sort(admins)
	if !slices.Equal(admins, []string{"100", "200"}) {
		t.Errorf("Admins() = %v, want [100 200]", admins)
	}

	// An ID may appear on both lists.
	blacklist, _ := s.Blacklist(ctx)
	if !slices.Equal(blacklist, []string{"200"}) {
		t.Errorf("Blacklist() = %v, want [200]", blacklist)
	}

	if err := s.RemoveAdmin(ctx, "100"); err != nil {
		t.Fatalf("RemoveAdmin() error: %v", err)
	}
	if err := s.RemoveFromBlacklist(ctx, "200"); err != nil {
		t.Fatalf("RemoveFromBlacklist() error: %v", err)
	}
	admins, _ = s.Admins(ctx)
	blacklist, _ = s.Blacklist(ctx)
	if !slices.Equal(admins, []string{"200"}) || len(blacklist) != 0 {
		t.Errorf("after removal admins=%v blacklist=%v", admins, blacklist)
	}
}

func TestLinkedUsers(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if _, err := s.SteamIDFor(ctx, "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SteamIDFor() unlinked error = %v, want ErrNotFound", err)
	}

	if err := s.LinkUser(ctx, "42", "76561197960287930"); err != nil {
		t.Fatalf("LinkUser() error: %v", err)
	}
	if err := s.LinkUser(ctx, "42", "76561197960287931"); err != nil {
		t.Fatalf("relink error: %v", err)
	}

	got, err := s.SteamIDFor(ctx, "42")
	if err != nil {
		t.Fatalf("SteamIDFor() error: %v", err)
	}
	if got != "76561197960287931" {
		t.Errorf("SteamIDFor() = %q, want relinked ID", got)
	}

	ids, err := s.LinkedSteamIDs(ctx)
	if err != nil {
		t.Fatalf("LinkedSteamIDs() error: %v", err)
	}
	if !slices.Equal(ids, []string{"76561197960287931"}) {
		t.Errorf("LinkedSteamIDs() = %v", ids)
	}
}

func TestEvents_ActiveLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	start := time.Date(2026, 10, 20, 20, 0, 0, 0, time.UTC)
	a := &Event{Name: "Dota night", StartsAt: start, CreatedBy: "1"}
	b := &Event{Name: "Raid", StartsAt: start.Add(-time.Hour), CreatedBy: "2"}
	for _, ev := range []*Event{a, b} {
		if err := s.CreateEvent(ctx, ev); err != nil {
			t.Fatalf("CreateEvent(%s) error: %v", ev.Name, err)
		}
	}
	if a.ID == 0 || b.ID == 0 || a.ID == b.ID {
		t.Fatalf("IDs not assigned: a=%d b=%d", a.ID, b.ID)
	}

	active, err := s.ActiveEvents(ctx)
	if err != nil {
		t.Fatalf("ActiveEvents() error: %v", err)
	}
	if len(active) != 2 || active[0].ID != b.ID {
		t.Fatalf("ActiveEvents() = %d events, first=%v; want 2 ordered by start", len(active), active)
	}
	if !active[1].StartsAt.Equal(start) {
		t.Errorf("StartsAt = %v, want %v", active[1].StartsAt, start)
	}

	if err := s.DeactivateEvent(ctx, b.ID); err != nil {
		t.Fatalf("DeactivateEvent() error: %v", err)
	}
	active, _ = s.ActiveEvents(ctx)
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("ActiveEvents() after deactivate = %v, want only %d", active, a.ID)
	}

	got, err := s.GetEvent(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetEvent() error: %v", err)
	}
	if got.Active {
		t.Error("deactivated event still active")
	}

	if err := s.DeactivateEvent(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeactivateEvent(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetEvent(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEvent(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEvents_SummaryAndAttendance(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	ev := &Event{Name: "Scrim", StartsAt: time.Now(), CreatedBy: "1"}
	if err := s.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}

	if got, swapped, err := s.SwapSummaryMessage(ctx, ev.ID, "", "m-1"); err != nil || !swapped || got != "m-1" {
		t.Fatalf("SwapSummaryMessage(\"\", m-1) = %q, %v, %v", got, swapped, err)
	}
	// A second writer that also saw no summary loses and learns the winner.
	if got, swapped, err := s.SwapSummaryMessage(ctx, ev.ID, "", "m-2"); err != nil || swapped || got != "m-1" {
		t.Errorf("SwapSummaryMessage(\"\", m-2) = %q, %v, %v; want m-1, false", got, swapped, err)
	}
	if got, swapped, err := s.SwapSummaryMessage(ctx, ev.ID, "m-1", "m-3"); err != nil || !swapped || got != "m-3" {
		t.Errorf("SwapSummaryMessage(m-1, m-3) = %q, %v, %v", got, swapped, err)
	}
	if id, err := s.SummaryMessageID(ctx, ev.ID); err != nil || id != "m-3" {
		t.Errorf("SummaryMessageID() = %q, %v; want m-3", id, err)
	}
	if _, err := s.SummaryMessageID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("SummaryMessageID(missing) error = %v, want ErrNotFound", err)
	}
	if _, _, err := s.SwapSummaryMessage(ctx, 9999, "", "m-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SwapSummaryMessage(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.SetAttendance(ctx, ev.ID, "10", StatusConfirmed); err != nil {
		t.Fatalf("SetAttendance() error: %v", err)
	}
	if err := s.SetAttendance(ctx, ev.ID, "11", StatusConfirmed); err != nil {
		t.Fatalf("SetAttendance() error: %v", err)
	}
	if err := s.SetAttendance(ctx, ev.ID, "10", StatusDeclined); err != nil {
		t.Fatalf("SetAttendance() update error: %v", err)
	}

	attendees, err := s.Attendees(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Attendees() error: %v", err)
	}
	if len(attendees) != 2 {
		t.Fatalf("Attendees() = %v, want 2 entries", attendees)
	}
	statuses := map[string]Status{}
	for _, a := range attendees {
		statuses[a.DiscordID] = a.Status
	}
	if statuses["10"] != StatusDeclined || statuses["11"] != StatusConfirmed {
		t.Errorf("statuses = %v", statuses)
	}
}
