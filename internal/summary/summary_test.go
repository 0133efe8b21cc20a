package summary

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/schedulebot/internal/chat"
	"github.com/nugget/schedulebot/internal/store"
)

type fakeChat struct {
	mu      sync.Mutex
	nextID  int
	sent    []string
	sentIDs []string
	edited  map[string]string
	pinned  []string
	deleted []string
	editErr error
	pinErr  error
}

func (f *fakeChat) Send(_ context.Context, channelID, text string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sum-%d", f.nextID)
	f.sent = append(f.sent, text)
	f.sentIDs = append(f.sentIDs, id)
	return &chat.Message{ID: id, ChannelID: channelID, Content: text}, nil
}

func (f *fakeChat) Edit(_ context.Context, channelID, messageID, text string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, f.editErr
	}
	if f.edited == nil {
		f.edited = make(map[string]string)
	}
	f.edited[messageID] = text
	return &chat.Message{ID: messageID, ChannelID: channelID, Content: text}, nil
}

func (f *fakeChat) Pin(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return f.pinErr
	}
	f.pinned = append(f.pinned, messageID)
	return nil
}

func (f *fakeChat) Delete(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

// fakeStore holds summary IDs with compare-and-set semantics. When gate
// is set, SummaryMessageID waits for gate's count of readers before
// answering so that they all see the same value.
type fakeStore struct {
	mu        sync.Mutex
	attendees []store.Attendee
	summaries map[int64]string
	swaps     int
	err       error
	gate      *sync.WaitGroup
}

func (f *fakeStore) Attendees(context.Context, int64) ([]store.Attendee, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.attendees, nil
}

func (f *fakeStore) SummaryMessageID(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	gate := f.gate
	current := f.summaries[id]
	f.mu.Unlock()
	if gate != nil {
		gate.Done()
		gate.Wait()
	}
	return current, nil
}

func (f *fakeStore) SwapSummaryMessage(_ context.Context, id int64, old, messageID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaries == nil {
		f.summaries = make(map[int64]string)
	}
	if f.summaries[id] != old {
		return f.summaries[id], false, nil
	}
	f.summaries[id] = messageID
	f.swaps++
	return messageID, true, nil
}

func testEvent() *store.Event {
	return &store.Event{
		ID:       3,
		Name:     "Game night",
		StartsAt: time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC),
		Active:   true,
	}
}

func newRefresher(c *fakeChat, s *fakeStore) *Refresher {
	return New(c, s, Config{ChannelID: "master", Prefix: "-sb", Location: time.UTC}, nil)
}

func TestRender(t *testing.T) {
	got := Render(testEvent(), []store.Attendee{
		{DiscordID: "1", Status: store.StatusConfirmed},
		{DiscordID: "2", Status: store.StatusDeclined},
		{DiscordID: "3", Status: store.StatusConfirmed},
	}, time.UTC, "-sb")

	want := strings.Join([]string{
		"**#3 Game night**",
		"Starts Monday, February 2 at 20:00 UTC",
		"Going (2): <@1>, <@3>",
		"Not going (1): <@2>",
		"`-sb join 3` to sign up, `-sb leave 3` to drop out.",
	}, "\n")
	if got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}
}

func TestRender_EmptyAndDeterministic(t *testing.T) {
	a := Render(testEvent(), nil, time.UTC, "")
	b := Render(testEvent(), nil, time.UTC, "")
	if a != b {
		t.Error("Render is not deterministic")
	}
	if !strings.Contains(a, "Going (0): nobody yet") || strings.Contains(a, "join") {
		t.Errorf("Render() = %q", a)
	}
}

func TestRender_FitsOneMessage(t *testing.T) {
	var many []store.Attendee
	for i := range 200 {
		status := store.StatusConfirmed
		if i%2 == 1 {
			status = store.StatusDeclined
		}
		many = append(many, store.Attendee{DiscordID: fmt.Sprintf("%020d", i), Status: status})
	}
	got := Render(testEvent(), many, time.UTC, "-sb")
	if len(got) > chat.MaxMessageLength {
		t.Errorf("summary is %d bytes, limit %d", len(got), chat.MaxMessageLength)
	}
	if !strings.Contains(got, "Going (100)") || !strings.Contains(got, "and 65 more") {
		t.Errorf("summary does not report the hidden attendees:\n%s", got)
	}
}

func TestUpdateSummary_FirstPostPinsAndRecords(t *testing.T) {
	c := &fakeChat{}
	s := &fakeStore{}
	r := newRefresher(c, s)

	if err := r.UpdateSummary(t.Context(), testEvent()); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	if len(c.sent) != 1 || len(c.pinned) != 1 || c.pinned[0] != "sum-1" {
		t.Errorf("sent = %d, pinned = %v; want one post pinned", len(c.sent), c.pinned)
	}
	if s.summaries[3] != "sum-1" {
		t.Errorf("recorded summary = %q, want sum-1", s.summaries[3])
	}
}

func TestUpdateSummary_EditsExisting(t *testing.T) {
	c := &fakeChat{}
	s := &fakeStore{summaries: map[int64]string{3: "old"}}
	r := newRefresher(c, s)

	// The caller's copy of the event predates the summary.
	for range 2 {
		if err := r.UpdateSummary(t.Context(), testEvent()); err != nil {
			t.Fatalf("UpdateSummary: %v", err)
		}
	}
	if len(c.sent) != 0 || len(c.pinned) != 0 {
		t.Errorf("sent %d, pinned %d; want edits only", len(c.sent), len(c.pinned))
	}
	if c.edited["old"] == "" {
		t.Error("existing summary was not edited")
	}
	if s.swaps != 0 || s.summaries[3] != "old" {
		t.Error("message ID rewritten on a plain edit")
	}
}

func TestUpdateSummary_RepostsWhenDeleted(t *testing.T) {
	c := &fakeChat{editErr: fmt.Errorf("%w: 404", chat.ErrNotFound)}
	s := &fakeStore{summaries: map[int64]string{3: "gone"}}
	r := newRefresher(c, s)

	if err := r.UpdateSummary(t.Context(), testEvent()); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	if s.summaries[3] != "sum-1" {
		t.Errorf("recorded summary = %q, want sum-1", s.summaries[3])
	}
}

func TestUpdateSummary_Errors(t *testing.T) {
	t.Run("edit failure", func(t *testing.T) {
		c := &fakeChat{editErr: errors.New("503")}
		s := &fakeStore{summaries: map[int64]string{3: "old"}}
		if err := newRefresher(c, s).UpdateSummary(t.Context(), testEvent()); err == nil {
			t.Fatal("expected error")
		}
		if len(c.sent) != 0 {
			t.Error("reposted after a transient edit failure")
		}
	})
	t.Run("store failure", func(t *testing.T) {
		s := &fakeStore{err: errors.New("locked")}
		if err := newRefresher(&fakeChat{}, s).UpdateSummary(t.Context(), testEvent()); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("pin failure is not fatal", func(t *testing.T) {
		c := &fakeChat{pinErr: errors.New("missing permissions")}
		s := &fakeStore{}
		if err := newRefresher(c, s).UpdateSummary(t.Context(), testEvent()); err != nil {
			t.Fatalf("UpdateSummary: %v", err)
		}
		if s.summaries[3] != "sum-1" {
			t.Error("summary not recorded after pin failure")
		}
	})
}

func TestUpdateSummary_ConcurrentRefreshesPinOnce(t *testing.T) {
	c := &fakeChat{}
	gate := &sync.WaitGroup{}
	gate.Add(2)
	s := &fakeStore{gate: gate}
	r := newRefresher(c, s)
	ev := testEvent()

	// Both refreshes see no summary and post one each.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.UpdateSummary(t.Context(), ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateSummary: %v", err)
		}
	}

	s.mu.Lock()
	s.gate = nil
	s.mu.Unlock()
	if err := r.UpdateSummary(t.Context(), ev); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}

	stored := s.summaries[3]
	if len(c.pinned) != 1 || c.pinned[0] != stored {
		t.Errorf("pinned = %v, want only the stored summary %q", c.pinned, stored)
	}
	if len(c.sentIDs) != 2 {
		t.Fatalf("sent = %v, want one post per racing refresh", c.sentIDs)
	}
	for _, id := range c.sentIDs {
		if id != stored && !slices.Contains(c.deleted, id) {
			t.Errorf("duplicate summary %s left in the channel", id)
		}
	}
	if slices.Contains(c.deleted, stored) {
		t.Errorf("stored summary %s was deleted", stored)
	}
	if c.edited[stored] == "" {
		t.Error("later refresh did not edit the stored summary")
	}
}
