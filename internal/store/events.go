package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Event is a scheduled activity tracked in the master channel. Only
// active events have a live summary message.
type Event struct {
	ID               int64
	Name             string
	StartsAt         time.Time
	Active           bool
	SummaryMessageID string // Discord message holding the pinned summary; empty until first render
	CreatedBy        string // Discord ID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Attendance status values.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
)

// Attendee is one user's response to an event.
type Attendee struct {
	DiscordID string
	Status    Status
}

// CreateEvent persists a new active event and fills in its ID and
// timestamps.
func (s *Store) CreateEvent(ctx context.Context, ev *Event) error {
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	ev.Active = true

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (name, starts_at, active, summary_message_id, created_by, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
	`, ev.Name, ev.StartsAt.UTC().Format(time.RFC3339Nano), ev.SummaryMessageID, ev.CreatedBy,
		ev.CreatedAt.Format(time.RFC3339Nano), ev.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	ev.ID = id
	return nil
}

// GetEvent returns the event with the given ID, or [ErrNotFound].
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, starts_at, active, summary_message_id, created_by, created_at, updated_at
		FROM events WHERE id = ?
	`, id)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return ev, err
}

// ActiveEvents returns every active event ordered by start time.
func (s *Store) ActiveEvents(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, starts_at, active, summary_message_id, created_by, created_at, updated_at
		FROM events WHERE active = 1 ORDER BY starts_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeactivateEvent marks an event inactive. The reconciliation loop
// stops refreshing it from the next tick on.
func (s *Store) DeactivateEvent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("deactivate event %d: %w", id, err)
	}
	return requireRow(res, id)
}

// SummaryMessageID returns the chat message currently recorded as the
// event's summary, empty when none has been posted.
func (s *Store) SummaryMessageID(ctx context.Context, id int64) (string, error) {
	var messageID string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary_message_id FROM events WHERE id = ?`, id).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("summary message for event %d: %w", id, err)
	}
	return messageID, nil
}

// SwapSummaryMessage records messageID as the event's summary only if
// the stored ID is still old. It returns the ID stored afterwards and
// whether the swap happened; on a lost race that is the winner's ID.
func (s *Store) SwapSummaryMessage(ctx context.Context, id int64, old, messageID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET summary_message_id = ?, updated_at = ? WHERE id = ? AND summary_message_id = ?`,
		messageID, time.Now().UTC().Format(time.RFC3339Nano), id, old)
	if err != nil {
		return "", false, fmt.Errorf("set summary message for event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("set summary message for event %d: %w", id, err)
	}
	if n == 1 {
		return messageID, true, nil
	}

	current, err := s.SummaryMessageID(ctx, id)
	if err != nil {
		return "", false, err
	}
	return current, false, nil
}

// SetAttendance records a user's response to an event.
func (s *Store) SetAttendance(ctx context.Context, eventID int64, discordID string, status Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance (event_id, discord_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id, discord_id) DO UPDATE
		SET status = excluded.status, updated_at = excluded.updated_at
	`, eventID, discordID, string(status), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set attendance for event %d: %w", eventID, err)
	}
	return nil
}

// Attendees returns every response to an event in the order they were
// last updated.
func (s *Store) Attendees(ctx context.Context, eventID int64) ([]Attendee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT discord_id, status FROM attendance
		WHERE event_id = ? ORDER BY updated_at ASC, discord_id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attendees for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var out []Attendee
	for rows.Next() {
		var a Attendee
		var status string
		if err := rows.Scan(&a.DiscordID, &status); err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		a.Status = Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var ev Event
	var startsAt, createdAt, updatedAt string
	var active int

	if err := row.Scan(&ev.ID, &ev.Name, &startsAt, &active, &ev.SummaryMessageID,
		&ev.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if ev.StartsAt, err = time.Parse(time.RFC3339Nano, startsAt); err != nil {
		return nil, fmt.Errorf("parse starts_at for event %d: %w", ev.ID, err)
	}
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	ev.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	ev.Active = active == 1
	return &ev, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return nil
}
