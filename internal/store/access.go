package store

import (
	"context"
	"fmt"
	"time"
)

// accessTable names the two ID-list tables. Only these constants are
// ever interpolated into SQL.
type accessTable string

const (
	tableAdmins    accessTable = "admins"
	tableBlacklist accessTable = "blacklist"
)

// Admins returns the Discord IDs of all bot admins.
func (s *Store) Admins(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, tableAdmins)
}

// AddAdmin grants admin rights. Adding an existing admin is a no-op.
func (s *Store) AddAdmin(ctx context.Context, discordID string) error {
	return s.addID(ctx, tableAdmins, discordID)
}

// RemoveAdmin revokes admin rights. Removing a non-admin is a no-op.
func (s *Store) RemoveAdmin(ctx context.Context, discordID string) error {
	return s.removeID(ctx, tableAdmins, discordID)
}

// Blacklist returns the Discord IDs barred from public commands.
func (s *Store) Blacklist(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, tableBlacklist)
}

// AddToBlacklist bars a user from public commands.
func (s *Store) AddToBlacklist(ctx context.Context, discordID string) error {
	return s.addID(ctx, tableBlacklist, discordID)
}

// RemoveFromBlacklist lifts a blacklist entry.
func (s *Store) RemoveFromBlacklist(ctx context.Context, discordID string) error {
	return s.removeID(ctx, tableBlacklist, discordID)
}

func (s *Store) listIDs(ctx context.Context, table accessTable) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT discord_id FROM `+string(table)+` ORDER BY added_at ASC, discord_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) addID(ctx context.Context, table accessTable, discordID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+string(table)+` (discord_id, added_at) VALUES (?, ?)`,
		discordID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add to %s: %w", table, err)
	}
	return nil
}

func (s *Store) removeID(ctx context.Context, table accessTable, discordID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+string(table)+` WHERE discord_id = ?`, discordID)
	if err != nil {
		return fmt.Errorf("remove from %s: %w", table, err)
	}
	return nil
}
