package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LinkUser records that discordID proved ownership of steamID. A later
// link for the same Discord user replaces the earlier one.
func (s *Store) LinkUser(ctx context.Context, discordID, steamID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (discord_id, steam_id, linked_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (discord_id) DO UPDATE
		 SET steam_id = excluded.steam_id, linked_at = excluded.linked_at`,
		discordID, steamID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("link user %s: %w", discordID, err)
	}
	return nil
}

// SteamIDFor returns the Steam ID linked to a Discord user, or
// [ErrNotFound].
func (s *Store) SteamIDFor(ctx context.Context, discordID string) (string, error) {
	var steamID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT steam_id FROM users WHERE discord_id = ?`, discordID,
	).Scan(&steamID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !steamID.Valid) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user %s: %w", discordID, err)
	}
	return steamID.String, nil
}

// LinkedSteamIDs returns the Steam IDs of every user who has completed
// verification.
func (s *Store) LinkedSteamIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT steam_id FROM users WHERE steam_id IS NOT NULL AND steam_id != '' ORDER BY linked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list linked users: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan linked user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
