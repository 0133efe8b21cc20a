package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setting keys.
const (
	keyToken         = "discord_token"
	keySteamUsername = "steam_username"
	keySteamPassword = "steam_password"
	keySteamAuthCode = "steam_auth_code"
)

// SteamCredentials are the presence-network login details. AuthCode is
// the optional one-time Steam Guard code; nil when none is pending.
type SteamCredentials struct {
	Username string
	Password string
	AuthCode *string
}

// getSetting returns the stored value and whether it exists.
func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// setSetting upserts a value and refreshes its updated_at timestamp.
func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// deleteSetting removes a key. Missing keys are not an error.
func (s *Store) deleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// Token returns the Discord bot token, or [ErrNotConfigured].
func (s *Store) Token(ctx context.Context) (string, error) {
	token, ok, err := s.getSetting(ctx, keyToken)
	if err != nil {
		return "", err
	}
	if !ok || token == "" {
		return "", fmt.Errorf("discord token: %w", ErrNotConfigured)
	}
	return token, nil
}

// SetToken stores the Discord bot token.
func (s *Store) SetToken(ctx context.Context, token string) error {
	return s.setSetting(ctx, keyToken, token)
}

// SteamCredentials returns the stored Steam login. Username and
// password are required; a missing auth code yields a nil AuthCode.
func (s *Store) SteamCredentials(ctx context.Context) (SteamCredentials, error) {
	var creds SteamCredentials

	user, ok, err := s.getSetting(ctx, keySteamUsername)
	if err != nil {
		return creds, err
	}
	if !ok || user == "" {
		return creds, fmt.Errorf("steam username: %w", ErrNotConfigured)
	}

	pass, ok, err := s.getSetting(ctx, keySteamPassword)
	if err != nil {
		return creds, err
	}
	if !ok {
		return creds, fmt.Errorf("steam password: %w", ErrNotConfigured)
	}

	code, ok, err := s.getSetting(ctx, keySteamAuthCode)
	if err != nil {
		return creds, err
	}

	creds.Username = user
	creds.Password = pass
	if ok && code != "" {
		creds.AuthCode = &code
	}
	return creds, nil
}

// SetSteamCredentials stores the Steam login. An empty authCode clears
// any pending one-time code.
func (s *Store) SetSteamCredentials(ctx context.Context, username, password, authCode string) error {
	if err := s.setSetting(ctx, keySteamUsername, username); err != nil {
		return err
	}
	if err := s.setSetting(ctx, keySteamPassword, password); err != nil {
		return err
	}
	if authCode == "" {
		return s.deleteSetting(ctx, keySteamAuthCode)
	}
	return s.setSetting(ctx, keySteamAuthCode, authCode)
}

// DeleteAuthCode removes the one-time Steam Guard code. Codes are
// single-use, so this is called once a logon using it was submitted.
func (s *Store) DeleteAuthCode(ctx context.Context) error {
	return s.deleteSetting(ctx, keySteamAuthCode)
}
