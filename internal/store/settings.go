package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Setting keys understood by the runtime.
const (
	SettingMaxIterations = "chat.max_iterations"
	SettingBootstrapMode = "catalog.bootstrap_mode"
)

// GetSetting unmarshals the JSON value stored under key into out.
func (s *Store) GetSetting(ctx context.Context, key string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// PutSetting stores value (JSON encoded) under key.
func (s *Store) PutSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, string(raw))
	return err
}

// MaxIterations returns the configured tool-loop iteration cap, falling back
// to def when unset.
func (s *Store) MaxIterations(ctx context.Context, def int) int {
	var n int
	if err := s.GetSetting(ctx, SettingMaxIterations, &n); err != nil || n <= 0 {
		return def
	}
	return n
}

// BootstrapMode returns the configured discovery mode, falling back to def
// when unset.
func (s *Store) BootstrapMode(ctx context.Context, def string) string {
	var mode string
	if err := s.GetSetting(ctx, SettingBootstrapMode, &mode); err != nil || mode == "" {
		return def
	}
	return mode
}
