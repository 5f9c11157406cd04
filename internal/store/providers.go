package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// ProviderConfig is a stored provider configuration blob plus its API key.
type ProviderConfig struct {
	Provider string
	Config   map[string]any
	APIKey   string
}

// GetProviderConfig returns the stored configuration for a provider key.
func (s *Store) GetProviderConfig(ctx context.Context, provider string) (*ProviderConfig, error) {
	var raw, apiKey string
	err := s.db.QueryRowContext(ctx,
		`SELECT config, api_key FROM provider_configs WHERE provider = ?`, provider).
		Scan(&raw, &apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg := &ProviderConfig{Provider: provider, APIKey: apiKey}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Config); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// PutProviderConfig inserts or replaces a provider configuration.
func (s *Store) PutProviderConfig(ctx context.Context, cfg *ProviderConfig) error {
	raw := "{}"
	if cfg.Config != nil {
		data, err := json.Marshal(cfg.Config)
		if err != nil {
			return err
		}
		raw = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_configs (provider, config, api_key) VALUES (?, ?, ?)
		 ON CONFLICT (provider) DO UPDATE SET config = excluded.config, api_key = excluded.api_key`,
		cfg.Provider, raw, cfg.APIKey)
	return err
}

// ProviderAPIKey returns the stored API key for a provider, or ErrNotFound.
func (s *Store) ProviderAPIKey(ctx context.Context, provider string) (string, error) {
	cfg, err := s.GetProviderConfig(ctx, provider)
	if err != nil {
		return "", err
	}
	if cfg.APIKey == "" {
		return "", ErrNotFound
	}
	return cfg.APIKey, nil
}
