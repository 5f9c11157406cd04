package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// GetToken returns the stored OAuth token for (user, provider, account).
// An empty accountEmail matches the provider's account whose email sorts first.
func (s *Store) GetToken(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error) {
	var row *sql.Row
	if accountEmail == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT user_id, provider, account_email, access_token, refresh_token, expiry
			 FROM oauth_tokens WHERE user_id = ? AND provider = ?
			 ORDER BY account_email LIMIT 1`, userID, provider)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT user_id, provider, account_email, access_token, refresh_token, expiry
			 FROM oauth_tokens WHERE user_id = ? AND provider = ? AND account_email = ?`,
			userID, provider, accountEmail)
	}

	var tok models.OAuthToken
	var expiry string
	err := row.Scan(&tok.UserID, &tok.Provider, &tok.AccountEmail,
		&tok.AccessToken, &tok.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.Expiry = decodeTime(expiry)
	return &tok, nil
}

// PutToken inserts or replaces a stored OAuth token. An empty refresh token
// keeps the one already stored.
func (s *Store) PutToken(ctx context.Context, tok *models.OAuthToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (user_id, provider, account_email, access_token, refresh_token, expiry)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider, account_email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE oauth_tokens.refresh_token END,
			expiry = excluded.expiry`,
		tok.UserID, tok.Provider, tok.AccountEmail, tok.AccessToken, tok.RefreshToken,
		encodeTime(tok.Expiry))
	return err
}

// ListAccounts returns the account emails registered for a user across all
// OAuth providers.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT account_email FROM oauth_tokens
		 WHERE user_id = ? AND account_email != '' ORDER BY account_email`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		accounts = append(accounts, email)
	}
	return accounts, rows.Err()
}

// DeleteToken removes a stored token.
func (s *Store) DeleteToken(ctx context.Context, userID, provider, accountEmail string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE user_id = ? AND provider = ? AND account_email = ?`,
		userID, provider, accountEmail)
	return err
}
