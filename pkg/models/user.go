package models

import "time"

// User owns roles, OAuth tokens, messages, and scheduled jobs.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OAuthToken is a stored credential for one (user, provider, account) tuple.
type OAuthToken struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	AccountEmail string    `json:"account_email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Valid reports whether the access token is usable at the given instant
// with the given safety buffer before expiry.
func (t *OAuthToken) Valid(now time.Time, buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return t.Expiry.After(now.Add(buffer))
}
