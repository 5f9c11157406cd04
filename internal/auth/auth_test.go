package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

type memTokens struct {
	tokens map[string]*models.OAuthToken
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]*models.OAuthToken)}
}

func (m *memTokens) key(userID, provider, account string) string {
	return userID + "|" + provider + "|" + account
}

func (m *memTokens) GetToken(_ context.Context, userID, provider, account string) (*models.OAuthToken, error) {
	if account == "" {
		for _, tok := range m.tokens {
			if tok.UserID == userID && tok.Provider == provider {
				cp := *tok
				return &cp, nil
			}
		}
		return nil, store.ErrNotFound
	}
	tok, ok := m.tokens[m.key(userID, provider, account)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memTokens) PutToken(_ context.Context, tok *models.OAuthToken) error {
	cp := *tok
	m.tokens[m.key(tok.UserID, tok.Provider, tok.AccountEmail)] = &cp
	return nil
}

func (m *memTokens) ListAccounts(_ context.Context, userID string) ([]string, error) {
	var out []string
	for _, tok := range m.tokens {
		if tok.UserID == userID {
			out = append(out, tok.AccountEmail)
		}
	}
	return out, nil
}

func refreshServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func TestTokenValidPassthrough(t *testing.T) {
	tokens := newMemTokens()
	tokens.PutToken(context.Background(), &models.OAuthToken{
		UserID: "u1", Provider: "gmail", AccountEmail: "a@example.com",
		AccessToken: "ok", Expiry: time.Now().Add(time.Hour),
	})

	svc := NewService(tokens, "cid", "secret")
	tok, err := svc.Token(context.Background(), "u1", "gmail", "a@example.com")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "ok" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
}

func TestTokenRefreshesOnceAndPersists(t *testing.T) {
	var calls atomic.Int32
	srv := refreshServer(t, &calls)
	defer srv.Close()

	tokens := newMemTokens()
	tokens.PutToken(context.Background(), &models.OAuthToken{
		UserID: "u1", Provider: "gmail", AccountEmail: "a@example.com",
		AccessToken:  "stale",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(60 * time.Second), // inside the 5m buffer
	})

	svc := NewService(tokens, "cid", "secret",
		WithEndpoint(oauth2.Endpoint{TokenURL: srv.URL}))

	tok, err := svc.Token(context.Background(), "u1", "gmail", "a@example.com")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "fresh-token" {
		t.Errorf("AccessToken = %q, want fresh-token", tok.AccessToken)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("refresh endpoint called %d times, want 1", got)
	}

	// The refreshed token must be persisted.
	stored, err := tokens.GetToken(context.Background(), "u1", "gmail", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "fresh-token" {
		t.Errorf("persisted AccessToken = %q", stored.AccessToken)
	}
	if stored.RefreshToken != "rt" {
		t.Errorf("persisted RefreshToken = %q, want carried-over rt", stored.RefreshToken)
	}

	// Second call uses the fresh token without another refresh.
	if _, err := svc.Token(context.Background(), "u1", "gmail", "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("refresh endpoint called %d times after second Token, want 1", got)
	}
}

func TestTokenExpiredWithoutRefreshToken(t *testing.T) {
	tokens := newMemTokens()
	tokens.PutToken(context.Background(), &models.OAuthToken{
		UserID: "u1", Provider: "gmail", AccountEmail: "a@example.com",
		AccessToken: "stale", Expiry: time.Now().Add(-time.Minute),
	})

	svc := NewService(tokens, "cid", "secret")
	_, err := svc.Token(context.Background(), "u1", "gmail", "a@example.com")
	if err == nil {
		t.Fatal("expected error for expired token without refresh token")
	}
}

func TestTokenMissing(t *testing.T) {
	svc := NewService(newMemTokens(), "cid", "secret")
	_, err := svc.Token(context.Background(), "u1", "gmail", "")
	if err == nil {
		t.Fatal("expected ErrAuthMissing")
	}
}
