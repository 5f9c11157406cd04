// Package auth resolves and refreshes OAuth credentials for adapters.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrAuthMissing indicates no credential is stored for the principal.
	ErrAuthMissing = errors.New("no credential stored")

	// ErrAuthExpired indicates the stored credential is expired and cannot
	// be refreshed.
	ErrAuthExpired = errors.New("credential expired and not refreshable")
)

// RefreshBuffer is the minimum remaining validity required before a token is
// handed to an adapter. Tokens expiring sooner are refreshed first.
const RefreshBuffer = 5 * time.Minute

// TokenStore is the persistence surface the service needs.
type TokenStore interface {
	GetToken(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error)
	PutToken(ctx context.Context, tok *models.OAuthToken) error
	ListAccounts(ctx context.Context, userID string) ([]string, error)
}

// Service refreshes Google OAuth tokens against a configurable endpoint.
type Service struct {
	tokens   TokenStore
	logger   *slog.Logger
	client   *http.Client
	now      func() time.Time
	endpoint oauth2.Endpoint
	clientID string
	secret   string

	mu sync.Mutex // serializes refreshes per service; refreshes are rare
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHTTPClient sets the HTTP client used for refresh and download calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.client = client
		}
	}
}

// WithEndpoint overrides the OAuth token endpoint (tests).
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(s *Service) {
		s.endpoint = endpoint
	}
}

// WithNow overrides the clock (tests).
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the auth service. clientID and secret identify the
// installed application used for refresh grants.
func NewService(tokens TokenStore, clientID, secret string, opts ...Option) *Service {
	s := &Service{
		tokens:   tokens,
		logger:   slog.Default().With("component", "auth"),
		client:   http.DefaultClient,
		now:      time.Now,
		clientID: clientID,
		secret:   secret,
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a usable access token for (user, provider, account),
// refreshing and persisting it first when it expires within RefreshBuffer.
func (s *Service) Token(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error) {
	tok, err := s.tokens.GetToken(ctx, userID, provider, accountEmail)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s provider %s", ErrAuthMissing, userID, provider)
	}
	if err != nil {
		return nil, err
	}

	if tok.Valid(s.now(), RefreshBuffer) {
		return tok, nil
	}

	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: provider %s account %s", ErrAuthExpired, provider, tok.AccountEmail)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed already.
	if fresh, reErr := s.tokens.GetToken(ctx, userID, provider, accountEmail); reErr == nil && fresh.Valid(s.now(), RefreshBuffer) {
		return fresh, nil
	}

	refreshed, err := s.refresh(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", provider, err)
	}
	if err := s.tokens.PutToken(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	s.logger.Info("refreshed oauth token",
		"provider", provider,
		"account", tok.AccountEmail,
		"expiry", refreshed.Expiry)
	return refreshed, nil
}

func (s *Service) refresh(ctx context.Context, tok *models.OAuthToken) (*models.OAuthToken, error) {
	cfg := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.secret,
		Endpoint:     s.endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return nil, err
	}

	out := &models.OAuthToken{
		UserID:       tok.UserID,
		Provider:     tok.Provider,
		AccountEmail: tok.AccountEmail,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// Accounts lists the OAuth account emails registered for a user.
func (s *Service) Accounts(ctx context.Context, userID string) ([]string, error) {
	return s.tokens.ListAccounts(ctx, userID)
}

// driveDownloadURL is the Drive files endpoint; var for tests.
var driveDownloadURL = "https://www.googleapis.com/drive/v3/files/%s?alt=media"

// DownloadDriveFile fetches a Google Drive file's content using the user's
// drive credential. Returns the bytes and the response media type.
func (s *Service) DownloadDriveFile(ctx context.Context, userID, fileID string) ([]byte, string, error) {
	tok, err := s.Token(ctx, userID, "google_drive", "")
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(driveDownloadURL, fileID), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("drive download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("drive download: status %d: %s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
