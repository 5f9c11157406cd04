package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// TokenService resolves OAuth credentials, refreshing as needed.
type TokenService interface {
	Token(ctx context.Context, userID, provider, accountEmail string) (*models.OAuthToken, error)
}

// ConfigStore resolves stored API keys for api_key providers.
type ConfigStore interface {
	ProviderAPIKey(ctx context.Context, provider string) (string, error)
}

// CacheKey addresses one live adapter instance.
type CacheKey struct {
	UserID   string
	Provider string
	RoleID   string
	Account  string
}

// LiveAdapter pairs a cache key with its adapter.
type LiveAdapter struct {
	Key     CacheKey
	Adapter Adapter
}

// Factory returns live adapters for (user, provider, role) principals,
// resolving credentials and caching instances. Concurrent requests for the
// same key construct the adapter at most once.
type Factory struct {
	registry *Registry
	tokens   TokenService
	configs  ConfigStore
	logger   *slog.Logger
	metrics  *observability.Metrics

	// baseDir holds per-user subprocess working directories.
	baseDir string
	// memoryDir holds per-role memory store files.
	memoryDir string
	// installedAppCreds is the installed-application OAuth client blob
	// written into subprocess working directories for Google providers.
	installedAppCreds []byte

	mu       sync.Mutex
	cache    map[CacheKey]Adapter
	inflight map[CacheKey]*flight
}

type flight struct {
	done    chan struct{}
	adapter Adapter
	err     error
}

// FactoryOption configures the factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets the factory logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithInstalledAppCredentials sets the OAuth client credentials blob written
// into Google provider working directories.
func WithInstalledAppCredentials(blob []byte) FactoryOption {
	return func(f *Factory) {
		f.installedAppCreds = blob
	}
}

// WithFactoryMetrics attaches the metric set for connect/reconnect counts.
func WithFactoryMetrics(m *observability.Metrics) FactoryOption {
	return func(f *Factory) {
		f.metrics = m
	}
}

// NewFactory creates an adapter factory.
func NewFactory(registry *Registry, tokens TokenService, configs ConfigStore, baseDir, memoryDir string, opts ...FactoryOption) *Factory {
	f := &Factory{
		registry:  registry,
		tokens:    tokens,
		configs:   configs,
		logger:    slog.Default().With("component", "adapter_factory"),
		baseDir:   baseDir,
		memoryDir: memoryDir,
		cache:     make(map[CacheKey]Adapter),
		inflight:  make(map[CacheKey]*flight),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetAdapter returns a live adapter for the principal, constructing one on
// cache miss. RoleID participates in the key only for per-role providers.
func (f *Factory) GetAdapter(ctx context.Context, userID, providerKey, roleID string) (Adapter, error) {
	spec, ok := f.registry.Spec(providerKey)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerKey)
	}

	key := CacheKey{UserID: userID, Provider: providerKey}
	if spec.Scope == models.ScopePerRole {
		key.RoleID = roleID
	}

	for {
		f.mu.Lock()
		if cached, ok := f.cache[key]; ok {
			f.mu.Unlock()
			if cached.Connected() {
				return cached, nil
			}
			// One reconnect attempt on a cached-but-disconnected hit;
			// evict on failure and construct fresh.
			if err := cached.Reconnect(ctx); err == nil {
				if f.metrics != nil {
					f.metrics.AdapterConnects.WithLabelValues(providerKey, "reconnect").Inc()
				}
				return cached, nil
			}
			f.logger.Warn("cached adapter reconnect failed, evicting", "provider", providerKey)
			f.evict(key)
			continue
		}

		if fl, ok := f.inflight[key]; ok {
			f.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fl.err != nil {
				return nil, fl.err
			}
			return fl.adapter, nil
		}

		fl := &flight{done: make(chan struct{})}
		f.inflight[key] = fl
		f.mu.Unlock()

		adapter, err := f.construct(ctx, userID, roleID, spec, key)
		fl.adapter, fl.err = adapter, err

		f.mu.Lock()
		delete(f.inflight, key)
		if err == nil {
			f.cache[key] = adapter
		}
		f.mu.Unlock()
		close(fl.done)

		return adapter, err
	}
}

func (f *Factory) construct(ctx context.Context, userID, roleID string, spec models.ProviderSpec, key CacheKey) (Adapter, error) {
	opts := CreateOptions{UserID: userID, RoleID: roleID}

	if f.registry.IsInProcess(spec.Key) {
		tokenData, err := f.resolveTokenData(ctx, userID, roleID, spec)
		if err != nil {
			return nil, err
		}
		opts.TokenData = tokenData
	} else {
		workDir, err := f.prepareUserDir(userID, spec)
		if err != nil {
			return nil, err
		}
		opts.WorkDir = workDir
		env, err := f.resolveEnv(ctx, userID, spec)
		if err != nil {
			return nil, err
		}
		opts.Env = env
	}

	inner, err := f.registry.Create(ctx, spec.Key, opts)
	if err != nil {
		return nil, fmt.Errorf("create adapter %s: %w", spec.Key, err)
	}

	if c, ok := inner.(interface{ Connect(context.Context) error }); ok {
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect adapter %s: %w", spec.Key, err)
		}
	}

	if f.metrics != nil {
		f.metrics.AdapterConnects.WithLabelValues(spec.Key, "connect").Inc()
	}
	f.logger.Info("adapter created", "provider", spec.Key, "user", userID, "role", key.RoleID)
	return &cachedAdapter{Adapter: inner, factory: f, key: key}, nil
}

// resolveTokenData gathers credentials for in-process adapters.
func (f *Factory) resolveTokenData(ctx context.Context, userID, roleID string, spec models.ProviderSpec) (map[string]any, error) {
	data := map[string]any{}

	switch spec.Auth {
	case models.AuthOAuthGoogle:
		tok, err := f.tokens.Token(ctx, userID, spec.Key, "")
		if err != nil {
			return nil, err
		}
		data["access_token"] = tok.AccessToken
		data["account_email"] = tok.AccountEmail
	case models.AuthAPIKey:
		apiKey, err := f.configs.ProviderAPIKey(ctx, spec.Key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("provider %s: %w", spec.Key, ErrAPIKeyMissing)
		}
		if err != nil {
			return nil, err
		}
		data["api_key"] = apiKey
	}

	if spec.Scope == models.ScopePerRole {
		data["role_id"] = roleID
		data["db_path"] = filepath.Join(f.memoryDir, roleID+".json")
	}
	return data, nil
}

// ErrAPIKeyMissing indicates an api_key provider has no stored key.
var ErrAPIKeyMissing = errors.New("api key not configured")

// prepareUserDir creates the subprocess working directory and, for Google
// OAuth providers, writes the installed-application credentials file under
// its stable name.
func (f *Factory) prepareUserDir(userID string, spec models.ProviderSpec) (string, error) {
	dir := filepath.Join(f.baseDir, "users", userID, spec.Key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("prepare user dir: %w", err)
	}

	if spec.Auth == models.AuthOAuthGoogle && len(f.installedAppCreds) > 0 {
		name := spec.CredentialsFile
		if name == "" {
			name = "credentials.json"
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, f.installedAppCreds, 0o600); err != nil {
			return "", fmt.Errorf("write credentials file: %w", err)
		}
	}
	return dir, nil
}

// resolveEnv builds credential environment variables for subprocess adapters.
func (f *Factory) resolveEnv(ctx context.Context, userID string, spec models.ProviderSpec) (map[string]string, error) {
	env := map[string]string{}
	switch spec.Auth {
	case models.AuthOAuthGoogle:
		tok, err := f.tokens.Token(ctx, userID, spec.Key, "")
		if err != nil {
			return nil, err
		}
		env["OAUTH_ACCESS_TOKEN"] = tok.AccessToken
		env["OAUTH_ACCOUNT_EMAIL"] = tok.AccountEmail
	case models.AuthAPIKey:
		apiKey, err := f.configs.ProviderAPIKey(ctx, spec.Key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("provider %s: %w", spec.Key, ErrAPIKeyMissing)
		}
		if err != nil {
			return nil, err
		}
		env["PROVIDER_API_KEY"] = apiKey
	}
	return env, nil
}

// CloseUser evicts and closes all of a user's adapters.
func (f *Factory) CloseUser(userID string) {
	f.mu.Lock()
	var victims []Adapter
	for key, ad := range f.cache {
		if key.UserID == userID {
			victims = append(victims, ad)
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()

	for _, ad := range victims {
		if inner, ok := ad.(*cachedAdapter); ok {
			inner.Adapter.Close()
		} else {
			ad.Close()
		}
	}
}

// CloseRole evicts and closes all adapters scoped to one of a user's
// roles (role deletion).
func (f *Factory) CloseRole(userID, roleID string) {
	if roleID == "" {
		return
	}
	f.mu.Lock()
	var victims []Adapter
	for key, ad := range f.cache {
		if key.UserID == userID && key.RoleID == roleID {
			victims = append(victims, ad)
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()

	for _, ad := range victims {
		if inner, ok := ad.(*cachedAdapter); ok {
			inner.Adapter.Close()
		} else {
			ad.Close()
		}
	}
}

// CloseAll closes every cached adapter (shutdown).
func (f *Factory) CloseAll() {
	f.mu.Lock()
	victims := make([]Adapter, 0, len(f.cache))
	for key, ad := range f.cache {
		victims = append(victims, ad)
		delete(f.cache, key)
	}
	f.mu.Unlock()

	for _, ad := range victims {
		if inner, ok := ad.(*cachedAdapter); ok {
			inner.Adapter.Close()
		} else {
			ad.Close()
		}
	}
}

// ListLive returns a snapshot of the cached adapters.
func (f *Factory) ListLive() []LiveAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LiveAdapter, 0, len(f.cache))
	for key, ad := range f.cache {
		out = append(out, LiveAdapter{Key: key, Adapter: ad})
	}
	return out
}

func (f *Factory) evict(key CacheKey) {
	f.mu.Lock()
	delete(f.cache, key)
	f.mu.Unlock()
}

// cachedAdapter removes its cache entry when closed.
type cachedAdapter struct {
	Adapter
	factory *Factory
	key     CacheKey
}

func (c *cachedAdapter) Close() error {
	c.factory.evict(c.key)
	return c.Adapter.Close()
}
