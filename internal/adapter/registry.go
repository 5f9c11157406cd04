package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// CreateOptions carries per-principal context into adapter construction.
type CreateOptions struct {
	Spec   models.ProviderSpec
	UserID string
	RoleID string

	// WorkDir and Env apply to subprocess adapters.
	WorkDir string
	Env     map[string]string

	// TokenData carries resolved credentials for in-process adapters:
	// access_token/account_email for oauth_google, api_key for api_key
	// providers, role_id/db_path for per-role stores.
	TokenData map[string]any
}

// InProcessFactory constructs an in-process adapter for a principal.
type InProcessFactory func(ctx context.Context, opts CreateOptions) (Adapter, error)

// Registry maps provider keys to adapter factories. Registration is static,
// wired once at startup.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]models.ProviderSpec
	inproc map[string]InProcessFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:  make(map[string]models.ProviderSpec),
		inproc: make(map[string]InProcessFactory),
	}
}

// RegisterSubprocess registers a subprocess provider by its descriptor.
func (r *Registry) RegisterSubprocess(spec models.ProviderSpec) {
	spec.Transport = models.TransportSubprocess
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Key] = spec
}

// RegisterInProcess registers an in-process provider with its factory.
func (r *Registry) RegisterInProcess(spec models.ProviderSpec, factory InProcessFactory) {
	spec.Transport = models.TransportInProcess
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Key] = spec
	r.inproc[spec.Key] = factory
}

// IsInProcess reports whether the provider runs in process.
func (r *Registry) IsInProcess(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inproc[key]
	return ok
}

// Spec returns the descriptor for a provider key.
func (r *Registry) Spec(key string) (models.ProviderSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[key]
	return spec, ok
}

// Specs returns all registered descriptors sorted by key.
func (r *Registry) Specs() []models.ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Create instantiates an adapter for the provider key. Subprocess adapters
// are returned unconnected; the factory performs the connect step.
func (r *Registry) Create(ctx context.Context, key string, opts CreateOptions) (Adapter, error) {
	r.mu.RLock()
	spec, ok := r.specs[key]
	factory := r.inproc[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", key)
	}
	opts.Spec = spec

	if factory != nil {
		return factory(ctx, opts)
	}

	return NewSubprocess(spec, SubprocessOptions{
		WorkDir: opts.WorkDir,
		Env:     opts.Env,
	}), nil
}
