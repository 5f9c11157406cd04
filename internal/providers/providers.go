// Package providers enumerates the built-in capability providers and wires
// them into the adapter registry at startup.
package providers

import (
	"context"
	"path/filepath"
	"time"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/scheduler"
	"github.com/haasonsaas/relay/pkg/models"
)

// Builtin returns the static provider descriptor catalog.
func Builtin() []models.ProviderSpec {
	return []models.ProviderSpec{
		{
			Key:         memory.ProviderKey,
			DisplayName: "Memory",
			Transport:   models.TransportInProcess,
			Auth:        models.AuthNone,
			Visibility:  models.VisibilityHidden,
			Scope:       models.ScopePerRole,
		},
		{
			Key:         scheduler.ProviderKey,
			DisplayName: "Scheduler",
			Transport:   models.TransportInProcess,
			Auth:        models.AuthNone,
			Visibility:  models.VisibilityUserVisible,
			Scope:       models.ScopePerRole,
		},
		{
			Key:             "gmail",
			DisplayName:     "Gmail",
			Transport:       models.TransportSubprocess,
			Auth:            models.AuthOAuthGoogle,
			Visibility:      models.VisibilityUserVisible,
			Scope:           models.ScopePerAccount,
			Command:         "relay-gmail-server",
			CredentialsFile: "gcp-oauth.keys.json",
		},
		{
			Key:             "google_drive",
			DisplayName:     "Google Drive",
			Transport:       models.TransportSubprocess,
			Auth:            models.AuthOAuthGoogle,
			Visibility:      models.VisibilityUserVisible,
			Scope:           models.ScopeGlobal,
			Command:         "relay-drive-server",
			CredentialsFile: "gcp-oauth.keys.json",
		},
		{
			Key:             "google_calendar",
			DisplayName:     "Google Calendar",
			Transport:       models.TransportSubprocess,
			Auth:            models.AuthOAuthGoogle,
			Visibility:      models.VisibilityUserVisible,
			Scope:           models.ScopeGlobal,
			Command:         "relay-calendar-server",
			CredentialsFile: "gcp-oauth.keys.json",
		},
		{
			Key:         "alpha_vantage",
			DisplayName: "Alpha Vantage",
			Transport:   models.TransportSubprocess,
			Auth:        models.AuthAPIKey,
			Visibility:  models.VisibilityUserVisible,
			Scope:       models.ScopeGlobal,
			Command:     "relay-alphavantage-server",
		},
		{
			Key:         "docs",
			DisplayName: "Document Tools",
			Transport:   models.TransportSubprocess,
			Auth:        models.AuthNone,
			Visibility:  models.VisibilityUserVisible,
			Scope:       models.ScopeGlobal,
			Command:     "relay-docs-server",
		},
	}
}

// RoleJanitor tears down role-scoped runtime state when a role is
// deleted: the cached per-role adapters and the role's memory store file.
type RoleJanitor struct {
	factory   *adapter.Factory
	memoryDir string
}

// NewRoleJanitor creates a janitor over the factory and the memory store
// directory.
func NewRoleJanitor(factory *adapter.Factory, memoryDir string) *RoleJanitor {
	return &RoleJanitor{factory: factory, memoryDir: memoryDir}
}

// CleanupRole closes the role's adapters, then destroys its memory store.
// The adapter close must come first: the memory adapter exclusively owns
// the graph file while it is live.
func (j *RoleJanitor) CleanupRole(_ context.Context, userID, roleID string) error {
	if roleID == "" {
		return nil
	}
	j.factory.CloseRole(userID, roleID)

	graph, err := memory.OpenGraph(filepath.Join(j.memoryDir, roleID+".json"))
	if err != nil {
		return err
	}
	return graph.Destroy()
}

// RegisterDeps carries the dependencies the in-process providers need.
type RegisterDeps struct {
	Jobs scheduler.ToolStore
	Now  func() time.Time
}

// Register wires the built-in providers plus any config overrides into the
// registry. Overrides replace built-ins with the same key.
func Register(registry *adapter.Registry, overrides []models.ProviderSpec, deps RegisterDeps) {
	specs := Builtin()

	merged := make(map[string]models.ProviderSpec, len(specs)+len(overrides))
	order := make([]string, 0, len(specs)+len(overrides))
	for _, spec := range specs {
		merged[spec.Key] = spec
		order = append(order, spec.Key)
	}
	for _, spec := range overrides {
		if _, exists := merged[spec.Key]; !exists {
			order = append(order, spec.Key)
		}
		merged[spec.Key] = spec
	}

	for _, key := range order {
		spec := merged[key]
		switch {
		case spec.Key == memory.ProviderKey:
			registry.RegisterInProcess(spec, memory.AdapterFactory())
		case spec.Key == scheduler.ProviderKey:
			registry.RegisterInProcess(spec, scheduler.AdapterFactory(deps.Jobs, deps.Now))
		case spec.Transport == models.TransportInProcess:
			// An in-process override without a wired factory cannot be
			// served; skip it.
		default:
			registry.RegisterSubprocess(spec)
		}
	}
}
