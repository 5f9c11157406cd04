package models

import "encoding/json"

// Transport specifies how an adapter communicates with its provider.
type Transport string

const (
	TransportSubprocess Transport = "subprocess"
	TransportInProcess  Transport = "in_process"
)

// AuthKind specifies the credential requirement of a provider.
type AuthKind string

const (
	AuthNone        AuthKind = "none"
	AuthOAuthGoogle AuthKind = "oauth_google"
	AuthAPIKey      AuthKind = "api_key"
)

// Visibility controls whether a provider's tools are offered to the model
// in direct bootstrap mode.
type Visibility string

const (
	VisibilityHidden      Visibility = "hidden"
	VisibilityUserVisible Visibility = "user_visible"
)

// Scope determines the adapter cache key granularity for a provider.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopePerRole    Scope = "per_role"
	ScopePerAccount Scope = "per_account"
)

// ProviderSpec is the static descriptor of a capability source.
type ProviderSpec struct {
	Key         string     `yaml:"key" json:"key"`
	DisplayName string     `yaml:"display_name" json:"display_name"`
	Transport   Transport  `yaml:"transport" json:"transport"`
	Auth        AuthKind   `yaml:"auth" json:"auth"`
	Visibility  Visibility `yaml:"visibility" json:"visibility"`
	Scope       Scope      `yaml:"scope" json:"scope"`

	// Subprocess transport options
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// CredentialsFile is the on-disk name of the installed-application OAuth
	// credentials written into the adapter working directory before spawn.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// ToolDescriptor describes one tool exposed by a provider.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Provider    string          `json:"provider"`

	// RequiresDetailedSchema marks tools whose full structured schema is
	// included in search_tool listings instead of a parameter summary.
	RequiresDetailedSchema bool `json:"requires_detailed_schema,omitempty"`
}
