package config

import (
	"os"
	"time"
)

// BackendFamily selects which chat backend adapter is active for the process.
type BackendFamily string

const (
	FamilyManagedAgent    BackendFamily = "managed-agent"
	FamilyChatCompletions BackendFamily = "chat-completions"
	FamilyLocalInference  BackendFamily = "local-inference"
)

// Provider selects the remote API vendor for the chat-completions family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// MCPKind identifies one of the optional schema/documentation tool endpoints.
type MCPKind string

const (
	MCPBicep     MCPKind = "bicep"
	MCPTerraform MCPKind = "terraform"
	MCPDocs      MCPKind = "docs"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	System    SystemConfig    `yaml:"system"`
	Backend   BackendConfig   `yaml:"backend"`
	MCP       MCPConfig       `yaml:"mcp"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Retention RetentionConfig `yaml:"retention"`
}

// SystemConfig groups process-wide infrastructure settings.
type SystemConfig struct {
	// JournalDir is where per-run JSONL trace journals are appended.
	JournalDir string `yaml:"journal_dir"`
	// AllowedWSOrigins are additional origin patterns accepted on the
	// WebSocket endpoint (localhost is always accepted).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	// RequestTimeout is the default deadline for non-streamed outbound calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BackendConfig selects and parameterizes the chat backend adapter.
type BackendConfig struct {
	Family   BackendFamily `yaml:"family"`
	Provider Provider      `yaml:"provider"`
	Model    string        `yaml:"model"`
	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`
	// BaseURL overrides the provider endpoint (Azure and OpenAI-compatible
	// gateways). Empty means the provider default.
	BaseURL string `yaml:"base_url"`
	// Azure switches the openai provider to Azure deployment routing.
	Azure bool `yaml:"azure"`
	// OllamaURL is the local inference server base URL (local-inference only).
	OllamaURL string `yaml:"ollama_url"`
}

// APIKey resolves the provider API key from the configured environment variable.
func (b BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

// MCPEndpoint configures one optional tool endpoint.
type MCPEndpoint struct {
	URL string `yaml:"url"`
	// Force connects even when the URL looks like a human documentation site.
	Force bool `yaml:"force"`
}

// MCPConfig holds the three optional tool endpoints.
type MCPConfig struct {
	Bicep     MCPEndpoint `yaml:"bicep"`
	Terraform MCPEndpoint `yaml:"terraform"`
	Docs      MCPEndpoint `yaml:"docs"`
}

// Endpoint returns the endpoint config for a kind.
func (m MCPConfig) Endpoint(kind MCPKind) MCPEndpoint {
	switch kind {
	case MCPBicep:
		return m.Bicep
	case MCPTerraform:
		return m.Terraform
	case MCPDocs:
		return m.Docs
	}
	return MCPEndpoint{}
}

// RetentionConfig controls how long finished-run state is kept around.
type RetentionConfig struct {
	// RunTTL is the maximum age of finished-run artifacts and journal
	// files before the retention sweep drops them.
	RunTTL time.Duration `yaml:"run_ttl"`
	// SweepInterval is how often the retention loop runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultsConfig supplies request-envelope defaults merged under each run
// request (the envelope wins).
type DefaultsConfig struct {
	// Agents maps reviewer role keys to their default participation.
	Agents map[string]bool `yaml:"agents"`
	// MCP maps tool kinds to their default enablement.
	MCP map[string]bool `yaml:"mcp"`
}
