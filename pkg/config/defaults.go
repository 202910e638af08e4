package config

import "time"

// builtinDefaults returns the baseline configuration merged under user YAML.
func builtinDefaults() *Config {
	return &Config{
		System: SystemConfig{
			JournalDir:     "./data/journal",
			RequestTimeout: 120 * time.Second,
		},
		Backend: BackendConfig{
			Family:    FamilyChatCompletions,
			Provider:  ProviderOpenAI,
			Model:     "gpt-4o",
			APIKeyEnv: "OPENAI_API_KEY",
			OllamaURL: "http://localhost:11434",
		},
		Defaults: DefaultsConfig{
			Agents: map[string]bool{},
			MCP:    map[string]bool{},
		},
		Retention: RetentionConfig{
			RunTTL:        24 * time.Hour,
			SweepInterval: time.Hour,
		},
	}
}
