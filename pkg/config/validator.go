package config

import "fmt"

// validate checks the resolved configuration for values the service cannot
// start with. MCP endpoints are optional and never validated here; a broken
// endpoint degrades at call time instead of blocking startup.
func validate(cfg *Config) error {
	switch cfg.Backend.Family {
	case FamilyManagedAgent, FamilyChatCompletions, FamilyLocalInference:
	default:
		return NewValidationError("backend", string(cfg.Backend.Family), "family",
			fmt.Errorf("%w: must be one of managed-agent, chat-completions, local-inference", ErrInvalidValue))
	}

	if cfg.Backend.Family == FamilyChatCompletions {
		switch cfg.Backend.Provider {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			return NewValidationError("backend", string(cfg.Backend.Provider), "provider",
				fmt.Errorf("%w: must be openai or anthropic", ErrInvalidValue))
		}
	}

	if cfg.Backend.Model == "" {
		return NewValidationError("backend", string(cfg.Backend.Family), "model", ErrMissingRequiredField)
	}

	if cfg.Backend.Family == FamilyLocalInference && cfg.Backend.OllamaURL == "" {
		return NewValidationError("backend", string(cfg.Backend.Family), "ollama_url", ErrMissingRequiredField)
	}

	if cfg.System.JournalDir == "" {
		return NewValidationError("system", "system", "journal_dir", ErrMissingRequiredField)
	}

	if cfg.Retention.RunTTL < 0 {
		return NewValidationError("retention", "retention", "run_ttl",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if cfg.Retention.SweepInterval < 0 {
		return NewValidationError("retention", "retention", "sweep_interval",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}

	return nil
}
