package backend

import (
	"fmt"
	"time"

	"github.com/atelierhq/atelier/pkg/config"
)

// New builds the backend selected by configuration. requestTimeout bounds
// non-streamed local-inference calls; remote SDK clients carry their own
// transport defaults.
func New(cfg config.BackendConfig, requestTimeout time.Duration) (Backend, error) {
	switch cfg.Family {
	case config.FamilyManagedAgent:
		return newAssistantBackend(cfg)
	case config.FamilyChatCompletions:
		if cfg.Provider == config.ProviderAnthropic {
			return newAnthropicBackend(cfg)
		}
		return newOpenAIBackend(cfg)
	case config.FamilyLocalInference:
		return newOllamaBackend(cfg, requestTimeout), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoBackend, cfg.Family)
}
