package provider

import (
	"github.com/scripton/scripton/internal/agent/credentials"
	"github.com/scripton/scripton/internal/common/config"
	"github.com/scripton/scripton/internal/common/logger"
)

// Factory builds providers from a kind and an optional config override
// map sent by the register endpoint.
type Factory struct {
	defaults config.ProvidersConfig
	creds    *credentials.Manager
	logger   *logger.Logger
}

// NewFactory creates a factory with configured defaults.
func NewFactory(defaults config.ProvidersConfig, creds *credentials.Manager, log *logger.Logger) *Factory {
	return &Factory{defaults: defaults, creds: creds, logger: log}
}

// New constructs a provider for the kind. Config keys "binary" and
// "base_url" override the configured defaults.
func (f *Factory) New(kind Kind, cfg map[string]interface{}) (Provider, error) {
	binary := stringOption(cfg, "binary", "")
	baseURL := stringOption(cfg, "base_url", "")

	switch kind {
	case KindClaudeCode:
		if binary == "" {
			binary = f.defaults.ClaudeBinary
		}
		return NewClaudeCodeProvider(binary, f.logger), nil
	case KindGeminiCode:
		if binary == "" {
			binary = f.defaults.GeminiBinary
		}
		return NewGeminiCodeProvider(binary, f.logger), nil
	case KindOllama:
		if baseURL == "" {
			baseURL = f.defaults.OllamaURL
		}
		return NewOllamaProvider(baseURL, f.logger), nil
	case KindOpenAI:
		if baseURL == "" {
			baseURL = f.defaults.OpenAIURL
		}
		return NewOpenAIProvider(baseURL, f.creds, f.logger), nil
	case KindGemini:
		if baseURL == "" {
			baseURL = f.defaults.GeminiURL
		}
		return NewGeminiProvider(baseURL, f.creds, f.logger), nil
	}
	return nil, &UnknownProviderError{Kind: kind}
}

// Kinds lists every kind the factory can build.
func (f *Factory) Kinds() []Kind {
	return []Kind{KindClaudeCode, KindGeminiCode, KindOllama, KindOpenAI, KindGemini}
}

func stringOption(cfg map[string]interface{}, key, fallback string) string {
	if cfg == nil {
		return fallback
	}
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
