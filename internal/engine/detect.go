package engine

import "fmt"

// Provider names accepted by Detect.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider      string
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

// Detect returns the engine for the configured provider. ProviderNone
// yields a nil Engine and no error; callers then run heuristics only.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case ProviderOpenAI:
		return NewOpenAIEngine(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	case ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown enrichment provider %q (want %s, %s or %s)",
			cfg.Provider, ProviderOllama, ProviderOpenAI, ProviderNone)
	}
}
