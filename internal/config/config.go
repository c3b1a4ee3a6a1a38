package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Enrichment EnrichmentConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	Worker     WorkerConfig
	Queue      QueueConfig
	Search     SearchConfig
}

type ServerConfig struct {
	Port int
	// APIToken enables bearer auth on the HTTP API when set.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type EnrichmentConfig struct {
	// Provider is "ollama", "openai" or "none".
	Provider string
	Timeout  time.Duration
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

type QueueConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	StaleAfter  time.Duration
}

type SearchConfig struct {
	CandidateLimit int
	CacheSize      int
	CacheTTL       time.Duration
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Enrichment: EnrichmentConfig{
			Provider: "ollama",
			Timeout:  10 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    defaultOpenAIBaseURL,
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			PollInterval: 500 * time.Millisecond,
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			MaxDelay:    60 * time.Second,
			StaleAfter:  10 * time.Minute,
		},
		Search: SearchConfig{
			CandidateLimit: 500,
			CacheSize:      128,
			CacheTTL:       5 * time.Minute,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.notebase.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/notebase/config.json
// and secrets fall back to $XDG_DATA_HOME/notebase/secrets.json.
//
// Environment variables (NOTEBASE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "notebase"

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Enrichment.Provider {
	case "ollama", "none":
	case "openai":
		if c.OpenAI.APIKey == "" && strings.TrimRight(c.OpenAI.BaseURL, "/") == defaultOpenAIBaseURL {
			msg := "missing required config: OpenAI API key. " +
				"Set it via environment variable NOTEBASE_OPENAI_API_KEY" +
				apiKeyHint()
			return fmt.Errorf("%s", msg)
		}
	default:
		return fmt.Errorf("invalid enrichment.provider %q: want ollama, openai or none", c.Enrichment.Provider)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("queue delays must satisfy 0 < base_delay <= max_delay (got %s, %s)", c.Queue.BaseDelay, c.Queue.MaxDelay)
	}
	if c.Queue.StaleAfter < time.Second {
		return fmt.Errorf("queue.stale_after must be at least 1s, got %s", c.Queue.StaleAfter)
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
