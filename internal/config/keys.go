package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names the secret in the platform secret store.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "NOTEBASE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "NOTEBASE_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOTEBASE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "NOTEBASE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "enrichment.provider", typ: kString, env: "NOTEBASE_ENRICHMENT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Enrichment.Provider },
	},
	{
		key: "enrichment.timeout", typ: kDuration, env: "NOTEBASE_ENRICHMENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Enrichment.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Enrichment.Timeout },
	},
	{
		key: "ollama.base_url", typ: kString, env: "NOTEBASE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "NOTEBASE_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "NOTEBASE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openai.base_url", typ: kString, env: "NOTEBASE_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "NOTEBASE_OPENAI_API_KEY",
		secret: true, account: "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.chat_model", typ: kString, env: "NOTEBASE_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "NOTEBASE_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "NOTEBASE_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "NOTEBASE_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "NOTEBASE_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.base_delay", typ: kDuration, env: "NOTEBASE_QUEUE_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Queue.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BaseDelay },
	},
	{
		key: "queue.max_delay", typ: kDuration, env: "NOTEBASE_QUEUE_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.MaxDelay },
	},
	{
		key: "queue.stale_after", typ: kDuration, env: "NOTEBASE_QUEUE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Queue.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.StaleAfter },
	},
	{
		key: "search.candidate_limit", typ: kInt, env: "NOTEBASE_SEARCH_CANDIDATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.CandidateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CandidateLimit },
	},
	{
		key: "search.cache_size", typ: kInt, env: "NOTEBASE_SEARCH_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CacheSize },
	},
	{
		key: "search.cache_ttl", typ: kDuration, env: "NOTEBASE_SEARCH_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.CacheTTL },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
