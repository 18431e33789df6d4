package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CHATRELAY_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CHATRELAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "CHATRELAY_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.admin_token", typ: kString, env: "CHATRELAY_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AdminToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATRELAY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CHATRELAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telegram.token", typ: kString, env: "CHATRELAY_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Token },
	},
	{
		key: "telegram.mode", typ: kString, env: "CHATRELAY_TELEGRAM_MODE",
		apply:   func(cfg *Config, v any) { cfg.Telegram.Mode = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Telegram.Mode },
	},
	{
		key: "telegram.webhook_url", typ: kString, env: "CHATRELAY_TELEGRAM_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookURL },
	},
	{
		key: "telegram.webhook_secret", typ: kString, env: "CHATRELAY_TELEGRAM_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookSecret },
	},
	{
		key: "telegram.api_url", typ: kString, env: "CHATRELAY_TELEGRAM_API_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.APIURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.APIURL },
	},
	{
		key: "telegram.rate_limit", typ: kFloat, env: "CHATRELAY_TELEGRAM_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Telegram.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Telegram.RateLimit },
	},
	{
		key: "ai.provider", typ: kString, env: "CHATRELAY_AI_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.AI.Provider = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.AI.Provider },
	},
	{
		key: "ai.default_model", typ: kString, env: "CHATRELAY_AI_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.DefaultModel },
	},
	{
		key: "ai.models", typ: kList, env: "CHATRELAY_AI_MODELS",
		apply:   func(cfg *Config, v any) { cfg.AI.Models = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.AI.Models, ",") },
	},
	{
		key: "ai.temperature", typ: kFloat, env: "CHATRELAY_AI_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.AI.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.AI.Temperature },
	},
	{
		key: "ai.max_tokens", typ: kInt, env: "CHATRELAY_AI_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.AI.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.MaxTokens },
	},
	{
		key: "ai.timeout", typ: kDuration, env: "CHATRELAY_AI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.AI.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.AI.Timeout },
	},
	{
		key: "ai.context_budget", typ: kInt, env: "CHATRELAY_AI_CONTEXT_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.AI.ContextBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.ContextBudget },
	},
	{
		key: "gemini.api_key", typ: kString, env: "CHATRELAY_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "CHATRELAY_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CHATRELAY_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "CHATRELAY_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "CHATRELAY_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "imagegen.token", typ: kString, env: "CHATRELAY_IMAGEGEN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.ImageGen.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.ImageGen.Token },
	},
	{
		key: "imagegen.model", typ: kString, env: "CHATRELAY_IMAGEGEN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.ImageGen.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.ImageGen.Model },
	},
	{
		key: "imagegen.base_url", typ: kString, env: "CHATRELAY_IMAGEGEN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.ImageGen.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.ImageGen.BaseURL },
	},
	{
		key: "session.ttl", typ: kDuration, env: "CHATRELAY_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "documents.max_size_mb", typ: kInt, env: "CHATRELAY_DOCUMENTS_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Documents.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Documents.MaxSizeMB },
	},
	{
		key: "documents.max_prompt_chars", typ: kInt, env: "CHATRELAY_DOCUMENTS_MAX_PROMPT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Documents.MaxPromptChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Documents.MaxPromptChars },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	default:
		return "string"
	}
}

// readKey reads one key from b. Values that do not parse produce a warning
// and are skipped; backend read errors are returned.
func readKey(cfg *Config, b ConfigBackend, s keySpec) error {
	switch s.typ {
	case kInt:
		v, ok, err := b.GetInt(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	case kList:
		v, ok, err := b.GetStrings(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	default:
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			return nil
		}
		parsed, err := parseValue(s.typ, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, v, err)
			return nil
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if err := readKey(cfg, b, s); err != nil {
			return err
		}
	}
	return nil
}

// applySecrets fills secrets the environment left empty.
func applySecrets(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if err := readKey(cfg, b, s); err != nil {
			return err
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
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
