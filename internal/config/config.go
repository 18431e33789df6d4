package config

import (
	"fmt"
	"slices"
	"time"
)

// Telegram update intake modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// AI providers.
const (
	ProviderGemini     = "gemini"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Telegram   TelegramConfig
	AI         AIConfig
	Gemini     GeminiConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	ImageGen   ImageGenConfig
	Session    SessionConfig
	Documents  DocumentsConfig
}

type ServerConfig struct {
	Host string
	Port int
	// MCPPort serves MCP over streamable HTTP; 0 disables it.
	MCPPort    int
	AdminToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type TelegramConfig struct {
	Token         string
	Mode          string
	WebhookURL    string
	WebhookSecret string
	APIURL        string
	// RateLimit caps outbound Bot API calls per second.
	RateLimit float64
}

type AIConfig struct {
	Provider     string
	DefaultModel string
	Models       []string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	// ContextBudget is the history budget in estimated tokens.
	ContextBudget int
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
}

type OllamaConfig struct {
	BaseURL string
}

// OpenRouterConfig targets any OpenAI-compatible chat completions API.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
}

type ImageGenConfig struct {
	Token   string
	Model   string
	BaseURL string
}

type SessionConfig struct {
	TTL time.Duration
}

type DocumentsConfig struct {
	MaxSizeMB      int
	MaxPromptChars int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    4000,
			MCPPort: 4001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Telegram: TelegramConfig{
			Mode:      ModePolling,
			APIURL:    "https://api.telegram.org",
			RateLimit: 25,
		},
		AI: AIConfig{
			Provider:      ProviderGemini,
			DefaultModel:  "gemini-2.0-flash",
			Models:        []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"},
			Temperature:   0.7,
			MaxTokens:     1024,
			Timeout:       60 * time.Second,
			ContextBudget: 8000,
		},
		Gemini: GeminiConfig{
			BaseURL: "https://generativelanguage.googleapis.com",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		OpenRouter: OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		ImageGen: ImageGenConfig{
			Model:   "stabilityai/stable-diffusion-xl-base-1.0",
			BaseURL: "https://api-inference.huggingface.co",
		},
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		Documents: DocumentsConfig{
			MaxSizeMB:      20,
			MaxPromptChars: 30000,
		},
	}
}

// Load reads $XDG_CONFIG_HOME/chatrelay/config.toml, applies CHATRELAY_*
// environment overrides, then fills secrets that are still empty from
// secrets.toml in the data directory.
//
// Only the Telegram token is required. A missing AI key or image token is
// not an error; the corresponding clients run in their not-configured mode.
func Load() (Config, error) {
	cfg, err := LoadPartial()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial is Load without validation. CLI commands that only need
// the port, data dir or admin token use it so a missing bot token does not
// stop them.
func LoadPartial() (Config, error) {
	return loadFromPath(configFilePath())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path), func(dataDir string) ConfigBackend {
		return newFileBackend(secretsFilePath(dataDir))
	})
}

func loadWith(b ConfigBackend, secrets func(dataDir string) ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := applySecrets(&cfg, secrets(cfg.Storage.DataDir)); err != nil {
		return Config{}, err
	}

	if cfg.AI.DefaultModel != "" && !slices.Contains(cfg.AI.Models, cfg.AI.DefaultModel) {
		cfg.AI.Models = append([]string{cfg.AI.DefaultModel}, cfg.AI.Models...)
	}

	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("missing required config: Telegram bot token. " +
			"Set it via environment variable CHATRELAY_TELEGRAM_TOKEN or telegram.token in secrets.toml")
	}
	switch cfg.Telegram.Mode {
	case ModePolling:
	case ModeWebhook:
		if cfg.Telegram.WebhookURL == "" {
			return fmt.Errorf("telegram.mode is %q but telegram.webhook_url is empty", ModeWebhook)
		}
	default:
		return fmt.Errorf("invalid telegram.mode %q (want %s or %s)", cfg.Telegram.Mode, ModePolling, ModeWebhook)
	}
	switch cfg.AI.Provider {
	case ProviderGemini, ProviderOllama, ProviderOpenRouter:
	default:
		return fmt.Errorf("invalid ai.provider %q (want %s, %s or %s)",
			cfg.AI.Provider, ProviderGemini, ProviderOllama, ProviderOpenRouter)
	}
	if len(cfg.AI.Models) == 0 {
		return fmt.Errorf("ai.models must list at least one model")
	}
	return nil
}
