package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatrelay/internal/ai"
	"github.com/kalambet/chatrelay/internal/bot"
	"github.com/kalambet/chatrelay/internal/composer"
	"github.com/kalambet/chatrelay/internal/config"
	"github.com/kalambet/chatrelay/internal/deliver"
	"github.com/kalambet/chatrelay/internal/gemini"
	"github.com/kalambet/chatrelay/internal/i18n"
	"github.com/kalambet/chatrelay/internal/imagegen"
	"github.com/kalambet/chatrelay/internal/metrics"
	"github.com/kalambet/chatrelay/internal/ollama"
	"github.com/kalambet/chatrelay/internal/openrouter"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/session"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/storage"
	"github.com/kalambet/chatrelay/internal/telegram"
)

// app is the wired object graph shared by the server and the MCP command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	settings *settings.Manager
	sessions *session.Store
	metrics  *metrics.Metrics
	telegram *telegram.Client
	ai       ai.Client
	bot      *bot.Bot
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] unknown log level %q, using info\n", level)
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newAIClient(cfg config.Config) ai.Client {
	switch cfg.AI.Provider {
	case config.ProviderOllama:
		return ollama.New(cfg.Ollama.BaseURL, cfg.AI.DefaultModel)
	case config.ProviderOpenRouter:
		return openrouter.New(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, cfg.AI.DefaultModel)
	default:
		return gemini.New(gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			BaseURL: cfg.Gemini.BaseURL,
			Model:   cfg.AI.DefaultModel,
		})
	}
}

// buildApp opens storage and wires every component. The caller must call
// close when done.
func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	catalog, err := i18n.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading message catalogs: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		sessions: session.NewStore(cfg.Session.TTL),
		metrics:  metrics.New(),
		ai:       newAIClient(cfg),
	}
	if _, ok := a.ai.(ai.NotConfigured); ok {
		logger.Warn("AI provider has no API key; replies will report a configuration error", "provider", cfg.AI.Provider)
	}

	a.settings = settings.NewManager(store, settings.Settings{
		Model:       cfg.AI.DefaultModel,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
	}, cfg.AI.Models, catalog.Languages())

	a.telegram = telegram.NewClient(cfg.Telegram.Token,
		telegram.WithBaseURL(cfg.Telegram.APIURL),
		telegram.WithRateLimit(cfg.Telegram.RateLimit, max(1, int(cfg.Telegram.RateLimit))),
	)

	comp := composer.New(cfg.AI.ContextBudget, cfg.Documents.MaxPromptChars)
	pipe := pipeline.New(store, a.settings, a.ai,
		pipeline.WithTimeout(cfg.AI.Timeout),
		pipeline.WithComposer(comp),
		pipeline.WithLogger(logger),
		pipeline.WithRecorder(a.metrics),
	)

	images := imagegen.New(imagegen.Config{
		Token:   cfg.ImageGen.Token,
		BaseURL: cfg.ImageGen.BaseURL,
		Model:   cfg.ImageGen.Model,
	})
	if !imagegen.Configured(images) {
		logger.Info("image generation disabled: no imagegen.token")
	}

	a.bot = bot.New(bot.Deps{
		Transport: a.telegram,
		Store:     store,
		Settings:  a.settings,
		Pipeline:  pipe,
		Deliverer: deliver.New(a.telegram, deliver.WithLogger(logger), deliver.WithRecorder(a.metrics)),
		Sessions:  a.sessions,
		Catalog:   catalog,
		Composer:  comp,
		Images:    images,
		Logger:    logger,
		Recorder:  a.metrics,
	}, bot.Config{
		MaxDocumentBytes: int64(cfg.Documents.MaxSizeMB) << 20,
	})

	return a, nil
}

// checkReady verifies the bot token and the default model in parallel. A
// model missing from the OpenRouter catalog is only logged.
func (a *app) checkReady(ctx context.Context, progress io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		me, err := a.telegram.GetMe(gctx)
		if err != nil {
			return fmt.Errorf("checking Telegram token: %w", err)
		}
		a.logger.Info("telegram bot authenticated", "username", me.Username, "id", me.ID)
		return nil
	})
	if oc, ok := a.ai.(*ollama.Client); ok {
		g.Go(func() error {
			return ollama.EnsureReady(gctx, oc, a.cfg.AI.DefaultModel, progress)
		})
	}
	if oc, ok := a.ai.(*openrouter.Client); ok {
		g.Go(func() error {
			found, err := oc.HasModel(gctx, a.cfg.AI.DefaultModel)
			switch {
			case err != nil:
				a.logger.Warn("could not list OpenRouter models", "error", err)
			case !found:
				a.logger.Warn("default model not offered by OpenRouter", "model", a.cfg.AI.DefaultModel)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
