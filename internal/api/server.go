package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is the storage surface the admin API needs.
// Implemented by storage.Store.
type Store interface {
	GetHistory(ctx context.Context, userID int64) (history.History, error)
	ClearHistory(ctx context.Context, userID int64) error
	DeleteUserData(ctx context.Context, userID int64) error
	ListUsers(ctx context.Context, limit, offset int) ([]storage.User, error)
	Ping(ctx context.Context) error
}

// Settings reads and updates user settings.
// Implemented by settings.Manager.
type Settings interface {
	Get(ctx context.Context, userID int64) (settings.Settings, error)
	Set(ctx context.Context, userID int64, key, value string) error
	Invalidate(userID int64)
}

// Chatter runs one text input for a user and saves the result.
// Implemented by bot.Bot.
type Chatter interface {
	Chat(ctx context.Context, userID int64, text string) (pipeline.Result, error)
}

// Deps holds everything the HTTP surface serves.
type Deps struct {
	Store    Store
	Settings Settings
	Chat     Chatter
	// Token guards /v1. An empty token rejects every /v1 request.
	Token string
	// Webhook receives Telegram deliveries; nil leaves the route unmounted.
	Webhook       http.Handler
	WebhookSecret string
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewHandler returns the bot's HTTP surface: health, metrics, the Telegram
// webhook and the bearer-authenticated admin API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Webhook != nil {
		r.With(WebhookSecret(deps.WebhookSecret)).Method(http.MethodPost, "/telegram/webhook", deps.Webhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/users", handleListUsers(deps))
		r.Get("/users/{id}/history", handleGetHistory(deps))
		r.Delete("/users/{id}/history", handleClearHistory(deps))
		r.Delete("/users/{id}", handleDeleteUser(deps))
		r.Get("/users/{id}/settings", handleGetSettings(deps))
		r.Patch("/users/{id}/settings", handlePatchSettings(deps))
		r.Post("/chat", handleChat(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
