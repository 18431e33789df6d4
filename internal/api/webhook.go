package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kalambet/chatrelay/internal/telegram"
)

// Webhook accepts Telegram update deliveries. Each update is acknowledged
// immediately and queued under the base context, so a slow AI call never
// makes Telegram redeliver. A user's updates are handled in arrival order.
type Webhook struct {
	ctx        context.Context
	dispatcher *telegram.Dispatcher
	logger     *slog.Logger
}

// NewWebhook creates a Webhook that dispatches to handler until ctx is done.
func NewWebhook(ctx context.Context, handler telegram.Handler, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{ctx: ctx, dispatcher: telegram.NewDispatcher(handler), logger: logger}
}

func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var u telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid update: %v", err)
		return
	}
	if wh.ctx.Err() != nil {
		httpError(w, http.StatusServiceUnavailable, "api_error", "shutting down")
		return
	}

	wh.dispatcher.Dispatch(wh.ctx, u)

	wh.logger.Debug("webhook update accepted", "update_id", u.UpdateID)
	w.WriteHeader(http.StatusOK)
}

// Wait blocks until every accepted update has been handled.
func (wh *Webhook) Wait() {
	wh.dispatcher.Wait()
}
