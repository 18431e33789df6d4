package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/storage"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

// ChatResponse reports the reply and how the run ended.
type ChatResponse struct {
	Text      string `json:"text"`
	Retryable bool   `json:"retryable"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Saved     bool   `json:"saved"`
}

func handleListUsers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		users, err := deps.Store.ListUsers(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list users: %v", err)
			return
		}
		if users == nil {
			users = []storage.User{}
		}
		writeJSON(w, users)
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userIDParam(w, r)
		if !ok {
			return
		}
		h, err := deps.Store.GetHistory(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get history: %v", err)
			return
		}
		if h == nil {
			h = history.History{}
		}
		writeJSON(w, h)
	}
}

func handleClearHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userIDParam(w, r)
		if !ok {
			return
		}
		if err := deps.Store.ClearHistory(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear history: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

func handleDeleteUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userIDParam(w, r)
		if !ok {
			return
		}
		if err := deps.Store.DeleteUserData(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete user data: %v", err)
			return
		}
		deps.Settings.Invalidate(id)
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userIDParam(w, r)
		if !ok {
			return
		}
		st, err := deps.Settings.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, st)
	}
}

// handlePatchSettings applies a JSON object of key to value. Values may be
// strings or numbers; keys are applied in no particular order and the first
// invalid one aborts the rest.
func handlePatchSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userIDParam(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		for key, raw := range fields {
			value, err := settingValue(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", key, err)
				return
			}
			err = deps.Settings.Set(r.Context(), id, key, value)
			switch {
			case errors.Is(err, settings.ErrUnknownKey), errors.Is(err, settings.ErrInvalidValue):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			case err != nil:
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set %q: %v", key, err)
				return
			}
		}

		st, err := deps.Settings.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, st)
	}
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == 0 || strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and text are required")
			return
		}

		res, err := deps.Chat.Chat(r.Context(), req.UserID, req.Text)
		if err != nil {
			deps.Logger.Error("admin chat: saving history", "user_id", req.UserID, "error", err)
		}
		writeJSON(w, ChatResponse{
			Text:      res.Text,
			Retryable: res.NeedsRetry(),
			Outcome:   res.Outcome.String(),
			ErrorKind: string(res.Code.Kind),
			Saved:     res.Save && err == nil,
		})
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid user id")
		return 0, false
	}
	return id, true
}

// settingValue renders a JSON scalar the way settings are stored.
func settingValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
