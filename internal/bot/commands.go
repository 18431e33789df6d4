package bot

import (
	"context"
	"errors"
	"html"
	"strconv"
	"strings"

	"github.com/kalambet/chatrelay/internal/retry"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/telegram"
)

// Callback data prefixes.
const (
	callbackSettingsShow  = "settings:show"
	callbackSettingsSet   = "settings:set:"
	callbackSettingsValue = "settings:value:"
	callbackDeleteData    = "delete_data:"
)

// handleCommand dispatches "/name args". A "@botname" suffix is ignored.
func (b *Bot) handleCommand(ctx context.Context, req *request, m *telegram.Message) {
	name, args, _ := strings.Cut(m.Text, " ")
	name, _, _ = strings.Cut(strings.TrimPrefix(name, "/"), "@")
	req.log.Debug("command", "name", name)

	switch strings.ToLower(name) {
	case "start":
		if err := b.store.TouchUser(ctx, req.userID); err != nil {
			req.log.Warn("recording user", "error", err)
		}
		b.sendText(ctx, req, req.loc.Text("start-greeting", map[string]string{"name": html.EscapeString(req.user.FirstName)}), nil)
	case "help":
		b.sendText(ctx, req, req.loc.Text("help-text", nil), nil)
	case "settings":
		b.showSettings(ctx, req, telegram.MessageRef{})
	case "model":
		b.showOptions(ctx, req, telegram.MessageRef{}, settings.KeyModel)
	case "language":
		b.showOptions(ctx, req, telegram.MessageRef{}, settings.KeyLanguage)
	case "clear":
		retry.Forget(req.sess)
		if err := b.store.ClearHistory(ctx, req.userID); err != nil {
			req.log.Error("clearing history", "error", err)
			b.sendText(ctx, req, req.loc.Text("error-general", nil), nil)
			return
		}
		b.sendText(ctx, req, req.loc.Text("history-cleared", nil), nil)
	case "delete_my_data":
		b.sendText(ctx, req, req.loc.Text("privacy-delete-confirm", nil), &telegram.InlineKeyboardMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{
				{Text: req.loc.Text("privacy-yes", nil), CallbackData: callbackDeleteData + "yes"},
				{Text: req.loc.Text("privacy-no", nil), CallbackData: callbackDeleteData + "no"},
			}},
		})
	case "imagine", "generate_image":
		b.handleImagine(ctx, req, args)
	default:
		b.sendText(ctx, req, req.loc.Text("help-text", nil), nil)
	}
}

func (b *Bot) handleCallback(ctx context.Context, req *request, q *telegram.CallbackQuery) {
	var ref telegram.MessageRef
	if q.Message != nil {
		ref = q.Message.Ref()
	}

	switch data := q.Data; {
	case data == callbackRetry:
		b.handleRetry(ctx, req, q)
	case data == callbackSettingsShow:
		b.answer(ctx, req, q.ID, "")
		b.showSettings(ctx, req, ref)
	case strings.HasPrefix(data, callbackSettingsSet):
		b.answer(ctx, req, q.ID, "")
		b.showOptions(ctx, req, ref, strings.TrimPrefix(data, callbackSettingsSet))
	case strings.HasPrefix(data, callbackSettingsValue):
		b.saveSetting(ctx, req, q, ref, strings.TrimPrefix(data, callbackSettingsValue))
	case strings.HasPrefix(data, callbackDeleteData):
		b.answer(ctx, req, q.ID, "")
		b.deleteData(ctx, req, ref, strings.TrimPrefix(data, callbackDeleteData) == "yes")
	default:
		req.log.Warn("unknown callback", "data", data)
		b.answer(ctx, req, q.ID, "")
	}
}

// showSettings renders the settings overview into ref, or a new message.
func (b *Bot) showSettings(ctx context.Context, req *request, ref telegram.MessageRef) {
	st, err := b.settings.Get(ctx, req.userID)
	if err != nil {
		req.log.Error("loading settings", "error", err)
		b.sendText(ctx, req, req.loc.Text("error-general", nil), nil)
		return
	}
	lang := st.Language
	if lang == "" {
		lang = req.loc.Lang()
	}
	text := req.loc.Text("settings-title", map[string]string{
		"model":       html.EscapeString(st.Model),
		"temperature": settings.FormatTemperature(st.Temperature),
		"max_tokens":  strconv.Itoa(st.MaxTokens),
		"language":    b.catalog.Localizer(lang).Text("language-name", nil),
	})
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{
			{Text: req.loc.Text("settings-temperature-button", nil), CallbackData: callbackSettingsSet + settings.KeyTemperature},
			{Text: req.loc.Text("settings-max-tokens-button", nil), CallbackData: callbackSettingsSet + settings.KeyMaxTokens},
		},
		{
			{Text: req.loc.Text("settings-model-button", nil), CallbackData: callbackSettingsSet + settings.KeyModel},
			{Text: req.loc.Text("settings-language-button", nil), CallbackData: callbackSettingsSet + settings.KeyLanguage},
		},
	}}
	b.deliverer.Deliver(ctx, b.target(req, ref), text, markup)
}

// showOptions renders the allowed values of one setting as buttons.
func (b *Bot) showOptions(ctx context.Context, req *request, ref telegram.MessageRef, key string) {
	var (
		prompt  string
		buttons []telegram.InlineKeyboardButton
	)
	add := func(label, value string) {
		buttons = append(buttons, telegram.InlineKeyboardButton{
			Text:         label,
			CallbackData: callbackSettingsValue + key + ":" + value,
		})
	}

	switch key {
	case settings.KeyTemperature:
		prompt = "settings-choose-temperature"
		for _, t := range settings.TemperatureOptions {
			add(settings.FormatTemperature(t), settings.FormatTemperature(t))
		}
	case settings.KeyMaxTokens:
		prompt = "settings-choose-max-tokens"
		for _, n := range settings.MaxTokensOptions {
			add(strconv.Itoa(n), strconv.Itoa(n))
		}
	case settings.KeyModel:
		prompt = "settings-choose-model"
		// Model ids can exceed the 64-byte callback data limit, so the
		// button carries the index into Models.
		for i, m := range b.settings.Models() {
			add(m, strconv.Itoa(i))
		}
	case settings.KeyLanguage:
		prompt = "settings-choose-language"
		for _, l := range b.settings.Languages() {
			add(b.catalog.Localizer(l).Text("language-name", nil), l)
		}
	default:
		req.log.Warn("unknown setting in callback", "key", key)
		return
	}

	rows := make([][]telegram.InlineKeyboardButton, 0, len(buttons)+1)
	for i := 0; i < len(buttons); i += 2 {
		end := min(i+2, len(buttons))
		rows = append(rows, buttons[i:end])
	}
	rows = append(rows, []telegram.InlineKeyboardButton{{
		Text: req.loc.Text("settings-back-button", nil), CallbackData: callbackSettingsShow,
	}})
	b.deliverer.Deliver(ctx, b.target(req, ref), req.loc.Text(prompt, nil), &telegram.InlineKeyboardMarkup{InlineKeyboard: rows})
}

// saveSetting applies "key:value" and re-renders the overview. A language
// change takes effect in the same reply.
func (b *Bot) saveSetting(ctx context.Context, req *request, q *telegram.CallbackQuery, ref telegram.MessageRef, kv string) {
	key, value, ok := strings.Cut(kv, ":")
	if !ok {
		b.answer(ctx, req, q.ID, req.loc.Text("settings-invalid", nil))
		return
	}
	if key == settings.KeyModel {
		model, ok := b.modelAt(value)
		if !ok {
			b.answer(ctx, req, q.ID, req.loc.Text("settings-invalid", nil))
			return
		}
		value = model
	}
	if err := b.settings.Set(ctx, req.userID, key, value); err != nil {
		if !errors.Is(err, settings.ErrInvalidValue) && !errors.Is(err, settings.ErrUnknownKey) {
			req.log.Error("saving setting", "key", key, "error", err)
		}
		b.answer(ctx, req, q.ID, req.loc.Text("settings-invalid", nil))
		return
	}
	req.log.Info("setting changed", "key", key, "value", value)
	if key == settings.KeyLanguage {
		req.loc = b.catalog.Localizer(value)
	}
	b.answer(ctx, req, q.ID, req.loc.Text("settings-saved", nil))
	b.showSettings(ctx, req, ref)
}

// modelAt resolves a model button's index.
func (b *Bot) modelAt(index string) (string, bool) {
	i, err := strconv.Atoi(index)
	models := b.settings.Models()
	if err != nil || i < 0 || i >= len(models) {
		return "", false
	}
	return models[i], true
}

func (b *Bot) deleteData(ctx context.Context, req *request, ref telegram.MessageRef, confirmed bool) {
	if !confirmed {
		b.deliverer.Deliver(ctx, b.target(req, ref), req.loc.Text("privacy-cancelled", nil), nil)
		return
	}
	if err := b.store.DeleteUserData(ctx, req.userID); err != nil {
		req.log.Error("deleting user data", "error", err)
		b.deliverer.Deliver(ctx, b.target(req, ref), req.loc.Text("error-general", nil), nil)
		return
	}
	b.settings.Invalidate(req.userID)
	req.sess.Clear()
	req.log.Info("user data deleted")
	b.deliverer.Deliver(ctx, b.target(req, ref), req.loc.Text("privacy-deleted", nil), nil)
}
