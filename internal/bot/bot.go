// Package bot adapts Telegram updates to the input pipeline: it resolves the
// user's language, serialises updates per user, shows progress, delivers the
// reply and persists history once the user has seen it.
package bot

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatrelay/internal/composer"
	"github.com/kalambet/chatrelay/internal/deliver"
	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/errmsg"
	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/i18n"
	"github.com/kalambet/chatrelay/internal/imagegen"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/session"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/telegram"
	"github.com/kalambet/chatrelay/internal/typing"
)

const (
	defaultMaxDocumentBytes = 20 << 20
	photoMIMEType           = "image/jpeg"
)

// Transport is the subset of the Bot API the handlers use.
type Transport interface {
	deliver.Transport
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) (telegram.Message, error)
	AnswerCallbackQuery(ctx context.Context, id, text string) error
	DeleteMessage(ctx context.Context, ref telegram.MessageRef) error
	Download(ctx context.Context, fileID string, max int64) ([]byte, error)
}

// Store persists conversations and user records.
// Implemented by storage.Store.
type Store interface {
	pipeline.HistoryStore
	SaveHistory(ctx context.Context, userID int64, h history.History) error
	ClearHistory(ctx context.Context, userID int64) error
	DeleteUserData(ctx context.Context, userID int64) error
	TouchUser(ctx context.Context, userID int64) error
}

// Settings reads and updates validated user settings.
// Implemented by settings.Manager.
type Settings interface {
	Get(ctx context.Context, userID int64) (settings.Settings, error)
	Set(ctx context.Context, userID int64, key, value string) error
	Invalidate(userID int64)
	Models() []string
	Languages() []string
}

// Recorder observes intake and image generation.
type Recorder interface {
	ObserveUpdate(updateType string)
	ObserveImageGeneration(code string)
}

// Config holds the handler limits.
type Config struct {
	// MaxDocumentBytes rejects larger uploads before download.
	MaxDocumentBytes int64
	TypingInterval   time.Duration
}

// Bot handles updates. It implements telegram.Handler.
type Bot struct {
	transport Transport
	store     Store
	settings  Settings
	pipeline  *pipeline.Pipeline
	deliverer *deliver.Deliverer
	sessions  *session.Store
	catalog   *i18n.Catalog
	composer  *composer.Composer
	images    imagegen.Generator
	cfg       Config
	logger    *slog.Logger
	recorder  Recorder
}

var _ telegram.Handler = (*Bot)(nil)

// Deps are the collaborators of a Bot.
type Deps struct {
	Transport Transport
	Store     Store
	Settings  Settings
	Pipeline  *pipeline.Pipeline
	Deliverer *deliver.Deliverer
	Sessions  *session.Store
	Catalog   *i18n.Catalog
	Composer  *composer.Composer
	Images    imagegen.Generator
	Logger    *slog.Logger
	Recorder  Recorder
}

// New creates a Bot. Missing optional collaborators get working defaults.
func New(d Deps, cfg Config) *Bot {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = defaultMaxDocumentBytes
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = typing.DefaultInterval
	}
	b := &Bot{
		transport: d.Transport,
		store:     d.Store,
		settings:  d.Settings,
		pipeline:  d.Pipeline,
		deliverer: d.Deliverer,
		sessions:  d.Sessions,
		catalog:   d.Catalog,
		composer:  d.Composer,
		images:    d.Images,
		cfg:       cfg,
		logger:    d.Logger,
		recorder:  d.Recorder,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.deliverer == nil {
		b.deliverer = deliver.New(d.Transport, deliver.WithLogger(b.logger))
	}
	if b.sessions == nil {
		b.sessions = session.NewStore(0)
	}
	if b.composer == nil {
		b.composer = composer.New(0, 0)
	}
	if b.images == nil {
		b.images = imagegen.New(imagegen.Config{})
	}
	return b
}

// request carries the per-update context every handler needs.
type request struct {
	id     string
	userID int64
	chatID int64
	user   telegram.User
	loc    *i18n.Localizer
	sess   *session.Session
	log    *slog.Logger
}

// HandleUpdate processes one update. Updates for the same user run one at a
// time; handler panics are logged and swallowed.
func (b *Bot) HandleUpdate(ctx context.Context, u telegram.Update) {
	userID := u.UserID()
	if userID == 0 {
		return
	}
	b.observeUpdate(u)

	unlock := b.sessions.Lock(userID)
	defer unlock()

	req := b.newRequest(ctx, u)
	defer func() {
		if r := recover(); r != nil {
			req.log.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, req, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, req, u.Message)
	}
}

func (b *Bot) newRequest(ctx context.Context, u telegram.Update) *request {
	req := &request{id: uuid.NewString(), userID: u.UserID()}
	switch {
	case u.CallbackQuery != nil:
		req.user = u.CallbackQuery.From
		if m := u.CallbackQuery.Message; m != nil {
			req.chatID = m.Chat.ID
		} else {
			req.chatID = req.userID
		}
	case u.Message != nil:
		req.user = *u.Message.From
		req.chatID = u.Message.Chat.ID
	}
	req.log = b.logger.With("request_id", req.id, "user_id", req.userID)
	req.sess = b.sessions.Open(req.userID)
	req.loc = b.localizer(ctx, req.userID, req.user.LanguageCode)
	return req
}

// localizer prefers the stored language setting over the client's.
func (b *Bot) localizer(ctx context.Context, userID int64, clientLang string) *i18n.Localizer {
	lang := clientLang
	if st, err := b.settings.Get(ctx, userID); err == nil && st.Language != "" {
		lang = st.Language
	}
	return b.catalog.Localizer(lang)
}

func (b *Bot) handleMessage(ctx context.Context, req *request, m *telegram.Message) {
	switch {
	case strings.HasPrefix(m.Text, "/"):
		b.handleCommand(ctx, req, m)
	case m.Text != "":
		b.handleText(ctx, req, m.Text)
	case m.Voice != nil:
		b.handleAudio(ctx, req, m.Voice.FileID, m.Voice.MIMEType, m.Voice.FileSize)
	case m.Audio != nil:
		b.handleAudio(ctx, req, m.Audio.FileID, m.Audio.MIMEType, m.Audio.FileSize)
	case len(m.Photo) > 0:
		b.handlePhoto(ctx, req, m)
	case m.Document != nil:
		b.handleDocument(ctx, req, m)
	default:
		b.sendText(ctx, req, req.loc.Text("unsupported-message", nil), nil)
	}
}

// status posts the placeholder a reply will later replace. A failed post
// returns a zero ref and the reply is sent as a new message instead.
func (b *Bot) status(ctx context.Context, req *request, key string, args map[string]string) telegram.MessageRef {
	m, err := b.transport.SendMessage(ctx, req.chatID, req.loc.Text(key, args), telegram.SendOptions{ParseMode: telegram.ParseModeHTML})
	if err != nil {
		req.log.Warn("could not post status message", "error", err)
		return telegram.MessageRef{}
	}
	return m.Ref()
}

// withAction runs fn while the chat shows action.
func (b *Bot) withAction(ctx context.Context, req *request, action string, fn func(ctx context.Context)) {
	pulse := func(ctx context.Context) error {
		return b.transport.SendChatAction(ctx, req.chatID, action)
	}
	_ = typing.Run(ctx, pulse, b.cfg.TypingInterval, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// finish delivers res into the status message and saves history only when
// the pipeline asked for it and the user saw the reply.
func (b *Bot) finish(ctx context.Context, req *request, status telegram.MessageRef, res pipeline.Result) {
	var markup *telegram.InlineKeyboardMarkup
	if res.NeedsRetry() {
		markup = telegram.Keyboard(telegram.InlineKeyboardButton{
			Text:         req.loc.Text("retry-button", nil),
			CallbackData: callbackRetry,
		})
	}

	out := b.deliverer.Deliver(ctx, b.target(req, status), res.Text, markup)
	req.log.Info("input handled",
		"outcome", res.Outcome.String(), "code", res.Code.String(),
		"delivered", out.Delivered, "retry", res.NeedsRetry())

	if !res.Save || !out.Delivered {
		return
	}
	if err := b.store.SaveHistory(ctx, req.userID, res.History); err != nil {
		req.log.Error("saving history", "error", err)
		b.sendCode(ctx, req, errcode.New(errcode.DBSaveFailed))
	}
}

// fail shows a classified failure in the status message.
func (b *Bot) fail(ctx context.Context, req *request, status telegram.MessageRef, code errcode.Code) {
	text, _ := errmsg.Format(&code, req.loc)
	req.log.Warn("input rejected", "code", code.String())
	b.deliverer.Deliver(ctx, b.target(req, status), text, nil)
}

func (b *Bot) sendCode(ctx context.Context, req *request, code errcode.Code) {
	text, _ := errmsg.Format(&code, req.loc)
	b.sendText(ctx, req, text, nil)
}

func (b *Bot) sendText(ctx context.Context, req *request, text string, markup *telegram.InlineKeyboardMarkup) {
	b.deliverer.Deliver(ctx, b.target(req, telegram.MessageRef{}), text, markup)
}

func (b *Bot) target(req *request, status telegram.MessageRef) deliver.Target {
	return deliver.Target{ChatID: req.chatID, Status: status, Localizer: req.loc}
}

func (b *Bot) observeUpdate(u telegram.Update) {
	if b.recorder == nil {
		return
	}
	b.recorder.ObserveUpdate(updateType(u))
}

func updateType(u telegram.Update) string {
	switch {
	case u.CallbackQuery != nil:
		return "callback"
	case u.Message == nil:
		return "other"
	case strings.HasPrefix(u.Message.Text, "/"):
		return "command"
	case u.Message.Text != "":
		return "text"
	case u.Message.Voice != nil, u.Message.Audio != nil:
		return "audio"
	case len(u.Message.Photo) > 0:
		return "photo"
	case u.Message.Document != nil:
		return "document"
	}
	return "other"
}
