// Package pipeline turns one user input into a reply and a proposed history
// update.
//
// Precondition: at most one Process call per user is in flight. The
// pipeline reads history, calls the model and returns the updated history
// without holding any lock; the caller (internal/bot) serialises updates for
// the same user and persists Result.History only after delivery succeeds.
package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/ai"
	"github.com/kalambet/chatrelay/internal/composer"
	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/errmsg"
	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/retry"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/textutil"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultMaxReplyChars = 4000
)

// Outcome is the terminal state of one run with respect to stored history.
type Outcome int

const (
	// Rejected leaves history unchanged.
	Rejected Outcome = iota
	// Committed appends the user turn and the model turn.
	Committed
	// PartiallyCommitted appends only the user turn (content blocked).
	PartiallyCommitted
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case PartiallyCommitted:
		return "partially_committed"
	default:
		return "rejected"
	}
}

// HistoryStore loads a user's conversation.
type HistoryStore interface {
	GetHistory(ctx context.Context, userID int64) (history.History, error)
}

// SettingsSource resolves per-user generation settings, defaults applied.
type SettingsSource interface {
	Get(ctx context.Context, userID int64) (settings.Settings, error)
}

// Recorder observes finished runs.
type Recorder interface {
	ObservePipeline(kind string, outcome string, code string, elapsed time.Duration)
}

// Input is one text message to process.
type Input struct {
	UserID int64
	// Text is sent to the model and remembered for retry.
	Text string
	// HistoryText replaces Text in the stored user turn when set, e.g. a
	// document name instead of the full extracted prompt.
	HistoryText string
	Localizer   errmsg.Localizer
}

func (in Input) userTurn() history.Turn {
	if in.HistoryText != "" {
		return history.User(in.HistoryText)
	}
	return history.User(in.Text)
}

// Result is what the caller should show and persist. Save and a non-empty
// Retry are never both set.
type Result struct {
	// Text is ready for HTML parse mode.
	Text string
	// History is the full updated conversation; valid only when Save.
	History history.History
	Save    bool
	// Retry is the input to replay when the user taps Retry.
	Retry   string
	Outcome Outcome
	// Code is the classified failure; zero on success.
	Code errcode.Code
}

// NeedsRetry reports whether a Retry affordance should be offered.
func (r Result) NeedsRetry() bool {
	return r.Retry != ""
}

// Pipeline runs inputs against the AI backend.
type Pipeline struct {
	history       HistoryStore
	settings      SettingsSource
	client        ai.Client
	composer      *composer.Composer
	timeout       time.Duration
	maxReplyChars int
	logger        *slog.Logger
	recorder      Recorder
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds each model call (default 120s).
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithComposer sets the history budget used before each call.
func WithComposer(c *composer.Composer) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.composer = c
		}
	}
}

// WithMaxReplyChars caps the rendered reply length.
func WithMaxReplyChars(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxReplyChars = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// New creates a Pipeline. A nil client selects ai.NotConfigured.
func New(h HistoryStore, s SettingsSource, client ai.Client, opts ...Option) *Pipeline {
	if client == nil {
		client = ai.NotConfigured{}
	}
	p := &Pipeline{
		history:       h,
		settings:      s,
		client:        client,
		composer:      composer.New(0, 0),
		timeout:       DefaultTimeout,
		maxReplyChars: DefaultMaxReplyChars,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs a text input through the model. sess holds the user's retry
// slot and is updated according to the outcome.
func (p *Pipeline) Process(ctx context.Context, sess retry.Session, in Input) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "user_id", in.UserID, "panic", r, "stack", string(debug.Stack()))
			res = p.aborted(sess, in.Localizer)
		}
		p.observe("text", res, time.Since(start))
	}()

	h, st, ok := p.load(ctx, in.UserID)
	if !ok {
		return p.aborted(sess, in.Localizer)
	}

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.client.Generate(genCtx, ai.Request{
		History:     p.composer.Fit(h, in.Text),
		Prompt:      in.Text,
		Model:       st.Model,
		Temperature: st.Temperature,
		MaxTokens:   st.MaxTokens,
	})
	if err != nil {
		return p.failed(sess, in, h, errcode.Classify(err, errcode.UnknownAPIError), in.Text)
	}
	if strings.TrimSpace(out) == "" {
		return p.empty(sess, in, in.Text)
	}

	forget(sess)
	return Result{
		Text:    textutil.Sanitize(out, p.maxReplyChars),
		History: h.Append(in.userTurn(), history.Model(out)),
		Save:    true,
		Outcome: Committed,
	}
}

// load reads history and settings. ok is false when either read failed.
func (p *Pipeline) load(ctx context.Context, userID int64) (history.History, settings.Settings, bool) {
	h, err := p.history.GetHistory(ctx, userID)
	if err != nil {
		p.logger.Error("loading history", "user_id", userID, "error", err)
		return nil, settings.Settings{}, false
	}
	if h == nil {
		h = history.History{}
	}
	st, err := p.settings.Get(ctx, userID)
	if err != nil {
		p.logger.Error("loading settings", "user_id", userID, "error", err)
		return nil, settings.Settings{}, false
	}
	return h, st, true
}

// failed maps a classified failure onto a Result. replay is the input
// remembered for retry; empty means the input cannot be replayed.
func (p *Pipeline) failed(sess retry.Session, in Input, h history.History, code errcode.Code, replay string) Result {
	text, needsRetry := errmsg.Format(&code, in.Localizer)
	p.logger.Warn("generation failed", "user_id", in.UserID, "code", code.String(), "retryable", needsRetry)

	switch {
	case needsRetry && replay != "":
		remember(sess, replay)
		return Result{Text: text, Retry: replay, Outcome: Rejected, Code: code}
	case code.Kind == errcode.BlockedContent:
		forget(sess)
		return Result{
			Text:    text,
			History: h.Append(in.userTurn()),
			Save:    true,
			Outcome: PartiallyCommitted,
			Code:    code,
		}
	default:
		forget(sess)
		return Result{Text: text, Outcome: Rejected, Code: code}
	}
}

// empty handles a call that returned neither text nor an error.
func (p *Pipeline) empty(sess retry.Session, in Input, replay string) Result {
	p.logger.Warn("model returned empty output", "user_id", in.UserID)
	res := Result{
		Text:    errmsg.Generic(in.Localizer),
		Outcome: Rejected,
		Code:    errcode.Newf(errcode.UnknownAPIError, "empty response"),
	}
	if replay == "" {
		forget(sess)
		return res
	}
	remember(sess, replay)
	res.Retry = replay
	return res
}

// aborted is the result for storage failures and recovered panics: generic
// text, nothing saved, nothing to retry.
func (p *Pipeline) aborted(sess retry.Session, loc errmsg.Localizer) Result {
	forget(sess)
	return Result{
		Text:    errmsg.Generic(loc),
		Outcome: Rejected,
		Code:    errcode.Newf(errcode.UnknownAPIError, "aborted"),
	}
}

func (p *Pipeline) observe(kind string, res Result, elapsed time.Duration) {
	if p.recorder == nil {
		return
	}
	p.recorder.ObservePipeline(kind, res.Outcome.String(), string(res.Code.Kind), elapsed)
}

func remember(sess retry.Session, input string) {
	if sess != nil {
		retry.Remember(sess, input)
	}
}

func forget(sess retry.Session) {
	if sess != nil {
		retry.Forget(sess)
	}
}
