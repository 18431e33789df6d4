// Package deliver renders a reply through the transport, recovering from
// the failures Telegram reports for edits and sends.
package deliver

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/errmsg"
	"github.com/kalambet/chatrelay/internal/telegram"
	"github.com/kalambet/chatrelay/internal/textutil"
)

// Transport is the subset of the Bot API used for replies.
type Transport interface {
	EditMessageText(ctx context.Context, ref telegram.MessageRef, text string, opts telegram.SendOptions) error
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (telegram.Message, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Recorder observes delivery results.
type Recorder interface {
	ObserveDelivery(result string)
}

// Target says where a reply goes.
type Target struct {
	ChatID int64
	// Status is the placeholder message to edit; zero means send new.
	Status telegram.MessageRef
	// Localizer renders the failure notice.
	Localizer errmsg.Localizer
}

// Outcome reports whether the user saw the reply, and which message holds
// it.
type Outcome struct {
	Delivered bool
	Message   telegram.MessageRef
}

// Deliverer sends replies with bounded recovery.
type Deliverer struct {
	transport Transport
	sleep     Sleeper
	logger    *slog.Logger
	recorder  Recorder
}

// Option customizes a Deliverer.
type Option func(*Deliverer)

// WithSleeper replaces the rate-limit wait (tests).
func WithSleeper(s Sleeper) Option {
	return func(d *Deliverer) {
		if s != nil {
			d.sleep = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(d *Deliverer) {
		d.recorder = r
	}
}

// New creates a Deliverer.
func New(t Transport, opts ...Option) *Deliverer {
	d := &Deliverer{
		transport: t,
		sleep:     sleepContext,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// attempt is the mutable state of one delivery.
type attempt struct {
	ref         telegram.MessageRef
	text        string
	parseMode   string
	rateRetried bool
	resent      bool
	plain       bool
}

// Deliver shows text (HTML) with markup, editing target.Status when set.
// Recovery, each at most once: a rate limit waits RetryAfter and retries,
// after which any failure is final; a stale status message is replaced by
// a new one; rejected markup is resent as plain text. "Not modified" counts
// as delivered. On final failure a short notice is sent best-effort.
func (d *Deliverer) Deliver(ctx context.Context, target Target, text string, markup *telegram.InlineKeyboardMarkup) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery panic", "chat_id", target.ChatID, "panic", r, "stack", string(debug.Stack()))
			out = Outcome{}
		}
		d.observe(out)
	}()

	a := attempt{ref: target.Status, text: text, parseMode: telegram.ParseModeHTML}
	for {
		ref, err := d.render(ctx, target.ChatID, a, markup)
		if err == nil {
			return Outcome{Delivered: true, Message: ref}
		}

		kind := telegram.KindOf(err)
		if kind == telegram.KindNotModified {
			return Outcome{Delivered: true, Message: a.ref}
		}
		if a.rateRetried {
			d.logger.Warn("delivery failed after rate-limit retry", "chat_id", target.ChatID, "error", err)
			d.notice(ctx, target, kind)
			return Outcome{}
		}

		switch kind {
		case telegram.KindRateLimited:
			wait := retryAfter(err)
			d.logger.Info("rate limited; waiting once", "chat_id", target.ChatID, "retry_after", wait)
			if err := d.sleep(ctx, wait); err != nil {
				return Outcome{}
			}
			a.rateRetried = true
			continue
		case telegram.KindNotFound:
			if !a.ref.IsZero() && !a.resent {
				a.ref = telegram.MessageRef{}
				a.resent = true
				continue
			}
		case telegram.KindParseRejected:
			if !a.plain {
				a.text = textutil.PlainFromHTML(a.text)
				a.parseMode = ""
				a.plain = true
				continue
			}
		}

		d.logger.Error("delivery failed", "chat_id", target.ChatID, "kind", kind.String(), "error", err)
		d.notice(ctx, target, kind)
		return Outcome{}
	}
}

func (d *Deliverer) render(ctx context.Context, chatID int64, a attempt, markup *telegram.InlineKeyboardMarkup) (telegram.MessageRef, error) {
	opts := telegram.SendOptions{ParseMode: a.parseMode, Markup: markup}
	if !a.ref.IsZero() {
		return a.ref, d.transport.EditMessageText(ctx, a.ref, a.text, opts)
	}
	m, err := d.transport.SendMessage(ctx, chatID, a.text, opts)
	if err != nil {
		return telegram.MessageRef{}, err
	}
	return m.Ref(), nil
}

// notice tells the user the reply could not be shown. Its own failure is
// only logged.
func (d *Deliverer) notice(ctx context.Context, target Target, kind telegram.ErrorKind) {
	code := errcode.New(errcode.SendFailed)
	if kind == telegram.KindNetwork {
		code = errcode.New(errcode.NetworkError)
	}
	text, _ := errmsg.Format(&code, target.Localizer)
	if _, err := d.transport.SendMessage(ctx, target.ChatID, textutil.PlainFromHTML(text), telegram.SendOptions{}); err != nil {
		d.logger.Warn("could not send failure notice", "chat_id", target.ChatID, "error", err)
	}
}

func (d *Deliverer) observe(out Outcome) {
	if d.recorder == nil {
		return
	}
	if out.Delivered {
		d.recorder.ObserveDelivery("delivered")
		return
	}
	d.recorder.ObserveDelivery("failed")
}

func retryAfter(err error) time.Duration {
	var te *telegram.Error
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	return time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
