package bot

import (
	"context"
	"fmt"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/retry"
	"github.com/kalambet/chatrelay/internal/telegram"
)

const callbackRetry = "retry_last_prompt"

func (b *Bot) handleText(ctx context.Context, req *request, text string) {
	retry.Forget(req.sess)
	status := b.status(ctx, req, "thinking", nil)
	b.runText(ctx, req, status, pipeline.Input{UserID: req.userID, Text: text, Localizer: req.loc})
}

func (b *Bot) runText(ctx context.Context, req *request, status telegram.MessageRef, in pipeline.Input) {
	var res pipeline.Result
	b.withAction(ctx, req, telegram.ActionTyping, func(ctx context.Context) {
		res = b.pipeline.Process(ctx, req.sess, in)
	})
	b.finish(ctx, req, status, res)
}

// handleRetry replays the pending input into the message that carried the
// Retry button.
func (b *Bot) handleRetry(ctx context.Context, req *request, q *telegram.CallbackQuery) {
	b.answer(ctx, req, q.ID, "")

	pending, ok := retry.Pending(req.sess)
	if !ok {
		b.sendCode(ctx, req, errcode.New(errcode.RetryNotFound))
		return
	}

	var status telegram.MessageRef
	if q.Message != nil {
		status = q.Message.Ref()
		err := b.transport.EditMessageText(ctx, status, req.loc.Text("thinking", nil), telegram.SendOptions{})
		if err != nil {
			req.log.Warn("could not reset status before retry", "error", err)
		}
	}
	req.log.Info("retrying last input")
	b.runText(ctx, req, status, pipeline.Input{UserID: req.userID, Text: pending, Localizer: req.loc})
}

// Chat runs text for userID without a chat transport and saves history on
// success. It serialises with updates from the same user.
func (b *Bot) Chat(ctx context.Context, userID int64, text string) (pipeline.Result, error) {
	unlock := b.sessions.Lock(userID)
	defer unlock()

	loc := b.localizer(ctx, userID, "")
	res := b.pipeline.Process(ctx, b.sessions.Open(userID), pipeline.Input{UserID: userID, Text: text, Localizer: loc})
	if res.Save {
		if err := b.store.SaveHistory(ctx, userID, res.History); err != nil {
			return res, fmt.Errorf("saving history: %w", err)
		}
	}
	return res, nil
}

func (b *Bot) answer(ctx context.Context, req *request, id, text string) {
	if err := b.transport.AnswerCallbackQuery(ctx, id, text); err != nil {
		req.log.Debug("answering callback", "error", err)
	}
}
