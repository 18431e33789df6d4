package pipeline

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/ai"
	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/errmsg"
	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/retry"
	"github.com/kalambet/chatrelay/internal/textutil"
)

// BlockedAudioTurn is stored in place of a transcript the provider refused.
const BlockedAudioTurn = "[Audio message - transcription blocked]"

// ImageInput is a photo with its prompt.
type ImageInput struct {
	UserID   int64
	Image    []byte
	MIMEType string
	// Prompt is the caption, or a localized default question.
	Prompt string
	// HistoryText is the stored user turn, e.g. "[Image] caption".
	HistoryText string
	Localizer   errmsg.Localizer
}

// ProcessImage asks the model about an image. Images are not kept in the
// session, so failures never carry a retry payload.
func (p *Pipeline) ProcessImage(ctx context.Context, sess retry.Session, in ImageInput) (res Result) {
	start := time.Now()
	base := Input{UserID: in.UserID, Text: in.Prompt, HistoryText: in.HistoryText, Localizer: in.Localizer}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "user_id", in.UserID, "panic", r, "stack", string(debug.Stack()))
			res = p.aborted(sess, in.Localizer)
		}
		p.observe("image", res, time.Since(start))
	}()

	h, st, ok := p.load(ctx, in.UserID)
	if !ok {
		return p.aborted(sess, in.Localizer)
	}

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.client.Describe(genCtx, ai.VisionRequest{
		Image:    in.Image,
		MIMEType: in.MIMEType,
		Prompt:   in.Prompt,
		Model:    st.Model,
	})
	if err != nil {
		return p.failed(sess, base, h, errcode.Classify(err, errcode.ImageAnalysisFailed), "")
	}
	if strings.TrimSpace(out) == "" {
		return p.empty(sess, base, "")
	}

	forget(sess)
	return Result{
		Text:    textutil.Sanitize(out, p.maxReplyChars),
		History: h.Append(base.userTurn(), history.Model(out)),
		Save:    true,
		Outcome: Committed,
	}
}

// AudioInput is a voice message or audio file.
type AudioInput struct {
	UserID    int64
	Audio     []byte
	MIMEType  string
	Localizer errmsg.Localizer
}

// Transcribe converts audio to text. When ok is true the transcript should
// be fed to Process; otherwise res is the final result. A blocked
// transcription records BlockedAudioTurn as a partial commit.
func (p *Pipeline) Transcribe(ctx context.Context, sess retry.Session, in AudioInput) (transcript string, res Result, ok bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "user_id", in.UserID, "panic", r, "stack", string(debug.Stack()))
			transcript, res, ok = "", p.aborted(sess, in.Localizer), false
		}
		if !ok {
			p.observe("audio", res, time.Since(start))
		}
	}()

	st, err := p.settings.Get(ctx, in.UserID)
	if err != nil {
		p.logger.Error("loading settings", "user_id", in.UserID, "error", err)
		return "", p.aborted(sess, in.Localizer), false
	}

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	text, err := p.client.Transcribe(genCtx, in.Audio, in.MIMEType, st.Model)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errcode.Newf(errcode.TranscriptionFailed, "empty transcript")
	}
	if err == nil {
		return strings.TrimSpace(text), Result{}, true
	}

	code := errcode.Classify(err, errcode.TranscriptionFailed)
	base := Input{UserID: in.UserID, HistoryText: BlockedAudioTurn, Localizer: in.Localizer}
	if code.Kind != errcode.BlockedContent {
		return "", p.failed(sess, base, nil, code, ""), false
	}

	h, err := p.history.GetHistory(ctx, in.UserID)
	if err != nil {
		p.logger.Error("loading history", "user_id", in.UserID, "error", err)
		return "", p.aborted(sess, in.Localizer), false
	}
	return "", p.failed(sess, base, h, code, ""), false
}
