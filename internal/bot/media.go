package bot

import (
	"context"
	"errors"
	"html"
	"strconv"
	"strings"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/extract"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/retry"
	"github.com/kalambet/chatrelay/internal/telegram"
	"github.com/kalambet/chatrelay/internal/textutil"
)

const maxCaptionChars = 900

func (b *Bot) handleAudio(ctx context.Context, req *request, fileID, mimeType string, size int64) {
	retry.Forget(req.sess)
	status := b.status(ctx, req, "audio-processing", nil)

	if size > telegram.MaxDownloadBytes {
		b.fail(ctx, req, status, errcode.Newf(errcode.DownloadFailed, "too large"))
		return
	}
	data, err := b.transport.Download(ctx, fileID, telegram.MaxDownloadBytes)
	if err != nil {
		req.log.Warn("downloading audio", "error", err)
		b.fail(ctx, req, status, downloadCode(err))
		return
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	var (
		transcript string
		res        pipeline.Result
		ok         bool
	)
	b.withAction(ctx, req, telegram.ActionTyping, func(ctx context.Context) {
		transcript, res, ok = b.pipeline.Transcribe(ctx, req.sess, pipeline.AudioInput{
			UserID: req.userID, Audio: data, MIMEType: mimeType, Localizer: req.loc,
		})
		if !ok {
			return
		}
		echo := req.loc.Text("audio-transcribed", map[string]string{"text": html.EscapeString(transcript)})
		if _, err := b.transport.SendMessage(ctx, req.chatID, echo, telegram.SendOptions{ParseMode: telegram.ParseModeHTML}); err != nil {
			req.log.Warn("echoing transcript", "error", err)
		}
		res = b.pipeline.Process(ctx, req.sess, pipeline.Input{UserID: req.userID, Text: transcript, Localizer: req.loc})
	})
	b.finish(ctx, req, status, res)
}

func (b *Bot) handlePhoto(ctx context.Context, req *request, m *telegram.Message) {
	retry.Forget(req.sess)
	status := b.status(ctx, req, "thinking", nil)

	largest := m.Photo[len(m.Photo)-1]
	data, err := b.transport.Download(ctx, largest.FileID, telegram.MaxDownloadBytes)
	if err != nil {
		req.log.Warn("downloading photo", "error", err)
		b.fail(ctx, req, status, downloadCode(err))
		return
	}

	caption := strings.TrimSpace(m.Caption)
	prompt := caption
	if prompt == "" {
		prompt = req.loc.Text("prompt-describe-image", nil)
	}
	stored := "[Image]"
	if caption != "" {
		stored += " " + caption
	}

	var res pipeline.Result
	b.withAction(ctx, req, telegram.ActionTyping, func(ctx context.Context) {
		res = b.pipeline.ProcessImage(ctx, req.sess, pipeline.ImageInput{
			UserID:      req.userID,
			Image:       data,
			MIMEType:    photoMIMEType,
			Prompt:      prompt,
			HistoryText: stored,
			Localizer:   req.loc,
		})
	})
	b.finish(ctx, req, status, res)
}

func (b *Bot) handleDocument(ctx context.Context, req *request, m *telegram.Message) {
	retry.Forget(req.sess)
	doc := m.Document
	name := doc.FileName
	if name == "" {
		name = "document"
	}
	status := b.status(ctx, req, "document-processing", map[string]string{"name": html.EscapeString(name)})

	if doc.FileSize > b.cfg.MaxDocumentBytes {
		b.fail(ctx, req, status, b.tooLarge())
		return
	}
	data, err := b.transport.Download(ctx, doc.FileID, b.cfg.MaxDocumentBytes)
	if err != nil {
		req.log.Warn("downloading document", "error", err)
		if errors.Is(err, telegram.ErrFileTooLarge) {
			b.fail(ctx, req, status, b.tooLarge())
			return
		}
		b.fail(ctx, req, status, downloadCode(err))
		return
	}

	content, err := extract.Text(data, doc.MIMEType, name)
	if err != nil {
		b.fail(ctx, req, status, errcode.Classify(err, errcode.ParsingUnknown))
		return
	}

	instruction := strings.TrimSpace(m.Caption)
	if instruction == "" {
		instruction = req.loc.Text("prompt-analyze-document", map[string]string{"name": name})
	}
	prompt := b.composer.DocumentPrompt(instruction, content, req.loc.Text("document-truncated", nil))
	stored := "[Document] " + name
	if c := strings.TrimSpace(m.Caption); c != "" {
		stored += ": " + c
	}
	b.runText(ctx, req, status, pipeline.Input{UserID: req.userID, Text: prompt, HistoryText: stored, Localizer: req.loc})
}

func (b *Bot) tooLarge() errcode.Code {
	// Round up so limits below 1 MiB are not reported as 0 MB.
	mb := (b.cfg.MaxDocumentBytes + 1<<20 - 1) >> 20
	return errcode.New(errcode.DocumentTooLarge).WithArg("limit_mb", strconv.FormatInt(mb, 10))
}

// handleImagine generates an image for prompt and sends it as a photo.
func (b *Bot) handleImagine(ctx context.Context, req *request, prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		b.sendText(ctx, req, req.loc.Text("image-usage", nil), nil)
		return
	}
	status := b.status(ctx, req, "image-generating", nil)

	var (
		img []byte
		err error
	)
	b.withAction(ctx, req, telegram.ActionUploadPhoto, func(ctx context.Context) {
		img, err = b.images.Generate(ctx, prompt)
	})
	if err != nil {
		code := errcode.Classify(err, errcode.ImageGenAPIError)
		b.observeImage(string(code.Kind))
		b.fail(ctx, req, status, code)
		return
	}
	b.observeImage("")

	caption := "🖼️ " + html.EscapeString(textutil.Truncate(prompt, maxCaptionChars, "…"))
	if _, err := b.transport.SendPhoto(ctx, req.chatID, img, caption); err != nil {
		req.log.Error("sending generated image", "error", err)
		b.fail(ctx, req, status, errcode.New(errcode.UploadFailed))
		return
	}
	if !status.IsZero() {
		if err := b.transport.DeleteMessage(ctx, status); err != nil {
			req.log.Debug("deleting status message", "error", err)
		}
	}
}

func (b *Bot) observeImage(code string) {
	if b.recorder != nil {
		b.recorder.ObserveImageGeneration(code)
	}
}

func downloadCode(err error) errcode.Code {
	if telegram.KindOf(err) == telegram.KindNetwork {
		return errcode.New(errcode.NetworkError)
	}
	return errcode.New(errcode.DownloadFailed)
}
