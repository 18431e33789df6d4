// Package ai defines the generative backend the bot talks to. Concrete
// providers live in internal/gemini and internal/ollama.
package ai

import (
	"context"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
)

// Request is one text generation call.
type Request struct {
	History     history.History
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// VisionRequest asks the model about an image.
type VisionRequest struct {
	Image    []byte
	MIMEType string
	Prompt   string
	Model    string
}

// Generator produces a reply for a conversation.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Client is the full provider surface: text, vision and speech-to-text.
//
// Failures are returned as *errcode.StatusError, *errcode.BlockedError,
// errcode.Code or transport errors so errcode.Classify can map them. An
// empty string with a nil error means the provider returned no output.
type Client interface {
	Generator
	Describe(ctx context.Context, req VisionRequest) (string, error)
	Transcribe(ctx context.Context, audio []byte, mimeType, model string) (string, error)
}

// NotConfigured is the Client used when no provider credentials are set.
// Every call fails with errcode.ErrNotConfigured.
type NotConfigured struct{}

var _ Client = NotConfigured{}

func (NotConfigured) Generate(context.Context, Request) (string, error) {
	return "", errcode.ErrNotConfigured
}

func (NotConfigured) Describe(context.Context, VisionRequest) (string, error) {
	return "", errcode.ErrNotConfigured
}

func (NotConfigured) Transcribe(context.Context, []byte, string, string) (string, error) {
	return "", errcode.ErrNotConfigured
}

// Configured reports whether c talks to a real provider.
func Configured(c Client) bool {
	if c == nil {
		return false
	}
	_, missing := c.(NotConfigured)
	return !missing
}
