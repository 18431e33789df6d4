// Package openrouter is an ai.Client for OpenRouter and other
// OpenAI-compatible chat completion APIs.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/ai"
	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	defaultTimeout = 90 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	transcribePrompt = "Transcribe this audio message verbatim. Reply with the transcript only."
)

// Client communicates with the OpenRouter API.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	backoff      time.Duration
	referer      string
	title        string
}

var _ ai.Client = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithBackoff sets the first retry delay; later retries double it.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New returns a client, or ai.NotConfigured when apiKey is empty.
func New(apiKey, baseURL, defaultModel string, opts ...Option) ai.Client {
	if strings.TrimSpace(apiKey) == "" {
		return ai.NotConfigured{}
	}
	return NewClient(apiKey, baseURL, defaultModel, opts...)
}

// NewClient creates a client for the API at baseURL (DefaultBaseURL when
// empty).
func NewClient(apiKey, baseURL, defaultModel string, opts ...Option) *Client {
	c := &Client{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		backoff:      initialBackoff,
		referer:      "https://github.com/kalambet/chatrelay",
		title:        "chatrelay",
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends the conversation plus the new prompt.
func (c *Client) Generate(ctx context.Context, req ai.Request) (string, error) {
	msgs := make([]message, 0, len(req.History)+1)
	for _, t := range req.History {
		msgs = append(msgs, message{Role: role(t.Role), Text: t.Content})
	}
	msgs = append(msgs, message{Role: "user", Text: req.Prompt})

	cr := chatRequest{Model: req.Model, Messages: msgs, MaxTokens: req.MaxTokens}
	if req.Temperature > 0 {
		temp := req.Temperature
		cr.Temperature = &temp
	}
	return c.complete(ctx, cr)
}

// Describe answers a prompt about an image sent as a data URL.
func (c *Client) Describe(ctx context.Context, req ai.VisionRequest) (string, error) {
	dataURL := "data:" + req.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	return c.complete(ctx, chatRequest{
		Model: req.Model,
		Messages: []message{{Role: "user", Parts: []contentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		}}},
	})
}

// Transcribe sends the clip as input_audio and asks for a transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType, model string) (string, error) {
	return c.complete(ctx, chatRequest{
		Model: model,
		Messages: []message{{Role: "user", Parts: []contentPart{
			{Type: "text", Text: transcribePrompt},
			{Type: "input_audio", InputAudio: &inputAudio{
				Data:   base64.StdEncoding.EncodeToString(audio),
				Format: audioFormat(mimeType),
			}},
		}}},
	})
}

func role(r history.Role) string {
	if r == history.RoleModel {
		return "assistant"
	}
	return "user"
}

// audioFormat turns "audio/ogg; codecs=opus" into "ogg".
func audioFormat(mimeType string) string {
	format, _, _ := strings.Cut(mimeType, ";")
	format = strings.TrimPrefix(strings.TrimSpace(format), "audio/")
	if format == "mpeg" {
		return "mp3"
	}
	return format
}

func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("openrouter: marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doChat(ctx, body)
		if err == nil {
			return extractText(resp)
		}
		if !retryable(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("openrouter: failed after %d attempts: %w", maxRetries, lastErr)
}

// retryable reports rate limits and gateway failures.
func retryable(err error) bool {
	se, ok := err.(*errcode.StatusError)
	if !ok {
		return false
	}
	switch se.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) doChat(ctx context.Context, body []byte) (chatResponse, error) {
	var out chatResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("openrouter: creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("openrouter: executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("openrouter: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, statusError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, fmt.Errorf("openrouter: decoding response: %w", err)
	}
	return out, nil
}

// statusError maps a non-200 response. A moderation rejection becomes
// *errcode.BlockedError.
func statusError(status int, body []byte) error {
	se := &errcode.StatusError{Status: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		se.Message = strings.TrimSpace(string(body))
		return se
	}
	if reasons := env.Error.Metadata.Reasons; status == http.StatusForbidden && len(reasons) > 0 {
		return &errcode.BlockedError{Reason: strings.ToUpper(reasons[0])}
	}
	se.Provider = strings.ToUpper(env.Error.Type)
	se.Message = env.Error.Message
	return se
}

func extractText(resp chatResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", nil
	}
	ch := resp.Choices[0]
	text := strings.TrimSpace(ch.Message.Content)
	if text == "" && ch.FinishReason == "content_filter" {
		return "", &errcode.BlockedError{Reason: "CONTENT_FILTER"}
	}
	return text, nil
}

// ListModels returns the models the API offers.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

// HasModel reports whether id is listed by the API.
func (c *Client) HasModel(ctx context.Context, id string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
