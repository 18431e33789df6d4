// Package gemini is a REST client for the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/ai"
	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"

	defaultHTTPTimeout    = 90 * time.Second
	defaultRetryAttempts  = 2
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second

	transcribePrompt = "Transcribe this audio message verbatim. Reply with the transcript only."
)

// Config holds the credentials and defaults for the client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client calls the Gemini API.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

var _ ai.Client = (*Client)(nil)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides how many times a 5xx gateway failure is
// attempted (defaults to 2).
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// New returns a Gemini client, or ai.NotConfigured when cfg has no API key.
func New(cfg Config, opts ...Option) ai.Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return ai.NotConfigured{}
	}
	return NewClient(cfg, opts...)
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: Config{
			APIKey:  strings.TrimSpace(cfg.APIKey),
			BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:   strings.TrimSpace(cfg.Model),
		},
		httpClient:       &http.Client{Timeout: defaultHTTPTimeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.BaseURL == "" {
		c.cfg.BaseURL = DefaultBaseURL
	}
	if c.cfg.Model == "" {
		c.cfg.Model = DefaultModel
	}
	return c
}

// Generate sends the conversation plus the new prompt and returns the
// model's text.
func (c *Client) Generate(ctx context.Context, req ai.Request) (string, error) {
	contents := make([]content, 0, len(req.History)+1)
	for _, t := range req.History {
		contents = append(contents, content{Role: string(t.Role), Parts: []part{{Text: t.Content}}})
	}
	contents = append(contents, content{Role: string(history.RoleUser), Parts: []part{{Text: req.Prompt}}})

	payload := generateRequest{Contents: contents}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		payload.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return c.generate(ctx, req.Model, payload)
}

// Describe answers prompt about an inline image.
func (c *Client) Describe(ctx context.Context, req ai.VisionRequest) (string, error) {
	payload := generateRequest{Contents: []content{{
		Role: string(history.RoleUser),
		Parts: []part{
			{Text: req.Prompt},
			{InlineData: &blob{MIMEType: req.MIMEType, Data: req.Image}},
		},
	}}}
	return c.generate(ctx, req.Model, payload)
}

// Transcribe converts an inline audio clip to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType, model string) (string, error) {
	payload := generateRequest{Contents: []content{{
		Role: string(history.RoleUser),
		Parts: []part{
			{Text: transcribePrompt},
			{InlineData: &blob{MIMEType: mimeType, Data: audio}},
		},
	}}}
	return c.generate(ctx, model, payload)
}

func (c *Client) generate(ctx context.Context, model string, payload generateRequest) (string, error) {
	if model == "" {
		model = c.cfg.Model
	}
	attempts := c.retryAttempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.sendOnce(ctx, model, payload)
		if err == nil {
			return extractText(resp)
		}

		delay, retry := c.retryDelay(ctx, err, attempt, attempts)
		if !retry {
			return "", err
		}
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("gemini: failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, model string, payload generateRequest) (generateResponse, error) {
	var out generateResponse

	endpoint := c.cfg.BaseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("gemini: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("gemini: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("gemini: executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("gemini: reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return out, statusError(resp, respBody)
	}

	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, fmt.Errorf("gemini: decoding response: %w", err)
	}
	return out, nil
}

// statusError builds a StatusError from a non-2xx response. The provider
// message is kept for logs only.
func statusError(resp *http.Response, body []byte) *errcode.StatusError {
	se := &errcode.StatusError{Status: resp.StatusCode}
	se.RetryAfter, _ = parseRetryAfter(resp.Header.Get("Retry-After"))

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		se.Provider = env.Error.Status
		se.Message = env.Error.Message
		for _, d := range env.Error.Details {
			if d.Reason != "" {
				se.Reasons = append(se.Reasons, d.Reason)
			}
		}
		return se
	}
	se.Message = strings.TrimSpace(string(body))
	return se
}

// extractText joins the text parts of the first candidate. A prompt block
// or a safety stop with no parts yields *errcode.BlockedError.
func extractText(resp generateResponse) (string, error) {
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", &errcode.BlockedError{Reason: blockReason(fb.SafetyRatings, fb.BlockReason)}
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" && isBlockFinish(cand.FinishReason) {
		return "", &errcode.BlockedError{Reason: blockReason(cand.SafetyRatings, cand.FinishReason)}
	}
	return text, nil
}

func isBlockFinish(reason string) bool {
	switch reason {
	case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "RECITATION", "IMAGE_SAFETY":
		return true
	}
	return false
}

// blockReason prefers the category of a blocked safety rating, e.g.
// HARM_CATEGORY_HATE_SPEECH becomes HATE_SPEECH.
func blockReason(ratings []safetyRating, fallback string) string {
	for _, r := range ratings {
		if r.Blocked {
			return strings.TrimPrefix(r.Category, "HARM_CATEGORY_")
		}
	}
	for _, r := range ratings {
		if r.Probability == "HIGH" {
			return strings.TrimPrefix(r.Category, "HARM_CATEGORY_")
		}
	}
	return fallback
}

func (c *Client) retryAttempts() int {
	if c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

// retryDelay retries only gateway-class 5xx responses. 429 and 503 are
// classified for the user instead of being retried here.
func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil {
		return 0, false
	}
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *errcode.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		}
		return 0, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
