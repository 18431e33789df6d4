// Package imagegen generates images from text prompts through the Hugging
// Face inference API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/chatrelay/internal/errcode"
)

const (
	DefaultBaseURL = "https://api-inference.huggingface.co"
	DefaultModel   = "stabilityai/stable-diffusion-xl-base-1.0"

	defaultHTTPTimeout = 120 * time.Second
	maxImageBytes      = 20 << 20
)

// Generator turns a prompt into PNG (or JPEG) image bytes.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Config holds the token and model for the inference endpoint.
type Config struct {
	Token   string
	BaseURL string
	Model   string
}

// Client calls the text-to-image inference endpoint. Every error it returns
// is an errcode.Code in the IMAGE_GEN_* family.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

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

// New returns an inference client, or a generator that always reports
// IMAGE_GEN_NOT_CONFIGURED when cfg has no token.
func New(cfg Config, opts ...Option) Generator {
	if strings.TrimSpace(cfg.Token) == "" {
		return notConfigured{}
	}
	return NewClient(cfg, opts...)
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: Config{
			Token:   strings.TrimSpace(cfg.Token),
			BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:   strings.TrimSpace(cfg.Model),
		},
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
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

// Model returns the model the client generates with.
func (c *Client) Model() string { return c.cfg.Model }

type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

// Generate requests one image for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(inferenceRequest{Inputs: prompt})
	if err != nil {
		return nil, errcode.Newf(errcode.ImageGenAPIError, "encode")
	}

	endpoint := c.cfg.BaseURL + "/models/" + c.cfg.Model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errcode.Newf(errcode.ImageGenAPIError, "request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, data)
	}
	if len(data) > maxImageBytes {
		return nil, errcode.Newf(errcode.ImageGenAPIError, "image too large")
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "image/") {
		// The endpoint answers some filter verdicts with a 200 JSON body.
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError maps a failed inference response onto an IMAGE_GEN code.
func statusError(status int, body []byte) errcode.Code {
	msg := strings.ToLower(string(body))
	var env struct {
		Error         string  `json:"error"`
		EstimatedTime float64 `json:"estimated_time"`
	}
	_ = json.Unmarshal(body, &env)

	switch {
	case status == http.StatusTooManyRequests:
		return errcode.New(errcode.ImageGenRateLimit)
	case status == http.StatusServiceUnavailable && (env.EstimatedTime > 0 || strings.Contains(msg, "estimated_time")):
		return errcode.Newf(errcode.ImageGenTimeout, "model loading")
	case strings.Contains(msg, "safety checker") || strings.Contains(msg, "nsfw"):
		return errcode.New(errcode.ImageGenContentFilter)
	}
	return errcode.Newf(errcode.ImageGenAPIError, fmt.Sprintf("status %d", status))
}

func transportError(ctx context.Context, err error) errcode.Code {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return errcode.Newf(errcode.ImageGenTimeout, "deadline")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errcode.Newf(errcode.ImageGenTimeout, "deadline")
	}
	return errcode.New(errcode.ImageGenConnection)
}

type notConfigured struct{}

func (notConfigured) Generate(context.Context, string) ([]byte, error) {
	return nil, errcode.New(errcode.ImageGenNotConfigured)
}

// Configured reports whether g can actually generate images.
func Configured(g Generator) bool {
	_, off := g.(notConfigured)
	return g != nil && !off
}
