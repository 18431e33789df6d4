// Package telegram is a small Bot API client plus the long-polling worker
// that feeds updates to the bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 25
	// MaxDownloadBytes is the Bot API's getFile limit.
	MaxDownloadBytes = 20 << 20
)

// Client calls the Bot API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL points the client at a custom server (local Bot API server or
// tests).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit caps outbound calls per second. Zero or less disables the
// limiter.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient creates a client for the bot token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call posts params as JSON to method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}
	return c.do(ctx, method, "application/json", bytes.NewReader(body), out, true)
}

func (c *Client) do(ctx context.Context, method, contentType string, body io.Reader, out any, limited bool) error {
	if limited && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Method: method, Kind: KindNetwork, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL embeds the token; keep only the cause.
		return &Error{Method: method, Kind: KindNetwork, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return &Error{Method: method, Kind: KindOther, Code: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if !ar.OK {
		retryAfter := 0
		if ar.Parameters != nil {
			retryAfter = ar.Parameters.RetryAfter
		}
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return apiError(method, code, ar.Description, retryAfter)
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// SendOptions are the optional fields of sendMessage and editMessageText.
type SendOptions struct {
	ParseMode string
	Markup    *InlineKeyboardMarkup
}

type sendMessageParams struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (Message, error) {
	var m Message
	err := c.call(ctx, "sendMessage", sendMessageParams{
		ChatID: chatID, Text: text, ParseMode: opts.ParseMode, ReplyMarkup: opts.Markup,
	}, &m)
	return m, err
}

type editMessageParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText replaces the text of an existing message.
func (c *Client) EditMessageText(ctx context.Context, ref MessageRef, text string, opts SendOptions) error {
	return c.call(ctx, "editMessageText", editMessageParams{
		ChatID: ref.ChatID, MessageID: ref.MessageID, Text: text,
		ParseMode: opts.ParseMode, ReplyMarkup: opts.Markup,
	}, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, ref MessageRef) error {
	return c.call(ctx, "deleteMessage", map[string]int64{"chat_id": ref.ChatID, "message_id": ref.MessageID}, nil)
}

// SendChatAction shows a status such as "typing" for a few seconds.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// SendPhoto uploads an image with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) (Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", fmt.Sprint(chatID))
	if caption != "" {
		_ = mw.WriteField("caption", caption)
		_ = mw.WriteField("parse_mode", ParseModeHTML)
	}
	fw, err := mw.CreateFormFile("photo", "image.png")
	if err != nil {
		return Message{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(photo); err != nil {
		return Message{}, fmt.Errorf("writing photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Message{}, fmt.Errorf("closing form: %w", err)
	}

	var m Message
	err = c.do(ctx, "sendPhoto", mw.FormDataContentType(), &buf, &m, true)
	return m, err
}

// AnswerCallbackQuery acknowledges a button tap.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": id, "text": text}, nil)
}

// GetFile resolves a file id into a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f)
	return f, err
}

// Download fetches a file by id, refusing anything larger than max bytes.
func (c *Client) Download(ctx context.Context, fileID string, max int64) ([]byte, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = MaxDownloadBytes
	}
	if f.FileSize > max {
		return nil, fmt.Errorf("file %s is %d bytes, limit %d: %w", fileID, f.FileSize, max, ErrFileTooLarge)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/bot"+c.token+"/"+f.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Method: "download", Kind: KindNetwork, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Method: "download", Kind: KindOther, Code: resp.StatusCode, Description: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, &Error{Method: "download", Kind: KindNetwork, Err: err}
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("file %s exceeds %d bytes: %w", fileID, max, ErrFileTooLarge)
	}
	return data, nil
}

// GetUpdates long-polls for updates after offset. It bypasses the rate
// limiter because it blocks for up to timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	body, err := json.Marshal(map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	err = c.do(ctx, "getUpdates", "application/json", bytes.NewReader(body), &updates, false)
	return updates, err
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", struct{}{}, &u)
	return u, err
}

// SetWebhook registers url; Telegram echoes secret in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook switches the bot back to getUpdates.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]bool{"drop_pending_updates": false}, nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.call(ctx, "getWebhookInfo", struct{}{}, &info)
	return info, err
}
