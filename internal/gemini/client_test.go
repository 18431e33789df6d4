package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatrelay/internal/ai"
	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: srv.URL}, opts...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestNew_NoKeyIsNotConfigured(t *testing.T) {
	c := New(Config{APIKey: "  "})
	if ai.Configured(c) {
		t.Fatal("client without key should be NotConfigured")
	}
	if _, ok := New(Config{APIKey: "k"}).(*Client); !ok {
		t.Error("client with key should be *Client")
	}
}

func TestGenerate_RequestShape(t *testing.T) {
	var got generateRequest
	var path, key string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"Hi "},{"text":"there"}]},"finishReason":"STOP"}]}`)
	})

	text, err := c.Generate(context.Background(), ai.Request{
		History:     history.History{history.User("a"), history.Model("b")},
		Prompt:      "Hello",
		Model:       "gemini-1.5-pro",
		Temperature: 0.5,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hi there" {
		t.Errorf("text = %q", text)
	}
	if path != "/v1beta/models/gemini-1.5-pro:generateContent" {
		t.Errorf("path = %q", path)
	}
	if key != "test-key" {
		t.Errorf("api key header = %q", key)
	}
	if len(got.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(got.Contents))
	}
	if got.Contents[1].Role != "model" || got.Contents[2].Parts[0].Text != "Hello" {
		t.Errorf("contents = %+v", got.Contents)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 512 || got.GenerationConfig.Temperature != 0.5 {
		t.Errorf("generationConfig = %+v", got.GenerationConfig)
	}
}

func TestGenerate_DefaultModel(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	})
	if _, err := c.Generate(context.Background(), ai.Request{Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(path, DefaultModel) {
		t.Errorf("path = %q, want default model", path)
	}
}

func TestGenerate_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errcode.Kind
	}{
		{"quota", 429, `{"error":{"code":429,"message":"Quota exceeded for key sk-123","status":"RESOURCE_EXHAUSTED"}}`, errcode.QuotaExceeded},
		{"bad key", 400, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID"}]}}`, errcode.APIKeyInvalid},
		{"permission", 403, `{"error":{"code":403,"message":"denied","status":"PERMISSION_DENIED"}}`, errcode.APIKeyInvalid},
		{"unavailable", 503, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, errcode.ServiceUnavailable},
		{"bad request", 400, `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`, errcode.RequestFailed},
		{"non json", 418, `teapot`, errcode.RequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.Generate(context.Background(), ai.Request{Prompt: "x"})
			var se *errcode.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *errcode.StatusError", err)
			}
			code := errcode.Classify(err, "")
			if code.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", code.Kind, tt.want)
			}
			if strings.Contains(code.String(), "sk-123") {
				t.Errorf("provider message leaked into code: %s", code)
			}
		})
	}
}

func TestGenerate_PromptBlocked(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"promptFeedback":{"blockReason":"SAFETY","safetyRatings":[
			{"category":"HARM_CATEGORY_HARASSMENT","probability":"LOW"},
			{"category":"HARM_CATEGORY_HATE_SPEECH","probability":"HIGH","blocked":true}]}}`)
	})
	_, err := c.Generate(context.Background(), ai.Request{Prompt: "x"})
	var blocked *errcode.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *errcode.BlockedError", err)
	}
	if blocked.Reason != "HATE_SPEECH" {
		t.Errorf("Reason = %q, want HATE_SPEECH", blocked.Reason)
	}
}

func TestGenerate_SafetyFinishWithoutParts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`)
	})
	_, err := c.Generate(context.Background(), ai.Request{Prompt: "x"})
	code := errcode.Classify(err, "")
	if code.Kind != errcode.BlockedContent || code.Detail != "SAFETY" {
		t.Errorf("code = %s, want BLOCKED_CONTENT:SAFETY", code)
	}
}

func TestGenerate_EmptyCandidate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"  "}]},"finishReason":"STOP"}]}`)
	})
	text, err := c.Generate(context.Background(), ai.Request{Prompt: "x"})
	if err != nil || text != "" {
		t.Errorf("Generate = %q, %v; want empty, nil", text, err)
	}
}

func TestGenerate_RetriesGatewayErrors(t *testing.T) {
	calls := 0
	var slept []time.Duration
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeJSON(w, 502, `{"error":{"code":502,"status":"INTERNAL"}}`)
			return
		}
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}, WithSleeper(func(d time.Duration) { slept = append(slept, d) }), WithRetryBackoff(time.Second, 4*time.Second))

	text, err := c.Generate(context.Background(), ai.Request{Prompt: "x"})
	if err != nil || text != "ok" {
		t.Fatalf("Generate = %q, %v", text, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("slept = %v, want [1s]", slept)
	}
}

func TestGenerate_DoesNotRetryQuota(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, 429, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`)
	}, WithSleeper(func(time.Duration) {}), WithRetryMaxAttempts(5))

	c.Generate(context.Background(), ai.Request{Prompt: "x"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGenerate_RetryAfterHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, 429, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`)
	})
	_, err := c.Generate(context.Background(), ai.Request{Prompt: "x"})
	var se *errcode.StatusError
	if !errors.As(err, &se) || se.RetryAfter != 7*time.Second {
		t.Errorf("err = %#v, want RetryAfter 7s", err)
	}
}

func TestGenerate_DeadlineClassifiesAsTimeout(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, ai.Request{Prompt: "x"})
	code := errcode.Classify(err, "")
	if code.Kind != errcode.RequestFailed || code.Detail != "timeout" {
		t.Errorf("code = %s, want REQUEST_FAILED:timeout", code)
	}
}

func TestDescribe_SendsInlineImage(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"a cat"}]}}]}`)
	})

	text, err := c.Describe(context.Background(), ai.VisionRequest{
		Image: []byte{0xff, 0xd8}, MIMEType: "image/jpeg", Prompt: "What is this?",
	})
	if err != nil || text != "a cat" {
		t.Fatalf("Describe = %q, %v", text, err)
	}
	parts := raw["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	inline := parts[1].(map[string]any)["inline_data"].(map[string]any)
	if inline["mime_type"] != "image/jpeg" || inline["data"] != "/9g=" {
		t.Errorf("inline_data = %v", inline)
	}
}

func TestTranscribe(t *testing.T) {
	var got generateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"hello world"}]}}]}`)
	})
	text, err := c.Transcribe(context.Background(), []byte("OggS"), "audio/ogg", "")
	if err != nil || text != "hello world" {
		t.Fatalf("Transcribe = %q, %v", text, err)
	}
	if got.Contents[0].Parts[1].InlineData.MIMEType != "audio/ogg" {
		t.Errorf("mime = %q", got.Contents[0].Parts[1].InlineData.MIMEType)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := parseRetryAfter("3"); !ok || d != 3*time.Second {
		t.Errorf("parseRetryAfter(3) = %v, %v", d, ok)
	}
	if _, ok := parseRetryAfter("soon"); ok {
		t.Error("parseRetryAfter(soon) should fail")
	}
	if _, ok := parseRetryAfter("-1"); ok {
		t.Error("negative should fail")
	}
}
