package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/chatrelay/internal/errcode"
	"github.com/kalambet/chatrelay/internal/history"
	"github.com/kalambet/chatrelay/internal/pipeline"
	"github.com/kalambet/chatrelay/internal/settings"
	"github.com/kalambet/chatrelay/internal/storage"
	"github.com/kalambet/chatrelay/internal/telegram"
)

const testToken = "test-token"

// --- Mocks ---

type fakeChatter struct {
	mu    sync.Mutex
	res   pipeline.Result
	err   error
	calls []string
}

func (f *fakeChatter) Chat(_ context.Context, userID int64, text string) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return f.res, f.err
}

type recordingHandler struct {
	mu      sync.Mutex
	updates []telegram.Update
	release chan struct{}
}

func (h *recordingHandler) HandleUpdate(_ context.Context, u telegram.Update) {
	if h.release != nil {
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u)
}

// --- Fixture ---

type testEnv struct {
	store    *storage.Store
	settings *settings.Manager
	chat     *fakeChatter
	handler  http.Handler
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store: store,
		settings: settings.NewManager(store,
			settings.Settings{Model: "gemini-2.0-flash", Temperature: 0.7, MaxTokens: 1024},
			[]string{"gemini-2.0-flash", "gemini-1.5-pro"}, []string{"en", "ru", "kk"}),
		chat: &fakeChatter{res: pipeline.Result{Text: "pong", Save: true, Outcome: pipeline.Committed}},
	}
	deps := Deps{
		Store:    store,
		Settings: env.settings,
		Chat:     env.chat,
		Token:    testToken,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(&deps)
	}
	env.handler = NewHandler(deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

// --- Tests ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealth_StorageDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Token = "" })
	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.SaveHistory(ctx, 7, history.History{history.User("hi"), history.Model("hello")})
	env.store.TouchUser(ctx, 8)

	w := env.do(t, http.MethodGet, "/v1/users?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var users []storage.User
	if err := json.NewDecoder(w.Body).Decode(&users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	turns := map[int64]int{}
	for _, u := range users {
		turns[u.ID] = u.Turns
	}
	if turns[7] != 2 || turns[8] != 0 {
		t.Errorf("turns = %v", turns)
	}
}

func TestListUsers_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/users", "")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestHistory_GetAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.SaveHistory(ctx, 7, history.History{history.User("hi"), history.Model("hello")})

	w := env.do(t, http.MethodGet, "/v1/users/7/history", "")
	var h history.History
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(h) != 2 || h[1].Content != "hello" {
		t.Fatalf("history = %+v", h)
	}

	w = env.do(t, http.MethodDelete, "/v1/users/7/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	h, _ = env.store.GetHistory(ctx, 7)
	if len(h) != 0 {
		t.Errorf("history not cleared: %+v", h)
	}
}

func TestHistory_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/users/abc/history", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if typ := errorType(t, w); typ != "invalid_request_error" {
		t.Errorf("type = %q", typ)
	}
}

func TestDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.SaveHistory(ctx, 7, history.History{history.User("hi")})
	if err := env.settings.Set(ctx, 7, settings.KeyModel, "gemini-1.5-pro"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	w := env.do(t, http.MethodDelete, "/v1/users/7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st, _ := env.settings.Get(ctx, 7)
	if st.Model != "gemini-2.0-flash" {
		t.Errorf("model = %q, want default after delete", st.Model)
	}
	users, _ := env.store.ListUsers(ctx, 10, 0)
	if len(users) != 0 {
		t.Errorf("users = %+v", users)
	}
}

func TestSettings_GetDefaults(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/users/7/settings", "")
	var st settings.Settings
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Model != "gemini-2.0-flash" || st.MaxTokens != 1024 {
		t.Errorf("settings = %+v", st)
	}
}

func TestSettings_Patch(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPatch, "/v1/users/7/settings", `{"temperature": 1.5, "max_tokens": 2048, "language": "ru"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var st settings.Settings
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Temperature != 1.5 || st.MaxTokens != 2048 || st.Language != "ru" {
		t.Errorf("settings = %+v", st)
	}
}

func TestSettings_PatchInvalid(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"disallowed value", `{"temperature": 3}`},
		{"unknown key", `{"colour": "blue"}`},
		{"non-scalar", `{"model": ["a"]}`},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPatch, "/v1/users/7/settings", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestChat_Success(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/chat", `{"user_id": 7, "text": "ping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp ChatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "pong" || resp.Retryable || resp.Outcome != "committed" || !resp.Saved {
		t.Errorf("resp = %+v", resp)
	}
	if len(env.chat.calls) != 1 || env.chat.calls[0] != "ping" {
		t.Errorf("calls = %v", env.chat.calls)
	}
}

func TestChat_RetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chat.res = pipeline.Result{
		Text:    "busy",
		Retry:   "ping",
		Outcome: pipeline.Rejected,
		Code:    errcode.New(errcode.ServiceUnavailable),
	}
	w := env.do(t, http.MethodPost, "/v1/chat", `{"user_id": 7, "text": "ping"}`)
	var resp ChatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Retryable || resp.ErrorKind != "SERVICE_UNAVAILABLE" || resp.Saved {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChat_Validation(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{`{"text": "hi"}`, `{"user_id": 7, "text": "  "}`, `nope`} {
		w := env.do(t, http.MethodPost, "/v1/chat", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
	if len(env.chat.calls) != 0 {
		t.Errorf("chat called %d times", len(env.chat.calls))
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chatrelay_up 1\n"))
	})
	env := newTestEnv(t, func(d *Deps) { d.Metrics = metrics })
	w := env.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "chatrelay_up") {
		t.Errorf("body = %s", w.Body.String())
	}

	env = newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("unmounted metrics status = %d, want 404", w.Code)
	}
}

func TestWebhook_DispatchesUpdate(t *testing.T) {
	h := &recordingHandler{}
	wh := NewWebhook(context.Background(), h, nil)
	env := newTestEnv(t, func(d *Deps) {
		d.Webhook = wh
		d.WebhookSecret = "s3cret"
	})

	body := `{"update_id": 10, "message": {"message_id": 1, "from": {"id": 7}, "chat": {"id": 70}, "text": "hi"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set(WebhookSecretHeader, "s3cret")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	wh.Wait()
	if len(h.updates) != 1 || h.updates[0].UpdateID != 10 || h.updates[0].UserID() != 7 {
		t.Errorf("updates = %+v", h.updates)
	}
}

func TestWebhook_RejectsBadSecret(t *testing.T) {
	h := &recordingHandler{}
	wh := NewWebhook(context.Background(), h, nil)
	env := newTestEnv(t, func(d *Deps) {
		d.Webhook = wh
		d.WebhookSecret = "s3cret"
	})

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id": 1}`))
	req.Header.Set(WebhookSecretHeader, "wrong")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	wh.Wait()
	if len(h.updates) != 0 {
		t.Errorf("handler called with bad secret")
	}
}

func TestWebhook_AcknowledgesBeforeHandling(t *testing.T) {
	h := &recordingHandler{release: make(chan struct{})}
	wh := NewWebhook(context.Background(), h, nil)

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id": 3}`))
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		wh.ServeHTTP(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook blocked on the handler")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	close(h.release)
	wh.Wait()
	if len(h.updates) != 1 {
		t.Errorf("updates = %d, want 1", len(h.updates))
	}
}

func TestWebhook_KeepsUserOrder(t *testing.T) {
	h := &recordingHandler{release: make(chan struct{})}
	wh := NewWebhook(context.Background(), h, nil)

	for id := 1; id <= 5; id++ {
		body := fmt.Sprintf(`{"update_id": %d, "message": {"message_id": %d, "from": {"id": 7}, "chat": {"id": 70}, "text": "m%d"}}`, id, id, id)
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body)))
		if w.Code != http.StatusOK {
			t.Fatalf("update %d: status = %d", id, w.Code)
		}
	}
	close(h.release)
	wh.Wait()

	if len(h.updates) != 5 {
		t.Fatalf("updates = %d, want 5", len(h.updates))
	}
	for i, u := range h.updates {
		if u.UpdateID != int64(i+1) {
			t.Errorf("updates[%d] = %d, want %d", i, u.UpdateID, i+1)
		}
	}
}

func TestWebhook_ShuttingDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wh := NewWebhook(ctx, &recordingHandler{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{"update_id": 3}`))
	w := httptest.NewRecorder()
	wh.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
