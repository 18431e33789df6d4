package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[int64]map[string]string
	err  error

	getCalls int
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[int64]map[string]string)}
}

func (m *mockStore) GetSettings(_ context.Context, userID int64) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.err != nil {
		return nil, m.err
	}
	cp := make(map[string]string)
	for k, v := range m.data[userID] {
		cp[k] = v
	}
	return cp, nil
}

func (m *mockStore) SetSetting(_ context.Context, userID int64, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[userID] == nil {
		m.data[userID] = make(map[string]string)
	}
	m.data[userID][key] = value
	return nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testDefaults = Settings{Model: "gemini-2.0-flash", Temperature: 0.7, MaxTokens: 1024}

func newTestManager(store Store, clock Clock) *Manager {
	return NewManagerWithClock(store, testDefaults,
		[]string{"gemini-2.0-flash", "gemini-1.5-pro"},
		[]string{"en", "ru", "kk"},
		clock, time.Minute)
}

func TestGet_Defaults(t *testing.T) {
	m := newTestManager(newMockStore(), &mockClock{})
	got, err := m.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != testDefaults {
		t.Errorf("Get = %+v, want defaults %+v", got, testDefaults)
	}
}

func TestSet_ValidValues(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store, &mockClock{})
	ctx := context.Background()

	for key, value := range map[string]string{
		KeyModel:       "gemini-1.5-pro",
		KeyTemperature: "1.50",
		KeyMaxTokens:   "2048",
		KeyLanguage:    "kk",
	} {
		if err := m.Set(ctx, 1, key, value); err != nil {
			t.Fatalf("Set(%s, %s): %v", key, value, err)
		}
	}

	got, err := m.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := Settings{Model: "gemini-1.5-pro", Temperature: 1.5, MaxTokens: 2048, Language: "kk"}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if store.data[1][KeyTemperature] != "1.5" {
		t.Errorf("stored temperature = %q, want normalized 1.5", store.data[1][KeyTemperature])
	}
}

func TestSet_Rejects(t *testing.T) {
	m := newTestManager(newMockStore(), &mockClock{})
	ctx := context.Background()

	tests := []struct {
		key, value string
		want       error
	}{
		{KeyTemperature, "0.3", ErrInvalidValue},
		{KeyTemperature, "hot", ErrInvalidValue},
		{KeyMaxTokens, "100", ErrInvalidValue},
		{KeyModel, "gpt-4", ErrInvalidValue},
		{KeyLanguage, "de", ErrInvalidValue},
		{"system_prompt", "x", ErrUnknownKey},
	}
	for _, tt := range tests {
		if err := m.Set(ctx, 1, tt.key, tt.value); !errors.Is(err, tt.want) {
			t.Errorf("Set(%s, %s) err = %v, want %v", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestGet_IgnoresInvalidStoredValues(t *testing.T) {
	store := newMockStore()
	store.data[1] = map[string]string{KeyModel: "retired-model", KeyMaxTokens: "512"}
	m := newTestManager(store, &mockClock{})

	got, err := m.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Model != testDefaults.Model {
		t.Errorf("Model = %q, want default", got.Model)
	}
	if got.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", got.MaxTokens)
	}
}

func TestGet_CacheTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Unix(0, 0)}
	m := newTestManager(store, clock)
	ctx := context.Background()

	m.Get(ctx, 1)
	m.Get(ctx, 1)
	if store.getCalls != 1 {
		t.Errorf("store calls = %d, want 1 (cached)", store.getCalls)
	}

	clock.Advance(2 * time.Minute)
	m.Get(ctx, 1)
	if store.getCalls != 2 {
		t.Errorf("store calls = %d, want 2 after TTL", store.getCalls)
	}
}

func TestSet_InvalidatesCache(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store, &mockClock{})
	ctx := context.Background()

	m.Get(ctx, 1)
	if err := m.Set(ctx, 1, KeyMaxTokens, "256"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, 1)
	if got.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256 after Set", got.MaxTokens)
	}
}

func TestGet_StoreError(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("disk on fire")
	m := newTestManager(store, &mockClock{})
	if _, err := m.Get(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
}
