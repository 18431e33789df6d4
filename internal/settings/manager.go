// Package settings provides validated, cached access to per-user generation
// settings stored in SQLite.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Setting keys as stored.
const (
	KeyModel       = "model"
	KeyTemperature = "temperature"
	KeyMaxTokens   = "max_tokens"
	KeyLanguage    = "language"
)

var (
	// ErrUnknownKey is returned for a key that is not a user setting.
	ErrUnknownKey = errors.New("unknown setting")
	// ErrInvalidValue is returned for a value outside the allowed options.
	ErrInvalidValue = errors.New("value not allowed")
)

// TemperatureOptions are the selectable sampling temperatures.
var TemperatureOptions = []float64{0.2, 0.5, 0.7, 1.0, 1.5}

// MaxTokensOptions are the selectable output length caps.
var MaxTokensOptions = []int{256, 512, 1024, 2048, 4096}

// Settings are the generation parameters for one user. Language is empty
// when the user never picked one.
type Settings struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Language    string  `json:"language,omitempty"`
}

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetSettings(ctx context.Context, userID int64) (map[string]string, error)
	SetSetting(ctx context.Context, userID int64, key, value string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cached struct {
	settings Settings
	at       time.Time
}

// Manager validates settings against the allowed options and caches reads.
type Manager struct {
	store     Store
	defaults  Settings
	models    []string
	languages []string
	clock     Clock
	ttl       time.Duration

	mu    sync.RWMutex
	cache map[int64]cached
}

// NewManager creates a Manager with a 60-second cache TTL. models and
// languages list the allowed values; defaults fill in unset fields.
func NewManager(store Store, defaults Settings, models, languages []string) *Manager {
	return NewManagerWithClock(store, defaults, models, languages, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, defaults Settings, models, languages []string, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:     store,
		defaults:  defaults,
		models:    models,
		languages: languages,
		clock:     clock,
		ttl:       ttl,
		cache:     make(map[int64]cached),
	}
}

// Defaults returns the process-wide defaults.
func (m *Manager) Defaults() Settings {
	return m.defaults
}

// Models returns the selectable model identifiers.
func (m *Manager) Models() []string {
	return slices.Clone(m.models)
}

// Languages returns the selectable interface languages.
func (m *Manager) Languages() []string {
	return slices.Clone(m.languages)
}

// Get returns the user's settings with defaults applied. Stored values that
// are no longer allowed (e.g. a retired model) are ignored.
func (m *Manager) Get(ctx context.Context, userID int64) (Settings, error) {
	m.mu.RLock()
	if c, ok := m.cache[userID]; ok && m.clock.Now().Before(c.at.Add(m.ttl)) {
		m.mu.RUnlock()
		return c.settings, nil
	}
	m.mu.RUnlock()

	raw, err := m.store.GetSettings(ctx, userID)
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	s := m.build(userID, raw)

	m.mu.Lock()
	m.cache[userID] = cached{settings: s, at: m.clock.Now()}
	m.mu.Unlock()
	return s, nil
}

// Set validates and stores one setting.
func (m *Manager) Set(ctx context.Context, userID int64, key, value string) error {
	normalized, err := m.validate(key, value)
	if err != nil {
		return err
	}
	if err := m.store.SetSetting(ctx, userID, key, normalized); err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}
	m.Invalidate(userID)
	return nil
}

// Invalidate drops the cached settings for userID.
func (m *Manager) Invalidate(userID int64) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

func (m *Manager) build(userID int64, raw map[string]string) Settings {
	s := m.defaults
	for key, value := range raw {
		normalized, err := m.validate(key, value)
		if err != nil {
			slog.Warn("ignoring stored setting", "user_id", userID, "key", key, "value", value, "error", err)
			continue
		}
		switch key {
		case KeyModel:
			s.Model = normalized
		case KeyTemperature:
			s.Temperature, _ = strconv.ParseFloat(normalized, 64)
		case KeyMaxTokens:
			s.MaxTokens, _ = strconv.Atoi(normalized)
		case KeyLanguage:
			s.Language = normalized
		}
	}
	return s
}

// validate checks value for key and returns its canonical string form.
func (m *Manager) validate(key, value string) (string, error) {
	switch key {
	case KeyModel:
		if !slices.Contains(m.models, value) {
			return "", fmt.Errorf("%w: model %q", ErrInvalidValue, value)
		}
		return value, nil
	case KeyTemperature:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || !slices.Contains(TemperatureOptions, f) {
			return "", fmt.Errorf("%w: temperature %q", ErrInvalidValue, value)
		}
		return FormatTemperature(f), nil
	case KeyMaxTokens:
		n, err := strconv.Atoi(value)
		if err != nil || !slices.Contains(MaxTokensOptions, n) {
			return "", fmt.Errorf("%w: max_tokens %q", ErrInvalidValue, value)
		}
		return strconv.Itoa(n), nil
	case KeyLanguage:
		if !slices.Contains(m.languages, value) {
			return "", fmt.Errorf("%w: language %q", ErrInvalidValue, value)
		}
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
}

// FormatTemperature renders a temperature the way it is stored and shown.
func FormatTemperature(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
