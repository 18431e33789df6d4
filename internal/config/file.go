package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "chatrelay-data"
		}
	}
	return filepath.Join(dir, "chatrelay")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "chatrelay", "config.toml")
}

func secretsFilePath(dataDir string) string {
	return filepath.Join(dataDir, "secrets.toml")
}

// fileBackend stores config as a TOML document. A key "a.b" lives in
// table [a] under b; a key without a dot lives at the top level.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := toml.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(b.data)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func splitKey(key string) (table, name string) {
	table, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return table, name
}

func (b *fileBackend) get(key string) (any, bool) {
	table, name := splitKey(key)
	if table == "" {
		v, ok := b.data[name]
		return v, ok
	}
	t, ok := b.data[table].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := t[name]
	return v, ok
}

func (b *fileBackend) set(key string, val any) error {
	table, name := splitKey(key)
	if table == "" {
		b.data[name] = val
		return b.save()
	}
	t, ok := b.data[table].(map[string]any)
	if !ok {
		t = make(map[string]any)
		b.data[table] = t
	}
	t[name] = val
	return b.save()
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case []any, []string, map[string]any:
		return "", true, fmt.Errorf("invalid type for %s", key)
	default:
		return fmt.Sprintf("%v", v), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int64:
		return int(val), true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

// GetStrings accepts a TOML array or a comma-separated string.
func (b *fileBackend) GetStrings(key string) ([]string, bool, error) {
	v, ok := b.get(key)
	if !ok {
		return nil, false, nil
	}
	switch val := v.(type) {
	case []string:
		return val, true, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, true, fmt.Errorf("invalid element %v in %s", item, key)
			}
			out = append(out, s)
		}
		return out, true, nil
	case string:
		return splitList(val), true, nil
	default:
		return nil, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, int64(val))
}

func (b *fileBackend) SetStrings(key string, val []string) error {
	return b.set(key, val)
}

func (b *fileBackend) Delete(key string) error {
	table, name := splitKey(key)
	if table == "" {
		delete(b.data, name)
	} else if t, ok := b.data[table].(map[string]any); ok {
		delete(t, name)
		if len(t) == 0 {
			delete(b.data, table)
		}
	}
	return b.save()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
