// Package i18n holds the message catalogs and resolves symbolic keys plus
// named arguments into display strings.
package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFS embed.FS

// DefaultLanguage is used when a user's language matches nothing better.
const DefaultLanguage = "en"

var (
	// ErrMissingKey is returned when no catalog defines the key.
	ErrMissingKey = errors.New("message key not found")
	// ErrMissingArg is returned when a template placeholder has no argument.
	ErrMissingArg = errors.New("missing template argument")
)

// Catalog is an immutable set of per-language message tables.
type Catalog struct {
	tags     []language.Tag
	names    []string
	messages []map[string]string
	matcher  language.Matcher
}

// Load reads the catalogs embedded in the binary.
func Load() (*Catalog, error) {
	return LoadFS(localeFS, "locales")
}

// LoadFS reads every <lang>.toml file in dir. The default language must be
// present; it is the fallback for keys missing elsewhere.
func LoadFS(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading locales: %w", err)
	}

	tables := make(map[string]map[string]string)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".toml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var msgs map[string]string
		if err := toml.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		tables[strings.TrimSuffix(e.Name(), ".toml")] = msgs
	}

	return newCatalog(tables)
}

func newCatalog(tables map[string]map[string]string) (*Catalog, error) {
	if _, ok := tables[DefaultLanguage]; !ok {
		return nil, fmt.Errorf("catalog for default language %q missing", DefaultLanguage)
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		if name != DefaultLanguage {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	// The matcher treats the first tag as the fallback.
	names = append([]string{DefaultLanguage}, names...)

	c := &Catalog{names: names}
	for _, name := range names {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", name, err)
		}
		c.tags = append(c.tags, tag)
		c.messages = append(c.messages, tables[name])
	}
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// Languages returns the supported language codes, default first.
func (c *Catalog) Languages() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Match returns the supported language code closest to lang, which may be any
// BCP 47 tag (e.g. "ru-RU") or empty.
func (c *Catalog) Match(lang string) string {
	if lang == "" {
		return DefaultLanguage
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return DefaultLanguage
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return DefaultLanguage
	}
	return c.names[idx]
}

// Localizer returns a localizer for the language closest to lang.
func (c *Catalog) Localizer(lang string) *Localizer {
	name := c.Match(lang)
	for i, n := range c.names {
		if n == name {
			return &Localizer{lang: name, msgs: c.messages[i], fallback: c.messages[0]}
		}
	}
	return &Localizer{lang: DefaultLanguage, msgs: c.messages[0], fallback: c.messages[0]}
}

// Keys returns every key defined by the default catalog, sorted.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.messages[0]))
	for k := range c.messages[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
