package i18n

import (
	"fmt"
	"strings"
)

// Localizer resolves keys for one language, falling back to the default
// catalog for keys the language does not define.
type Localizer struct {
	lang     string
	msgs     map[string]string
	fallback map[string]string
}

// Lang returns the language code this localizer renders.
func (l *Localizer) Lang() string {
	return l.lang
}

// Format renders key with args substituted for {name} placeholders.
func (l *Localizer) Format(key string, args map[string]string) (string, error) {
	tmpl, ok := l.msgs[key]
	if !ok {
		tmpl, ok = l.fallback[key]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return render(tmpl, args)
}

// Text renders key, returning the key itself when it cannot be rendered.
// Intended for static UI labels where a visible key beats an empty button.
func (l *Localizer) Text(key string, args map[string]string) string {
	s, err := l.Format(key, args)
	if err != nil {
		return key
	}
	return s
}

func render(tmpl string, args map[string]string) (string, error) {
	if !strings.Contains(tmpl, "{") {
		return tmpl, nil
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		val, ok := args[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingArg, name)
		}
		b.WriteString(rest[:open])
		b.WriteString(val)
		rest = rest[open+end+1:]
	}
	return b.String(), nil
}
