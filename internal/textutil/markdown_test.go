package textutil

import (
	"strings"
	"testing"
)

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hi there", "Hi there"},
		{"emphasis", "This is **bold** and _italic_.", "This is bold and italic."},
		{"heading", "# Title\n\nBody", "Title\n\nBody"},
		{"inline code", "Run `go test` now", "Run go test now"},
		{"link", "See [docs](https://go.dev)", "See docs (https://go.dev)"},
		{"autolink", "<https://go.dev>", "https://go.dev"},
		{"bullets", "- one\n- two", "• one\n• two"},
		{"ordered", "3. c\n4. d", "3. c\n4. d"},
		{"fenced", "```go\nfmt.Println(\"*x*\")\n```", "fmt.Println(\"*x*\")"},
		{"soft break", "line one\nline two", "line one\nline two"},
		{"strikethrough", "~~old~~ new", "old new"},
		{"backslash escape", "2 \\* 3 = 6", "2 * 3 = 6"},
		{"named entity", "AT&amp;T", "AT&T"},
		{"numeric entity", "caf&#233;", "café"},
		{"escape kept in code", "`a\\*b`", "a\\*b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkdown(tt.in); got != tt.want {
				t.Errorf("StripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_Escapes(t *testing.T) {
	got := Sanitize("Use <b>tags</b> & **stars**", 100)
	if strings.Contains(got, "<b>") {
		t.Errorf("raw HTML survived: %q", got)
	}
	if !strings.Contains(got, "&amp;") || !strings.Contains(got, "&lt;b&gt;") {
		t.Errorf("not escaped: %q", got)
	}
	if strings.Contains(got, "**") {
		t.Errorf("markdown survived: %q", got)
	}
}

func TestSanitize_EntitiesEscapedOnce(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AT&amp;T", "AT&amp;T"},
		{"2 \\* 3 = 6", "2 * 3 = 6"},
		{"~~old~~ new", "old new"},
		{"a &lt; b", "a &lt; b"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in, 100); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10, "…"); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("привет мир", 7, "…"); got != "привет…" {
		t.Errorf("Truncate = %q, want %q", got, "привет…")
	}
	if got := Truncate("abcdef", 2, "[cut]"); got != "[cut]" {
		t.Errorf("marker longer than max: %q", got)
	}
	if got := Truncate("abc", 0, "…"); got != "abc" {
		t.Errorf("max 0 should disable truncation: %q", got)
	}
}

func TestSanitize_TruncatesBeforeEscaping(t *testing.T) {
	got := Sanitize(strings.Repeat("&", 10), 5)
	if got != "&amp;&amp;&amp;&amp;…" {
		t.Errorf("Sanitize = %q", got)
	}
}

func TestPlainFromHTML(t *testing.T) {
	tests := map[string]string{
		"plain":                        "plain",
		"<b>bold</b> &amp; <i>it</i>":  "bold & it",
		"a &lt;tag&gt;":                "a <tag>",
		"line<br>next":                 "line\nnext",
		`<a href="https://x">link</a>`: "link",
		"<b>unclosed":                  "unclosed",
	}
	for in, want := range tests {
		if got := PlainFromHTML(in); got != want {
			t.Errorf("PlainFromHTML(%q) = %q, want %q", in, got, want)
		}
	}
}
