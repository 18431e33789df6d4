// Package textutil converts model output into text the transport can render
// safely.
package textutil

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var (
	markdown  = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// StripMarkdown renders Markdown source as plain text: emphasis,
// strikethrough, headings and link syntax are dropped, list items become
// bullet lines and code is kept verbatim. Backslash escapes and character
// references outside code are resolved, so the result is unescaped text.
func StripMarkdown(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(textValue(node, source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
				return ast.WalkSkipChildren, nil
			}
		case *ast.Link:
			if !entering && len(node.Destination) > 0 {
				b.WriteString(" (")
				b.Write(node.Destination)
				b.WriteByte(')')
			}
		case *ast.RawHTML:
			if entering {
				for i := 0; i < node.Segments.Len(); i++ {
					seg := node.Segments.At(i)
					b.Write(seg.Value(source))
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			if entering {
				writeLines(&b, n, source)
				b.WriteByte('\n')
				return ast.WalkSkipChildren, nil
			}
		case *ast.ListItem:
			if entering {
				b.WriteString(listMarker(node))
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("\n")
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				b.WriteByte('\n')
				if _, inList := n.Parent().(*ast.ListItem); !inList {
					b.WriteByte('\n')
				}
			}
		case *ast.List:
			if !entering {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}

// textValue returns the literal text of node. Code span content is taken
// as is; elsewhere escapes and entity references are resolved.
func textValue(node *ast.Text, source []byte) []byte {
	value := node.Segment.Value(source)
	if _, inCode := node.Parent().(*ast.CodeSpan); inCode {
		return value
	}
	value = util.UnescapePunctuations(value)
	value = util.ResolveNumericReferences(value)
	return util.ResolveEntityNames(value)
}

func writeLines(b *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	idx := list.Start
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		idx++
	}
	return strconv.Itoa(idx) + ". "
}

// Truncate shortens s to at most max runes, ending with marker when cut.
func Truncate(s string, max int, marker string) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + marker
}

// Sanitize strips Markdown, caps the plain text at max runes and escapes
// it for HTML parse mode. The cap applies before escaping because the
// transport counts rendered characters.
func Sanitize(src string, max int) string {
	return html.EscapeString(Truncate(StripMarkdown(src), max, "…"))
}
