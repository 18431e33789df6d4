package textutil

import (
	"strings"

	"golang.org/x/net/html"
)

// PlainFromHTML drops tags from Telegram-flavoured HTML and unescapes
// entities, for sending with parse mode disabled.
func PlainFromHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
}
