package composer

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/chatrelay/internal/history"
)

const (
	defaultMaxContextTokens = 8000
	defaultMaxDocumentChars = 30000
)

// Composer shapes what is sent to the model: it trims conversation history to
// a token budget and builds prompts for document analysis. Stored history is
// never modified; only the request copy is trimmed.
type Composer struct {
	MaxContextTokens int
	MaxDocumentChars int
}

// New creates a Composer. Non-positive limits select the defaults
// (8000 tokens of context, 30000 characters of document prompt).
func New(maxContextTokens, maxDocumentChars int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if maxDocumentChars <= 0 {
		maxDocumentChars = defaultMaxDocumentChars
	}
	return &Composer{MaxContextTokens: maxContextTokens, MaxDocumentChars: maxDocumentChars}
}

// Fit returns the most recent suffix of h that, together with prompt, stays
// within MaxContextTokens. The suffix always starts with a user turn because
// providers reject conversations that open with a model turn.
func (c *Composer) Fit(h history.History, prompt string) history.History {
	remaining := c.MaxContextTokens - EstimateTokens(prompt)
	start := len(h)
	for i := len(h) - 1; i >= 0; i-- {
		tokens := EstimateTokens(h[i].Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		start = i
	}
	for start < len(h) && h[start].Role != history.RoleUser {
		start++
	}
	return h[start:]
}

// DocumentPrompt joins the analysis instruction and the extracted document
// text, cutting the text so the whole prompt fits MaxDocumentChars. marker is
// appended when the text was cut.
func (c *Composer) DocumentPrompt(instruction, content, marker string) string {
	var sb strings.Builder
	sb.WriteString(instruction)
	sb.WriteString("\n\n")

	budget := c.MaxDocumentChars - utf8.RuneCountInString(sb.String())
	if utf8.RuneCountInString(content) <= budget {
		sb.WriteString(content)
		return sb.String()
	}

	keep := budget - utf8.RuneCountInString(marker) - 2
	if keep < 0 {
		keep = 0
	}
	runes := []rune(content)
	sb.WriteString(string(runes[:keep]))
	sb.WriteString("\n\n")
	sb.WriteString(marker)
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
