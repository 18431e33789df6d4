// Package extract pulls plain text out of uploaded documents.
//
// Every failure is returned as an errcode.Code so the caller can format it
// without further classification.
package extract

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kalambet/chatrelay/internal/errcode"
)

// Format is a supported document family.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatTXT  Format = "txt"
	FormatHTML Format = "html"
)

var mimeFormats = map[string]Format{
	"application/pdf":    FormatPDF,
	"application/msword": FormatDOCX,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"text/plain":            FormatTXT,
	"text/markdown":         FormatTXT,
	"text/csv":              FormatTXT,
	"text/html":             FormatHTML,
	"application/xhtml+xml": FormatHTML,
}

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".doc":  FormatDOCX,
	".txt":  FormatTXT,
	".md":   FormatTXT,
	".csv":  FormatTXT,
	".log":  FormatTXT,
	".html": FormatHTML,
	".htm":  FormatHTML,
}

var failedKinds = map[Format]errcode.Kind{
	FormatPDF:  errcode.ParsingFailedPDF,
	FormatDOCX: errcode.ParsingFailedDOCX,
	FormatTXT:  errcode.ParsingFailedTXT,
	FormatHTML: errcode.ParsingFailedHTML,
}

// Detect resolves the document format from its MIME type, falling back to
// the file extension when the MIME type is missing or generic.
func Detect(mimeType, fileName string) (Format, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if f, ok := mimeFormats[mimeType]; ok {
		return f, true
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		f, ok := extFormats[strings.ToLower(filepath.Ext(fileName))]
		return f, ok
	}
	return "", false
}

// Text extracts the document's text. Failures are errcode.Code values:
// PARSING_UNSUPPORTED_TYPE (mime_type arg), PARSING_FAILED_<FORMAT> with the
// cause's type as detail, or PARSING_EMPTY_RESULT.
func Text(data []byte, mimeType, fileName string) (text string, err error) {
	format, ok := Detect(mimeType, fileName)
	if !ok {
		label := mimeType
		if label == "" {
			label = filepath.Ext(fileName)
		}
		return "", errcode.New(errcode.ParsingUnsupportedType).WithArg("mime_type", label)
	}

	defer func() {
		// Third-party parsers panic on some malformed input.
		if r := recover(); r != nil {
			slog.Warn("document parser panic", "format", format, "panic", r)
			text, err = "", errcode.Newf(failedKinds[format], "panic")
		}
	}()

	var raw string
	switch format {
	case FormatPDF:
		raw, err = pdfText(data)
	case FormatDOCX:
		raw, err = docxText(data)
	case FormatTXT:
		raw, err = plainText(data)
	case FormatHTML:
		raw, err = htmlText(data)
	}
	if err != nil {
		slog.Debug("document extraction failed", "format", format, "error", err)
		return "", errcode.Classify(err, failedKinds[format])
	}

	text = normalize(raw)
	if text == "" {
		return "", errcode.New(errcode.ParsingEmptyResult)
	}
	return text, nil
}

// normalize trims lines and collapses runs of blank lines.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t ")
		if strings.TrimSpace(l) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

type formatError struct {
	format Format
	msg    string
}

func (e *formatError) Error() string {
	return fmt.Sprintf("%s: %s", e.format, e.msg)
}
