package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/chatrelay/internal/errcode"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(documentXML))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func codeOf(t *testing.T, err error) errcode.Code {
	t.Helper()
	var c errcode.Code
	if !errors.As(err, &c) {
		t.Fatalf("err = %v (%T), want errcode.Code", err, err)
	}
	return c
}

func TestDetect(t *testing.T) {
	tests := []struct {
		mime, name string
		want       Format
		ok         bool
	}{
		{"application/pdf", "", FormatPDF, true},
		{"text/plain; charset=utf-8", "", FormatTXT, true},
		{docxMIME, "", FormatDOCX, true},
		{"application/msword", "", FormatDOCX, true},
		{"", "page.HTM", FormatHTML, true},
		{"application/octet-stream", "notes.txt", FormatTXT, true},
		{"image/png", "x.txt", "", false},
		{"application/zip", "", "", false},
	}
	for _, tt := range tests {
		got, ok := Detect(tt.mime, tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Detect(%q, %q) = %q, %v; want %q, %v", tt.mime, tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestText_UTF8(t *testing.T) {
	got, err := Text([]byte("\xef\xbb\xbfHello\r\n\r\n\r\nworld  \n"), "text/plain", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello\n\nworld" {
		t.Errorf("Text = %q", got)
	}
}

func TestText_CP1251Fallback(t *testing.T) {
	cp1251 := []byte{0xCF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2}
	got, err := Text(cp1251, "text/plain", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Привет" {
		t.Errorf("Text = %q, want Привет", got)
	}
}

func TestText_DOCX(t *testing.T) {
	doc := buildDOCX(t, `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>First</w:t></w:r><w:r><w:t xml:space="preserve"> paragraph</w:t></w:r></w:p>
<w:p><w:r><w:t>A</w:t><w:tab/><w:t>B</w:t></w:r></w:p>
</w:body></w:document>`)

	got, err := Text(doc, docxMIME, "x.docx")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "First paragraph") || !strings.Contains(got, "A\tB") {
		t.Errorf("Text = %q", got)
	}
}

func TestText_DOCXMissingBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.Create("other.xml")
	zw.Close()

	_, err := Text(buf.Bytes(), docxMIME, "")
	if c := codeOf(t, err); c.Kind != errcode.ParsingFailedDOCX {
		t.Errorf("Kind = %s", c.Kind)
	}
}

func TestText_DOCXDecompressedLimit(t *testing.T) {
	old := maxDocumentXML
	maxDocumentXML = 4 << 10
	t.Cleanup(func() { maxDocumentXML = old })

	small := buildDOCX(t, `<w:document><w:body><w:p><w:r><w:t>fits</w:t></w:r></w:p></w:body></w:document>`)
	if got, err := Text(small, docxMIME, ""); err != nil || got != "fits" {
		t.Fatalf("Text = %q, %v", got, err)
	}

	// Compresses to a few hundred bytes but inflates past the limit.
	big := buildDOCX(t, `<w:document><w:body><w:p><w:r><w:t>`+
		strings.Repeat("a", 64<<10)+`</w:t></w:r></w:p></w:body></w:document>`)
	if len(big) > int(maxDocumentXML) {
		t.Fatalf("archive is %d bytes, want it under the limit", len(big))
	}
	_, err := Text(big, docxMIME, "")
	if c := codeOf(t, err); c.Kind != errcode.ParsingFailedDOCX {
		t.Errorf("Kind = %s, want %s", c.Kind, errcode.ParsingFailedDOCX)
	}
}

func TestText_HTML(t *testing.T) {
	page := `<html><head><title>T</title><style>p{}</style></head>
<body><h1>Title</h1><p>Hello <b>world</b></p><script>alert(1)</script><p>Bye</p></body></html>`
	got, err := Text([]byte(page), "text/html", "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "p{}") {
		t.Errorf("script or style leaked: %q", got)
	}
	for _, want := range []string{"Title", "Hello world", "Bye"} {
		if !strings.Contains(got, want) {
			t.Errorf("Text = %q, missing %q", got, want)
		}
	}
}

func TestText_Unsupported(t *testing.T) {
	_, err := Text([]byte("x"), "image/png", "cat.png")
	c := codeOf(t, err)
	if c.Kind != errcode.ParsingUnsupportedType || c.Args["mime_type"] != "image/png" {
		t.Errorf("code = %s", c)
	}
}

func TestText_Empty(t *testing.T) {
	_, err := Text([]byte("  \n\t\n"), "text/plain", "")
	if c := codeOf(t, err); c.Kind != errcode.ParsingEmptyResult {
		t.Errorf("Kind = %s", c.Kind)
	}
}

func TestText_CorruptPDF(t *testing.T) {
	_, err := Text([]byte("%PDF-1.4 garbage"), "application/pdf", "")
	c := codeOf(t, err)
	if c.Kind != errcode.ParsingFailedPDF {
		t.Errorf("Kind = %s", c.Kind)
	}
	if errcode.Retryable(c.Kind) {
		t.Error("extraction failures must not be retryable")
	}
}

func TestText_CorruptDOCX(t *testing.T) {
	_, err := Text([]byte("not a zip"), docxMIME, "")
	if c := codeOf(t, err); c.Kind != errcode.ParsingFailedDOCX {
		t.Errorf("Kind = %s", c.Kind)
	}
}
