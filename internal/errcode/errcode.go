// Package errcode defines the failure taxonomy shared by every collaborator
// (AI backend, transport, document extraction, storage) and the classifier
// that maps raw Go errors onto it.
package errcode

import (
	"sort"
	"strings"
)

// Kind is a symbolic failure category.
type Kind string

const (
	QuotaExceeded      Kind = "QUOTA_EXCEEDED"
	BlockedContent     Kind = "BLOCKED_CONTENT"
	RequestFailed      Kind = "REQUEST_FAILED"
	APIKeyInvalid      Kind = "API_KEY_INVALID"
	ServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	UnknownAPIError    Kind = "UNKNOWN_API_ERROR"

	TranscriptionFailed Kind = "TRANSCRIPTION_FAILED"
	ImageAnalysisFailed Kind = "IMAGE_ANALYSIS_FAILED"

	DownloadFailed Kind = "DOWNLOAD_FAILED"
	UploadFailed   Kind = "UPLOAD_FAILED"
	NetworkError   Kind = "NETWORK_ERROR"
	SendFailed     Kind = "SEND_FAILED"
	DBSaveFailed   Kind = "DB_SAVE_FAILED"

	ParsingUnsupportedType Kind = "PARSING_UNSUPPORTED_TYPE"
	ParsingFailedPDF       Kind = "PARSING_FAILED_PDF"
	ParsingFailedDOCX      Kind = "PARSING_FAILED_DOCX"
	ParsingFailedTXT       Kind = "PARSING_FAILED_TXT"
	ParsingFailedHTML      Kind = "PARSING_FAILED_HTML"
	ParsingLibMissing      Kind = "PARSING_LIB_MISSING"
	ParsingEmptyResult     Kind = "PARSING_EMPTY_RESULT"
	ParsingUnknown         Kind = "PARSING_UNKNOWN"
	DocumentTooLarge       Kind = "DOCUMENT_TOO_LARGE"

	ImageGenNotConfigured Kind = "IMAGE_GEN_NOT_CONFIGURED"
	ImageGenRateLimit     Kind = "IMAGE_GEN_RATE_LIMIT"
	ImageGenTimeout       Kind = "IMAGE_GEN_TIMEOUT"
	ImageGenConnection    Kind = "IMAGE_GEN_CONNECTION"
	ImageGenContentFilter Kind = "IMAGE_GEN_CONTENT_FILTER"
	ImageGenAPIError      Kind = "IMAGE_GEN_API_ERROR"

	RetryNotFound Kind = "RETRY_NOT_FOUND"
)

// All returns every Kind the collaborators can produce, in declaration order.
func All() []Kind {
	return []Kind{
		QuotaExceeded, BlockedContent, RequestFailed, APIKeyInvalid,
		ServiceUnavailable, UnknownAPIError,
		TranscriptionFailed, ImageAnalysisFailed,
		DownloadFailed, UploadFailed, NetworkError, SendFailed, DBSaveFailed,
		ParsingUnsupportedType, ParsingFailedPDF, ParsingFailedDOCX,
		ParsingFailedTXT, ParsingFailedHTML, ParsingLibMissing,
		ParsingEmptyResult, ParsingUnknown, DocumentTooLarge,
		ImageGenNotConfigured, ImageGenRateLimit, ImageGenTimeout,
		ImageGenConnection, ImageGenContentFilter, ImageGenAPIError,
		RetryNotFound,
	}
}

const (
	detailSep = ":"
	argsSep   = "|"
)

// Code is a classified failure: a Kind plus an optional free-text detail and
// optional named arguments for message templating.
//
// Code implements error so that collaborators which already know their
// failure class can return it directly.
type Code struct {
	Kind   Kind
	Detail string
	Args   map[string]string
}

// New returns a Code of the given kind with no detail.
func New(kind Kind) Code {
	return Code{Kind: kind}
}

// Newf returns a Code of the given kind carrying detail.
func Newf(kind Kind, detail string) Code {
	return Code{Kind: kind, Detail: detail}
}

// WithArg returns a copy of c with the named argument set.
func (c Code) WithArg(key, value string) Code {
	args := make(map[string]string, len(c.Args)+1)
	for k, v := range c.Args {
		args[k] = v
	}
	args[key] = value
	c.Args = args
	return c
}

// IsZero reports whether c carries no failure.
func (c Code) IsZero() bool {
	return c.Kind == ""
}

// Retryable reports whether replaying the same input may succeed.
func (c Code) Retryable() bool {
	return Retryable(c.Kind)
}

func (c Code) Error() string {
	return c.String()
}

// String renders c in the compact KIND[:detail][|k=v,...] form used in logs
// and callback payloads. Argument keys are sorted.
func (c Code) String() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Detail != "" {
		b.WriteString(detailSep)
		b.WriteString(c.Detail)
	}
	if len(c.Args) > 0 {
		keys := make([]string, 0, len(c.Args))
		for k := range c.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(argsSep)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(c.Args[k])
		}
	}
	return b.String()
}

// Parse reads the compact string form back into a Code. Named arguments
// after '|' are split off first; the first ':' in what remains separates
// the kind from its detail. Malformed argument pairs are skipped and Parse
// never fails: the worst case is a Code without detail or arguments.
func Parse(s string) Code {
	s = strings.TrimSpace(s)
	if s == "" {
		return Code{}
	}

	base, rawArgs, hasArgs := strings.Cut(s, argsSep)

	var c Code
	if hasArgs {
		for _, pair := range strings.Split(rawArgs, ",") {
			k, v, ok := strings.Cut(pair, "=")
			k = strings.TrimSpace(k)
			if !ok || k == "" {
				continue
			}
			if c.Args == nil {
				c.Args = make(map[string]string)
			}
			c.Args[k] = strings.TrimSpace(v)
		}
	}

	kind, detail, _ := strings.Cut(base, detailSep)
	c.Kind = Kind(strings.TrimSpace(kind))
	c.Detail = strings.TrimSpace(detail)
	return c
}
