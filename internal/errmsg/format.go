// Package errmsg turns classified failures into user-facing text.
package errmsg

import (
	"errors"
	"html"
	"log/slog"

	"github.com/kalambet/chatrelay/internal/errcode"
)

// GenericKey is the catalog key used for unknown codes and as the fallback
// whenever a specific message cannot be rendered.
const GenericKey = "error-general"

// genericText is shown when even the generic key cannot be rendered.
const genericText = "Something went wrong. Please try again later."

var (
	errNilLocalizer   = errors.New("nil localizer")
	errLocalizerPanic = errors.New("localizer panicked")
)

// Localizer renders a catalog key with named arguments.
type Localizer interface {
	Format(key string, args map[string]string) (string, error)
}

var keys = map[errcode.Kind]string{
	errcode.QuotaExceeded:      "error-quota-exceeded",
	errcode.BlockedContent:     "error-blocked-content",
	errcode.RequestFailed:      "error-request-failed",
	errcode.APIKeyInvalid:      "error-api-key-invalid",
	errcode.ServiceUnavailable: "error-service-unavailable",
	errcode.UnknownAPIError:    "error-unknown-api",

	errcode.TranscriptionFailed: "error-transcription-failed",
	errcode.ImageAnalysisFailed: "error-image-analysis-failed",

	errcode.DownloadFailed: "error-download-failed",
	errcode.UploadFailed:   "error-upload-failed",
	errcode.NetworkError:   "error-network",
	errcode.SendFailed:     "error-send-failed",
	errcode.DBSaveFailed:   "error-db-save",

	errcode.ParsingUnsupportedType: "error-doc-unsupported-type",
	errcode.ParsingFailedPDF:       "error-doc-parsing-pdf",
	errcode.ParsingFailedDOCX:      "error-doc-parsing-docx",
	errcode.ParsingFailedTXT:       "error-doc-parsing-txt",
	errcode.ParsingFailedHTML:      "error-doc-parsing-html",
	errcode.ParsingLibMissing:      "error-doc-lib-missing",
	errcode.ParsingEmptyResult:     "error-doc-empty",
	errcode.ParsingUnknown:         "error-doc-unknown",
	errcode.DocumentTooLarge:       "error-doc-too-large",

	errcode.ImageGenNotConfigured: "error-image-not-configured",
	errcode.ImageGenRateLimit:     "error-image-rate-limit",
	errcode.ImageGenTimeout:       "error-image-timeout",
	errcode.ImageGenConnection:    "error-image-connection",
	errcode.ImageGenContentFilter: "error-image-content-filter",
	errcode.ImageGenAPIError:      "error-image-api",

	errcode.RetryNotFound: "error-retry-not-found",
}

// detailArg names the template argument a kind's detail fills in.
var detailArg = map[errcode.Kind]string{
	errcode.BlockedContent:         "reason",
	errcode.RequestFailed:          "error",
	errcode.ImageAnalysisFailed:    "error",
	errcode.TranscriptionFailed:    "error",
	errcode.ParsingLibMissing:      "library",
	errcode.ParsingUnsupportedType: "mime_type",
	errcode.DocumentTooLarge:       "limit_mb",
}

// Key returns the catalog key for kind and whether kind is known.
func Key(kind errcode.Kind) (string, bool) {
	k, ok := keys[kind]
	return k, ok
}

// Format renders code for display. A nil code or an unknown kind yields the
// generic message. needsRetry reflects only the kind. Format never panics:
// rendering failures fall back to the generic message.
func Format(code *errcode.Code, loc Localizer) (text string, needsRetry bool) {
	if code == nil || code.IsZero() {
		return Generic(loc), false
	}
	needsRetry = errcode.Retryable(code.Kind)

	key, ok := keys[code.Kind]
	if !ok {
		slog.Warn("no message for error code; using generic", "code", code.String())
		return Generic(loc), needsRetry
	}

	text, err := safeFormat(loc, key, args(code))
	if err != nil || text == "" {
		slog.Warn("could not render error message; using generic",
			"key", key, "code", code.String(), "error", err)
		return Generic(loc), needsRetry
	}
	return text, needsRetry
}

// FormatString renders a code given in its compact string form.
func FormatString(s string, loc Localizer) (string, bool) {
	if s == "" {
		return Format(nil, loc)
	}
	c := errcode.Parse(s)
	return Format(&c, loc)
}

// Generic returns the generic failure message.
func Generic(loc Localizer) string {
	text, err := safeFormat(loc, GenericKey, nil)
	if err != nil || text == "" {
		return genericText
	}
	return text
}

// args merges the implicit detail argument with explicit ones; explicit
// arguments win. Values are escaped because catalogs render as HTML.
func args(code *errcode.Code) map[string]string {
	out := make(map[string]string, len(code.Args)+1)
	if name, ok := detailArg[code.Kind]; ok && code.Detail != "" {
		out[name] = html.EscapeString(code.Detail)
	}
	for k, v := range code.Args {
		out[k] = html.EscapeString(v)
	}
	return out
}

func safeFormat(loc Localizer, key string, args map[string]string) (text string, err error) {
	if loc == nil {
		return "", errNilLocalizer
	}
	defer func() {
		if r := recover(); r != nil {
			text, err = "", errLocalizerPanic
		}
	}()
	return loc.Format(key, args)
}
