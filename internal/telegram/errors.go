package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFileTooLarge is returned by Download when a file exceeds the limit.
var ErrFileTooLarge = errors.New("file too large")

// ErrorKind classifies a failed Bot API call.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindRateLimited carries RetryAfter.
	KindRateLimited
	// KindNotFound means the target message is gone or can no longer be
	// edited.
	KindNotFound
	// KindParseRejected means the HTML could not be parsed.
	KindParseRejected
	// KindNotModified means an edit carried identical content.
	KindNotModified
	// KindNetwork is a transport failure before any API response.
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindParseRejected:
		return "parse_rejected"
	case KindNotModified:
		return "not_modified"
	case KindNetwork:
		return "network"
	default:
		return "other"
	}
}

// Error is a failed Bot API call.
type Error struct {
	Method      string
	Kind        ErrorKind
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telegram %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a telegram error, or KindOther for anything
// else.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

var (
	notFoundMarkers = []string{
		"message to edit not found",
		"message can't be edited",
		"message_id_invalid",
		"message not found",
	}
	parseMarkers = []string{
		"can't parse entities",
		"can't find end of",
		"unsupported start tag",
		"unclosed start tag",
	}
)

func apiError(method string, code int, description string, retryAfter int) *Error {
	e := &Error{Method: method, Code: code, Description: description}
	desc := strings.ToLower(description)
	switch {
	case code == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = time.Duration(retryAfter) * time.Second
	case strings.Contains(desc, "message is not modified"):
		e.Kind = KindNotModified
	case containsAny(desc, notFoundMarkers):
		e.Kind = KindNotFound
	case containsAny(desc, parseMarkers):
		e.Kind = KindParseRejected
	default:
		e.Kind = KindOther
	}
	return e
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// unwrapURLError drops the *url.Error wrapper, whose message contains the
// request URL and therefore the bot token.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
