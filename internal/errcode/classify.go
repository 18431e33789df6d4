package errcode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by clients constructed without credentials.
var ErrNotConfigured = errors.New("client not configured")

// StatusError is a non-2xx response from an HTTP provider.
type StatusError struct {
	// Status is the HTTP status code.
	Status int
	// Provider is the provider's symbolic status, e.g. RESOURCE_EXHAUSTED.
	Provider string
	// Reasons holds machine-readable reasons from the error details,
	// e.g. API_KEY_INVALID.
	Reasons []string
	// Message is the provider's human message. It is logged, never shown
	// to users.
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider returned %d %s: %s", e.Status, e.Provider, e.Message)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

func (e *StatusError) hasReason(reason string) bool {
	if strings.EqualFold(e.Provider, reason) {
		return true
	}
	for _, r := range e.Reasons {
		if strings.EqualFold(r, reason) {
			return true
		}
	}
	return false
}

// BlockedError is a safety-policy rejection: the provider produced no output
// parts and reported a block reason.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "content blocked: " + e.Reason
}

// Classify maps err onto a Code. Errors that are already a Code pass through
// unchanged. Unrecognised errors become fallback (UnknownAPIError when empty)
// carrying the Go type name of the innermost error as detail; the error
// message itself is never copied into the Code.
func Classify(err error, fallback Kind) Code {
	if err == nil {
		return Code{}
	}
	if fallback == "" {
		fallback = UnknownAPIError
	}

	var code Code
	if errors.As(err, &code) {
		return code
	}

	var blocked *BlockedError
	if errors.As(err, &blocked) {
		reason := blocked.Reason
		if reason == "" {
			reason = "OTHER"
		}
		return Newf(BlockedContent, reason)
	}

	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(status)
	}

	if errors.Is(err, ErrNotConfigured) {
		return Newf(APIKeyInvalid, "not configured")
	}

	// DeadlineExceeded also satisfies net.Error, so it is matched first.
	if errors.Is(err, context.DeadlineExceeded) {
		return Newf(RequestFailed, "timeout")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Newf(RequestFailed, "network")
	}

	return Newf(fallback, typeName(err))
}

func classifyStatus(e *StatusError) Code {
	switch {
	case e.hasReason("API_KEY_INVALID"),
		e.hasReason("PERMISSION_DENIED"),
		e.hasReason("UNAUTHENTICATED"),
		e.Status == http.StatusUnauthorized,
		e.Status == http.StatusForbidden:
		return Newf(APIKeyInvalid, providerDetail(e))
	case e.hasReason("RESOURCE_EXHAUSTED"), e.Status == http.StatusTooManyRequests:
		return Newf(QuotaExceeded, providerDetail(e))
	case e.hasReason("UNAVAILABLE"), e.Status == http.StatusServiceUnavailable:
		return Newf(ServiceUnavailable, providerDetail(e))
	default:
		return Newf(RequestFailed, providerDetail(e))
	}
}

func providerDetail(e *StatusError) string {
	if e.Provider != "" {
		return e.Provider
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// typeName returns the dynamic type of the innermost wrapped error.
func typeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
