package errcode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestParse_Forms(t *testing.T) {
	tests := []struct {
		in         string
		wantKind   Kind
		wantDetail string
		wantArgs   map[string]string
	}{
		{"", "", "", nil},
		{"QUOTA_EXCEEDED", QuotaExceeded, "", nil},
		{"BLOCKED_CONTENT:HATE_SPEECH", BlockedContent, "HATE_SPEECH", nil},
		{"REQUEST_FAILED:a:b:c", RequestFailed, "a:b:c", nil},
		{"PARSING_UNSUPPORTED_TYPE|mime_type=text/csv", ParsingUnsupportedType, "", map[string]string{"mime_type": "text/csv"}},
		{"DOCUMENT_TOO_LARGE:big|limit_mb=20,extra=x", DocumentTooLarge, "big", map[string]string{"limit_mb": "20", "extra": "x"}},
		{"PARSING_UNSUPPORTED_TYPE|garbage,,=novalue,k=v", ParsingUnsupportedType, "", map[string]string{"k": "v"}},
		{"PARSING_LIB_MISSING|", ParsingLibMissing, "", nil},
		{":detail-only", "", "detail-only", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Parse(tt.in)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.Detail != tt.wantDetail {
				t.Errorf("Detail = %q, want %q", got.Detail, tt.wantDetail)
			}
			if len(got.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", got.Args, tt.wantArgs)
			}
			for k, v := range tt.wantArgs {
				if got.Args[k] != v {
					t.Errorf("Args[%q] = %q, want %q", k, got.Args[k], v)
				}
			}
		})
	}
}

func TestCode_String(t *testing.T) {
	c := Newf(DocumentTooLarge, "upload").WithArg("limit_mb", "20").WithArg("a", "1")
	if got, want := c.String(), "DOCUMENT_TOO_LARGE:upload|a=1,limit_mb=20"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Parse(c.String()); got.Kind != c.Kind || got.Detail != c.Detail || got.Args["limit_mb"] != "20" {
		t.Errorf("Parse(String()) = %+v, want %+v", got, c)
	}
}

func TestCode_WithArgDoesNotAlias(t *testing.T) {
	base := New(ParsingUnsupportedType).WithArg("mime_type", "a")
	other := base.WithArg("mime_type", "b")
	if base.Args["mime_type"] != "a" {
		t.Errorf("base mutated: %v", base.Args)
	}
	if other.Args["mime_type"] != "b" {
		t.Errorf("other = %v", other.Args)
	}
}

func TestRetryable_DependsOnlyOnKind(t *testing.T) {
	for _, k := range All() {
		a := Parse(string(k) + ":xyz")
		b := Parse(string(k) + ":abc|k=v")
		if a.Retryable() != b.Retryable() || a.Retryable() != Retryable(k) {
			t.Errorf("%s: retryability varies with detail", k)
		}
	}
}

func TestRetryable_Policy(t *testing.T) {
	if Retryable(QuotaExceeded) {
		t.Error("QUOTA_EXCEEDED must not be retryable")
	}
	for _, k := range []Kind{APIKeyInvalid, BlockedContent, ParsingFailedPDF, ParsingEmptyResult, DBSaveFailed} {
		if Retryable(k) {
			t.Errorf("%s must not be retryable", k)
		}
	}
	for _, k := range []Kind{RequestFailed, ServiceUnavailable, TranscriptionFailed, ImageAnalysisFailed, NetworkError} {
		if !Retryable(k) {
			t.Errorf("%s must be retryable", k)
		}
	}
}

type customErr struct{}

func (customErr) Error() string { return "secret token abc123 leaked" }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		fallback   Kind
		wantKind   Kind
		wantDetail string
	}{
		{"nil", nil, "", "", ""},
		{"passthrough", fmt.Errorf("wrap: %w", Newf(ParsingFailedPDF, "x")), "", ParsingFailedPDF, "x"},
		{"blocked", &BlockedError{Reason: "HATE_SPEECH"}, "", BlockedContent, "HATE_SPEECH"},
		{"blocked no reason", &BlockedError{}, "", BlockedContent, "OTHER"},
		{"quota by status", &StatusError{Status: 429}, "", QuotaExceeded, "HTTP 429"},
		{"quota by provider", &StatusError{Status: 400, Provider: "RESOURCE_EXHAUSTED"}, "", QuotaExceeded, "RESOURCE_EXHAUSTED"},
		{"key invalid reason", &StatusError{Status: 400, Provider: "INVALID_ARGUMENT", Reasons: []string{"API_KEY_INVALID"}}, "", APIKeyInvalid, "INVALID_ARGUMENT"},
		{"permission", &StatusError{Status: 403, Provider: "PERMISSION_DENIED"}, "", APIKeyInvalid, "PERMISSION_DENIED"},
		{"unavailable", &StatusError{Status: 503, Provider: "UNAVAILABLE"}, "", ServiceUnavailable, "UNAVAILABLE"},
		{"other status", &StatusError{Status: 500, Provider: "INTERNAL"}, "", RequestFailed, "INTERNAL"},
		{"not configured", fmt.Errorf("generate: %w", ErrNotConfigured), "", APIKeyInvalid, "not configured"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), "", RequestFailed, "timeout"},
		{"net", timeoutErr{}, "", RequestFailed, "network"},
		{"unknown", fmt.Errorf("outer: %w", customErr{}), "", UnknownAPIError, "errcode.customErr"},
		{"fallback kind", errors.New("boom"), TranscriptionFailed, TranscriptionFailed, "errors.errorString"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.fallback)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.Detail != tt.wantDetail {
				t.Errorf("Detail = %q, want %q", got.Detail, tt.wantDetail)
			}
		})
	}
}

func TestClassify_NeverCopiesMessage(t *testing.T) {
	got := Classify(customErr{}, "")
	if got.Detail == (customErr{}).Error() {
		t.Errorf("detail leaked the error message: %q", got.Detail)
	}
}
