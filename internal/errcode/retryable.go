package errcode

// retryable lists the transient kinds. Configuration errors, policy blocks,
// quota exhaustion and unusable input are deliberately absent.
var retryable = map[Kind]struct{}{
	RequestFailed:       {},
	ServiceUnavailable:  {},
	TranscriptionFailed: {},
	ImageAnalysisFailed: {},
	NetworkError:        {},
	ImageGenTimeout:     {},
	ImageGenRateLimit:   {},
	ImageGenConnection:  {},
}

// Retryable reports whether kind is in the transient allow-list. It depends
// only on the kind, never on detail or arguments.
func Retryable(kind Kind) bool {
	_, ok := retryable[kind]
	return ok
}
