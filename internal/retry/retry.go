// Package retry remembers the last input that failed with a retryable error
// so the user can replay it with one tap. There is one slot per session;
// a newer failure replaces the older one.
package retry

// Session is the per-user state the token lives in.
type Session interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

const slotKey = "retry.last_failed_input"

// Remember stores input as the pending retry, replacing any previous one.
func Remember(s Session, input string) {
	s.Set(slotKey, input)
}

// Pending returns the input awaiting retry, if any.
func Pending(s Session) (string, bool) {
	v, ok := s.Get(slotKey)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Forget clears the pending retry.
func Forget(s Session) {
	s.Delete(slotKey)
}
