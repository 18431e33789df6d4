package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// WebhookSecretHeader carries the secret registered with setWebhook.
const WebhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) || !secureEqual(auth[len(prefix):], token) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookSecret rejects deliveries whose secret header does not match.
// An empty secret disables the check.
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && !secureEqual(r.Header.Get(WebhookSecretHeader), secret) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
