package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
)

// TokenEnv names the environment variable holding the API bearer token.
const TokenEnv = "AUTO_HPA_API_TOKEN"

// TokenFromEnv returns the configured bearer token, or "" when auth is off.
func TokenFromEnv() string {
	return strings.TrimSpace(os.Getenv(TokenEnv))
}

// TokenMiddleware requires an "Authorization: Bearer <token>" header.
// An empty token disables the check (dev mode).
func TokenMiddleware(token string) mux.MiddlewareFunc {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := bearerToken(r)
			sum := sha256.Sum256([]byte(got))
			if !ok || !hmac.Equal(sum[:], want[:]) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="auto-hpa"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
