package auth

import (
	"context"
	"net/http"
	"strings"

	"diagnet/internal/metrics"
)

type ctxKey int

const subjectKey ctxKey = 0

// Subject returns the authenticated username stored on the request
// context, or "" when the request was not authenticated.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// Middleware requires a valid bearer token on everything except the login
// surface, the health probe and the metrics endpoint. CORS preflights pass
// unauthenticated because browsers send them without headers.
func Middleware(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				metrics.AuthFailures.WithLabelValues("missing").Inc()
				unauthorized(w)
				return
			}
			subject, err := tokens.Verify(raw)
			if err != nil {
				reason := "invalid"
				if err == ErrExpiredToken {
					reason = "expired"
				}
				metrics.AuthFailures.WithLabelValues(reason).Inc()
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
		})
	}
}

func exempt(path string) bool {
	return strings.HasPrefix(path, "/auth/") ||
		path == "/health" ||
		path == "/metrics"
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// unauthorized sends a bodyless 401; the challenge header is the only
// hint clients get.
func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="diagnet"`)
	w.WriteHeader(http.StatusUnauthorized)
}
