package http

import (
	"context"
	"net/http"
	"strings"

	authapp "taskstream/internal/auth/app"
	"taskstream/internal/logging"
)

type contextKey string

const subjectContextKey contextKey = "authSubject"

// SubjectFromContext returns the authenticated subject set by AuthMiddleware.
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectContextKey).(string); ok {
		return subject
	}
	return ""
}

// CORSMiddleware handles CORS headers for the browser client.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := len(allowedOrigins) == 0
			for _, candidate := range allowedOrigins {
				if origin == candidate || candidate == "*" {
					allowed = true
					break
				}
			}

			if origin != "" && allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs incoming requests.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware enforces bearer token authentication on protected routes.
// The token is accepted from the Authorization header or from the `token`
// query parameter, because the browser EventSource API cannot set custom
// headers on the stream request.
func AuthMiddleware(service *authapp.Service, logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				writeJSONError(w, logger, http.StatusUnauthorized, "authentication required", nil)
				return
			}

			subject, err := service.Validate(token)
			if err != nil {
				writeJSONError(w, logger, http.StatusUnauthorized, "invalid or expired token", err)
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken pulls the bearer token from the Authorization header or the
// token query parameter.
func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(header, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(header, prefix))
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
