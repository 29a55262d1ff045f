package http

import (
	"net/http"
	"time"

	authapp "taskstream/internal/auth/app"
	"taskstream/internal/logging"
	"taskstream/internal/observability"
	"taskstream/internal/server/app"
)

// RouterOptions bundles the collaborators the router wires together.
type RouterOptions struct {
	Registry    *app.TaskRegistry
	Executor    *app.TaskExecutor
	AuthService *authapp.Service
	Metrics     *observability.Metrics

	PingInterval   time.Duration
	AllowedOrigins []string
}

// NewRouter builds the HTTP handler tree. Task endpoints and logout sit
// behind the auth middleware; token issuance, validation, health, and metrics
// are public.
func NewRouter(opts RouterOptions) http.Handler {
	logger := logging.NewComponentLogger("Router")

	apiHandler := NewAPIHandler(opts.Registry, opts.Executor)
	sseHandler := NewSSEHandler(opts.Registry, opts.PingInterval)
	authHandler := NewAuthHandler(opts.AuthService)

	protect := AuthMiddleware(opts.AuthService, logger)

	mux := http.NewServeMux()

	mux.Handle("POST /tasks", protect(http.HandlerFunc(apiHandler.HandleCreateTask)))
	mux.Handle("GET /tasks", protect(http.HandlerFunc(apiHandler.HandleListTasks)))
	mux.Handle("GET /tasks/{id}", protect(http.HandlerFunc(apiHandler.HandleGetTask)))
	mux.Handle("GET /tasks/{id}/events", protect(http.HandlerFunc(sseHandler.HandleTaskEvents)))

	mux.HandleFunc("POST /auth/token", authHandler.HandleToken)
	mux.HandleFunc("GET /auth/validate-token", authHandler.HandleValidateToken)
	mux.Handle("POST /auth/logout", protect(http.HandlerFunc(authHandler.HandleLogout)))

	mux.HandleFunc("GET /healthz", apiHandler.HandleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(opts.AllowedOrigins)(handler)
	return handler
}
