package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	authapp "taskstream/internal/auth/app"
	"taskstream/internal/auth/domain"
	"taskstream/internal/logging"
)

// AuthHandler serves the token endpoints backing the browser client.
type AuthHandler struct {
	service *authapp.Service
	logger  logging.Logger
}

// NewAuthHandler creates the auth endpoints handler.
func NewAuthHandler(service *authapp.Service) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logging.NewComponentLogger("AuthHandler"),
	}
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HandleToken serves POST /auth/token. Issuing a token supersedes any prior
// token for the same user.
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "invalid request body", err)
		return
	}

	token, err := h.service.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			writeJSONError(w, h.logger, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		writeJSONError(w, h.logger, http.StatusInternalServerError, "failed to issue token", err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, tokenResponse{
		AccessToken: token.Value,
		TokenType:   "bearer",
		ExpiresAt:   token.ExpiresAt,
	})
}

// HandleValidateToken serves GET /auth/validate-token. The token comes from
// the Authorization header or the token query parameter.
func (h *AuthHandler) HandleValidateToken(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		writeJSONError(w, h.logger, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	subject, err := h.service.Validate(token)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusUnauthorized, "invalid or expired token", err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{"valid": true, "subject": subject})
}

// HandleLogout serves POST /auth/logout on the authenticated chain and
// invalidates the caller's active token.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if subject == "" {
		writeJSONError(w, h.logger, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	h.service.Invalidate(subject)
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "logged_out"})
}
