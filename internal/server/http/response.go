package http

import (
	"encoding/json"
	"net/http"

	"taskstream/internal/logging"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger logging.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, logger logging.Logger, status int, message string, err error) {
	if err != nil {
		logger.Warn("HTTP %d - %s: %v", status, message, err)
	} else {
		logger.Warn("HTTP %d - %s", status, message)
	}

	resp := errorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, logger, status, resp)
}
