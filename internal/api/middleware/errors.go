package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every error reply: {"error": "..."}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError writes status with the JSON error envelope. Messages are generic;
// details belong in the server log.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, message string) {
	body, err := json.Marshal(ErrorResponse{Error: message})
	if err != nil {
		http.Error(w, message, status)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(body); err != nil && logger != nil {
		logger.Error("Failed to write error response",
			slog.String("correlation_id", GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}
