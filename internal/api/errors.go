package api

import (
	"log/slog"
	"net/http"

	"github.com/glean-browser/eventsink/internal/api/middleware"
)

// Client-facing error messages. They are deliberately generic; details are logged.
const (
	msgInvalidJSON        = "Invalid JSON"
	msgMissingEventType   = "Missing event_type"
	msgMethodNotAllowed   = "Method not allowed"
	msgPayloadTooLarge    = "Payload too large"
	msgInternalError      = "Internal server error"
	msgStorageUnavailable = "Storage unavailable"
	msgNotFound           = "Not found"
)

// writeError writes the {"error": message} envelope with status.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, message string) {
	middleware.WriteError(w, r, logger, status, message)
}
