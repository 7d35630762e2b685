package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/glean-browser/eventsink/internal/api/middleware"
	"github.com/glean-browser/eventsink/internal/ingestion"
)

// handleEvents ingests one browser event per request.
//
// OPTIONS never reaches this handler; the CORS middleware answers it. Every other
// non-POST method is rejected before the body is read.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, r, s.logger, http.StatusMethodNotAllowed, msgMethodNotAllowed)

		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("Request body exceeds limit",
				slog.String("correlation_id", correlationID),
				slog.Int64("limit_bytes", tooLarge.Limit),
			)

			writeError(w, r, s.logger, http.StatusRequestEntityTooLarge, msgPayloadTooLarge)

			return
		}

		s.logger.Warn("Failed to read request body",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		writeError(w, r, s.logger, http.StatusBadRequest, msgInvalidJSON)

		return
	}

	payload, err := ingestion.Decode(body)
	if err != nil {
		s.logger.Debug("Rejected malformed event",
			slog.String("correlation_id", correlationID),
			slog.Int("body_bytes", len(body)),
		)

		writeError(w, r, s.logger, http.StatusBadRequest, msgInvalidJSON)

		return
	}

	event, err := payload.Normalize(s.now())
	if err != nil {
		writeError(w, r, s.logger, http.StatusBadRequest, msgMissingEventType)

		return
	}

	if err := s.store.InsertEvent(r.Context(), event); err != nil {
		s.logger.Error("Failed to store browser event",
			slog.String("correlation_id", correlationID),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)

		writeError(w, r, s.logger, http.StatusInternalServerError, msgInternalError)

		return
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(r.Context(), event); err != nil {
			s.logger.Warn("Failed to mirror browser event",
				slog.String("correlation_id", correlationID),
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.writeJSON(w, r, http.StatusOK, StatusResponse{Status: "success"})
}
