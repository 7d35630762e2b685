package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glean-browser/eventsink/internal/ingestion"
)

// Sentinel errors for browser event storage operations.
var (
	// ErrEventInsertFailed is returned when an event could not be written.
	ErrEventInsertFailed = errors.New("browser event insert failed")

	// ErrEventNil is returned when a nil event is passed to InsertEvent.
	ErrEventNil = errors.New("browser event cannot be nil")

	// EventStore implements ingestion.Store (write interface for browser events).
	_ ingestion.Store = (*EventStore)(nil)
)

const insertEventSQL = `
	INSERT INTO browser_events (
		event_type, url, tab_id, "text", highlighted_text, clicked_url,
		action, user_agent, page_title, html_content, "timestamp"
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id, created_at`

// EventStore implements ingestion.Store with a PostgreSQL backend.
// Every insert goes through the Manager's shared connection.
type EventStore struct {
	manager *Manager
	logger  *slog.Logger
}

// NewEventStore creates an EventStore. Returns ErrNoDatabaseConnection if manager is nil.
func NewEventStore(manager *Manager, logger *slog.Logger) (*EventStore, error) {
	if manager == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{
		manager: manager,
		logger:  logger.With(slog.String("component", "event_store")),
	}, nil
}

// InsertEvent writes one row for event and fills in its ID and CreatedAt.
//
// Connection-class failures discard the shared connection so the next request reconnects.
// Nothing is retried here: a failed insert is reported to the caller.
func (s *EventStore) InsertEvent(ctx context.Context, event *ingestion.BrowserEvent) error {
	if event == nil {
		return ErrEventNil
	}

	conn, err := s.manager.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventInsertFailed, err)
	}

	start := time.Now()

	err = conn.DB.QueryRowContext(ctx, insertEventSQL,
		event.EventType,
		event.URL,
		event.TabID,
		event.Text,
		event.HighlightedText,
		event.ClickedURL,
		event.Action,
		event.UserAgent,
		event.PageTitle,
		event.HTMLContent,
		event.Timestamp,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		if isConnectionError(err) {
			s.manager.Invalidate(conn)
		}

		return fmt.Errorf("%w: %w", ErrEventInsertFailed, err)
	}

	s.logger.Debug("Inserted browser event",
		slog.Int64("id", event.ID),
		slog.String("event_type", event.EventType),
		slog.Int("html_bytes", len(event.HTMLContent)),
		slog.Duration("duration", time.Since(start)),
	)

	return nil
}

// HealthCheck verifies a live connection can be acquired.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	return s.manager.HealthCheck(ctx)
}

// Close closes the underlying connection manager.
func (s *EventStore) Close() error {
	return s.manager.Close()
}
