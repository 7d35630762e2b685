package ingestion

import "context"

// Store defines the interface for browser event persistence.
//
// The domain package defines this interface to specify what it needs for event
// storage, without depending on concrete implementations.
//
// Implementations must:
//   - Write exactly one row per call, auto-committed
//   - Never deduplicate: the same payload submitted twice is stored twice
//   - Populate event.ID and event.CreatedAt on success
type Store interface {
	// InsertEvent persists one event.
	InsertEvent(ctx context.Context, event *BrowserEvent) error

	// HealthCheck verifies the storage backend is reachable.
	//
	// This is used by the readiness endpoint only; the liveness endpoint never touches storage.
	HealthCheck(ctx context.Context) error
}

// Publisher forwards stored events to a secondary sink.
//
// Publishing is best effort. A Publisher must not block the request path on network I/O,
// and its errors never change the response to the client.
type Publisher interface {
	Publish(ctx context.Context, event *BrowserEvent) error
}
