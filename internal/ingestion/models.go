// Package ingestion provides the browser event domain model and its decoding rules.
//
// This package defines the Store and Publisher interfaces the HTTP layer depends on.
// Concrete implementations (PostgreSQL, Kafka) live in internal/storage and internal/publish.
package ingestion

import (
	"database/sql/driver"
	"strconv"
	"time"
)

type (
	// BrowserEvent is one captured browser interaction, as persisted - Domain Model.
	//
	// Every text field is normalized: an absent or null input becomes "". This is a pure
	// domain model without JSON tags; decoding goes through Payload.
	BrowserEvent struct {
		// ID is assigned by the database on insert.
		ID int64

		// EventType names the interaction, e.g. "page_visit", "link_click", "page_html".
		EventType string

		URL             string
		TabID           OptionalInt
		Text            string
		HighlightedText string
		ClickedURL      string
		Action          string
		UserAgent       string
		PageTitle       string

		// HTMLContent is a full page snapshot and may be several megabytes.
		HTMLContent string

		// Timestamp is the server's clock reading when the request was received.
		// Client supplied timestamps are never used.
		Timestamp time.Time

		// CreatedAt is the row insertion time reported by the database.
		CreatedAt time.Time
	}

	// OptionalInt is an integer that may be absent. The zero value is absent.
	// It is stored as SQL NULL when absent.
	OptionalInt struct {
		Int32 int32
		Valid bool
	}
)

var _ driver.Valuer = OptionalInt{}

// SomeInt returns a present OptionalInt holding v.
func SomeInt(v int32) OptionalInt {
	return OptionalInt{Int32: v, Valid: true}
}

// Get returns the value and whether it is present.
func (o OptionalInt) Get() (int32, bool) {
	return o.Int32, o.Valid
}

// Value implements driver.Valuer.
func (o OptionalInt) Value() (driver.Value, error) {
	if !o.Valid {
		return nil, nil
	}

	return int64(o.Int32), nil
}

func (o OptionalInt) String() string {
	if !o.Valid {
		return "<absent>"
	}

	return strconv.FormatInt(int64(o.Int32), 10)
}
