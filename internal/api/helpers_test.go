package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glean-browser/eventsink/internal/ingestion"
)

var errStoreDown = errors.New("connection refused")

// fakeStore records inserted events and can be told to fail.
type fakeStore struct {
	mu        sync.Mutex
	events    []*ingestion.BrowserEvent
	insertErr error
	healthErr error
	closed    bool
	nextID    int64
}

func (f *fakeStore) InsertEvent(_ context.Context, event *ingestion.BrowserEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return f.insertErr
	}

	f.nextID++
	event.ID = f.nextID
	f.events = append(f.events, event)

	return nil
}

func (f *fakeStore) HealthCheck(context.Context) error {
	return f.healthErr
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeStore) inserted() []*ingestion.BrowserEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*ingestion.BrowserEvent(nil), f.events...)
}

// fakePublisher records published events.
type fakePublisher struct {
	mu        sync.Mutex
	published []*ingestion.BrowserEvent
	err       error
	closed    bool
}

func (f *fakePublisher) Publish(_ context.Context, event *ingestion.BrowserEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, event)

	return f.err
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

var testCapturedAt = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testConfig() *ServerConfig {
	return &ServerConfig{
		Port:               8080,
		Host:               "127.0.0.1",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		LogLevel:           slog.LevelInfo,
		MaxRequestSize:     defaultMaxRequestSize,
		TLSMode:            TLSOff,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type"},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(store ingestion.Store, opts ...Option) *Server {
	opts = append([]Option{WithClock(func() time.Time { return testCapturedAt })}, opts...)

	return NewServer(testConfig(), discardLogger(), store, opts...)
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func assertCORSHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
}
