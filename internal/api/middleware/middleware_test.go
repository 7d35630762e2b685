package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCORS struct {
	origins []string
	methods []string
	headers []string
	maxAge  int
}

func (c staticCORS) GetAllowedOrigins() []string { return c.origins }
func (c staticCORS) GetAllowedMethods() []string { return c.methods }
func (c staticCORS) GetAllowedHeaders() []string { return c.headers }
func (c staticCORS) GetMaxAge() int              { return c.maxAge }

var eventsCORS = staticCORS{
	origins: []string{"*"},
	methods: []string{"POST", "OPTIONS"},
	headers: []string{"Content-Type"},
}

func TestCorrelationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, "abc-123")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(CorrelationIDHeader))
	})

	t.Run("oversized header replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, strings.Repeat("x", maxCorrelationIDLength+1))

		handler.ServeHTTP(httptest.NewRecorder(), req)

		_, err := uuid.Parse(seen)
		assert.NoError(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, "unknown", GetCorrelationID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
	})
}

func TestCORS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	nextCalled := false
	handler := CORS(eventsCORS)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusAccepted)
	}))

	t.Run("preflight answered with 200 and empty body", func(t *testing.T) {
		nextCalled = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/events", nil))

		assert.False(t, nextCalled)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Empty(t, rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("other methods pass through with headers", func(t *testing.T) {
		nextCalled = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", nil))

		assert.True(t, nextCalled)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("origin list", func(t *testing.T) {
		cfg := staticCORS{origins: []string{"chrome-extension://abc", "https://example.com"}, maxAge: 600}

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://example.com")

		rec := httptest.NewRecorder()
		SetCORSHeaders(rec, req, cfg)

		assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

		req.Header.Set("Origin", "https://evil.example")
		rec = httptest.NewRecorder()
		SetCORSHeaders(rec, req, cfg)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRecovery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := Apply(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		WithCorrelationID(),
		WithRecovery(logger),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
	req.Header.Set(CorrelationIDHeader, "panic-test")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Contains(t, logs.String(), "HTTP request panic recovered")
	assert.Contains(t, logs.String(), "panic-test")
	assert.Contains(t, logs.String(), "boom")
}

func TestRequestLogger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := Apply(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short"))
		}),
		WithCorrelationID(),
		WithRequestLogger(logger),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"html_content":"secret"}`))
	req.Header.Set(CorrelationIDHeader, "log-test")

	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &entry))

	assert.Equal(t, "HTTP request completed", entry["msg"])
	assert.InDelta(t, http.StatusTeapot, entry["status_code"], 0)
	assert.InDelta(t, 5, entry["response_bytes"], 0)
	assert.Equal(t, "log-test", entry["correlation_id"])
	assert.NotContains(t, logs.String(), "secret")
}

func TestApplyOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var order []string

	mark := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("first"), mark("second"), WithRateLimit(nil, nil, nil))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
