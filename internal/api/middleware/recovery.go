package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics and logs them.
// The client receives 500 with the standard error envelope.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				err := recover()
				if err == nil {
					return
				}

				// net/http uses this to abort a response; let it through.
				if e, ok := err.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(err)
				}

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(ctx)),
					slog.Any("panic", err),
					slog.String("stack_trace", string(debug.Stack())),
				)

				WriteError(w, r, logger, http.StatusInternalServerError, "Internal server error")
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}
