// Package logging builds the service's slog loggers and carries request and
// owner scope through contexts so component logs can be correlated with the
// operator request that caused them.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"multicam-live/internal/observability/metrics"
)

// Config selects the level, format and destination of the root logger.
// Format is "json" (default) or "text".
type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

// Init builds the root logger and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger without touching the process default.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// parseLevel accepts slog's level names plus "warning". Anything it cannot
// read falls back to info.
func parseLevel(raw string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if name == "" || level.UnmarshalText([]byte(name)) != nil {
		return slog.LevelInfo
	}
	return level
}

// WithComponent tags logger with the emitting component. Nil stays nil.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-Id"

// ResponseHeader returns the headers a handler must pass explicitly when it
// writes its own response, such as a websocket 101, instead of the ones
// middleware set on the ResponseWriter. It is nil when ctx has no request id.
func ResponseHeader(ctx context.Context) http.Header {
	id, ok := RequestIDFromContext(ctx)
	if !ok {
		return nil
	}
	return http.Header{RequestIDHeader: []string{id}}
}

type scopeKey int

const (
	requestIDKey scopeKey = iota
	ownerIDKey
	loggerKey
)

func withString(ctx context.Context, key scopeKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key scopeKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, _ := ctx.Value(key).(string)
	return value, value != ""
}

// ContextWithRequestID records the request id. Blank ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}

// ContextWithOwner records the owner an operation acts on.
func ContextWithOwner(ctx context.Context, ownerID string) context.Context {
	return withString(ctx, ownerIDKey, ownerID)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, ownerIDKey)
}

// ContextWithLogger stores a request-scoped logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored by ContextWithLogger or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext adds the request id and owner held by ctx to logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	if requestID, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", requestID)
	}
	if ownerID, ok := OwnerFromContext(ctx); ok {
		attrs = append(attrs, "owner", ownerID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// AdditionalFields appends attributes computed once the response is
	// written.
	AdditionalFields func(r *http.Request, status int, elapsed time.Duration) []any
}

// RequestLogger logs one line per request once the handler returns: info
// for success, warn for 4xx and error for 5xx. A request id set by chi's
// RequestID middleware is adopted when the context has none.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := RequestIDFromContext(r.Context()); !ok {
				if id := middleware.GetReqID(r.Context()); id != "" {
					r = r.WithContext(ContextWithRequestID(r.Context(), id))
				}
			}
			rec := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			status := rec.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "http request", attrs...)
		})
	}
}
