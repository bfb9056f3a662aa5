package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	return payload
}

func TestNewRespectsFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Equal(t, "shown", decodeLine(t, &buf)["msg"])

	buf.Reset()
	New(Config{Writer: &buf, Format: "text"}).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input).Level(), "level %q", input)
	}
}

func TestWithComponent(t *testing.T) {
	assert.Nil(t, WithComponent(nil, "broadcast"))

	var buf bytes.Buffer
	WithComponent(New(Config{Writer: &buf}), "supervisor").Info("hello")
	assert.Equal(t, "supervisor", decodeLine(t, &buf)["component"])
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithOwner(ctx, " alice ")

	owner, ok := OwnerFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	payload := decodeLine(t, &buf)
	assert.Equal(t, "req-1", payload["request_id"])
	assert.Equal(t, "alice", payload["owner"])
}

func TestContextHelpersIgnoreBlankValues(t *testing.T) {
	ctx := ContextWithOwner(context.Background(), "  ")
	_, ok := OwnerFromContext(ctx)
	assert.False(t, ok)

	_, ok = RequestIDFromContext(ContextWithRequestID(ctx, ""))
	assert.False(t, ok)
	assert.Nil(t, LoggerFromContext(ctx))
}

func TestRequestLoggerPicksUpChiRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := middleware.RequestID(RequestLogger(RequestLoggerConfig{Logger: logger})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})))

	req := httptest.NewRequest(http.MethodPost, "/api/broadcast/stop", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")
	req.RemoteAddr = "127.0.0.1:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeLine(t, &buf)
	assert.Equal(t, float64(http.StatusAccepted), payload["status"])
	assert.Equal(t, "/api/broadcast/stop", payload["path"])
	assert.Equal(t, "abc-123", payload["request_id"])
	assert.Equal(t, "127.0.0.1:1234", payload["remote_addr"])
}

func TestRequestLoggerLevelFollowsStatus(t *testing.T) {
	cases := map[int]string{
		http.StatusOK:                  "INFO",
		http.StatusConflict:            "WARN",
		http.StatusBadGateway:          "ERROR",
		http.StatusUnprocessableEntity: "WARN",
	}
	for status, want := range cases {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/channel", nil))

		payload := decodeLine(t, &buf)
		assert.Equal(t, want, payload["level"], "status %d", status)
		assert.NotContains(t, payload, "remote_addr")
	}
}

func TestRequestLoggerKeepsExistingRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := middleware.RequestID(RequestLogger(RequestLoggerConfig{Logger: logger})(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.RequestIDHeader, "from-chi")
	req = req.WithContext(ContextWithRequestID(req.Context(), "from-server"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "from-server", decodeLine(t, &buf)["request_id"])
}
