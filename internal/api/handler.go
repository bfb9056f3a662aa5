package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"multicam-live/internal/models"
	"multicam-live/internal/relay"
)

// Broadcaster is the controller surface the operator API drives.
type Broadcaster interface {
	Cameras(ctx context.Context, ownerID string) ([]models.CameraConnection, error)
	Channel(ctx context.Context, ownerID string) (models.BroadcastChannel, error)
	Authorize(ctx context.Context, ownerID string, cameraIndex int, pin string) (models.CameraConnection, error)
	Reject(ctx context.Context, ownerID string, cameraIndex int) error
	CloseCamera(ctx context.Context, ownerID string, cameraIndex int) (bool, error)
	StopIfIdle(ctx context.Context, ownerID string) (bool, error)
	GoLive(ctx context.Context, ownerID string, cameraIndex int) (models.BroadcastChannel, error)
	Stop(ctx context.Context, ownerID string) error
}

// Relays is the optional multi-destination relay surface.
type Relays interface {
	Start(ctx context.Context, ownerID, platform string, force bool) (relay.Status, error)
	Stop(ctx context.Context, ownerID, platform string) (bool, error)
	Status(ownerID string) []relay.Status
}

// TokenResolver maps an operator token to the owner it acts for.
type TokenResolver interface {
	Resolve(token string) (ownerID string, ok bool)
}

// SessionServer upgrades a request into a real-time session for an owner.
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, ownerID string)
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Broadcaster Broadcaster
	Relays      Relays
	Tokens      TokenResolver
	Sessions    SessionServer
	PreviewURL  func(streamKey string) string
	Health      []HealthCheck
	Logger      *slog.Logger
}

// Handler serves the operator API.
type Handler struct {
	broadcaster Broadcaster
	relays      Relays
	tokens      TokenResolver
	sessions    SessionServer
	previewURL  func(string) string
	health      []HealthCheck
	logger      *slog.Logger
}

// NewHandler validates cfg and returns a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Broadcaster == nil {
		return nil, errors.New("api: broadcaster is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("api: token resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	previewURL := cfg.PreviewURL
	if previewURL == nil {
		previewURL = func(string) string { return "" }
	}
	return &Handler{
		broadcaster: cfg.Broadcaster,
		relays:      cfg.Relays,
		tokens:      cfg.Tokens,
		sessions:    cfg.Sessions,
		previewURL:  previewURL,
		health:      cfg.Health,
		logger:      logger,
	}, nil
}

// fail writes err and logs it when it is not a domain refusal.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		ownerID, _ := ownerFromContext(r.Context())
		h.logger.Error("operator request failed", "method", r.Method, "path", r.URL.Path, "owner", ownerID, "status", status, "error", err)
	}
	writeError(w, err)
}
