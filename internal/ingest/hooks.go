package ingest

import (
	"context"
	"errors"
	"log/slog"

	"multicam-live/internal/models"
)

// OwnerDirectory resolves the account a stream key belongs to.
type OwnerDirectory interface {
	RequireActive(ctx context.Context, ownerID string) (models.Owner, error)
}

// Controller is the part of the broadcast controller the callbacks drive.
type Controller interface {
	RegisterIngest(ctx context.Context, ownerID string, cameraIndex int, streamKey string) (models.CameraConnection, error)
	CloseCamera(ctx context.Context, ownerID string, cameraIndex int) (wasOnAir bool, err error)
	StopIfIdle(ctx context.Context, ownerID string) (stopped bool, err error)
	Touch(ctx context.Context, ownerID string, cameraIndex int) error
}

// Hooks applies origin callbacks.
type Hooks struct {
	directory  OwnerDirectory
	controller Controller
	logger     *slog.Logger
}

// NewHooks returns callbacks bound to the directory and controller.
func NewHooks(directory OwnerDirectory, controller Controller, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{directory: directory, controller: controller, logger: logger}
}

// OnPublish admits a camera as pending. Malformed names and unknown or
// inactive owners are rejected.
func (h *Hooks) OnPublish(ctx context.Context, name string) (models.CameraConnection, error) {
	key, err := ParseStreamKey(name)
	if err != nil {
		h.logger.Warn("publish rejected", "stream_key", name, "error", err)
		return models.CameraConnection{}, err
	}
	if _, err := h.directory.RequireActive(ctx, key.OwnerID); err != nil {
		h.logger.Warn("publish rejected", "stream_key", key.Raw, "owner", key.OwnerID, "error", err)
		return models.CameraConnection{}, err
	}
	conn, err := h.controller.RegisterIngest(ctx, key.OwnerID, key.CameraIndex, key.Raw)
	if err != nil {
		return models.CameraConnection{}, err
	}
	h.logger.Info("camera publishing", "owner", key.OwnerID, "camera", key.CameraIndex)
	return conn, nil
}

// OnUnpublish closes the camera and stops the owner's broadcast if nothing
// is left on air. A camera that is already gone is not an error.
func (h *Hooks) OnUnpublish(ctx context.Context, name string) error {
	key, err := ParseStreamKey(name)
	if err != nil {
		return err
	}
	wasOnAir, err := h.controller.CloseCamera(ctx, key.OwnerID, key.CameraIndex)
	if err != nil && !errors.Is(err, models.ErrConnectionNotFound) {
		return err
	}
	stopped, err := h.controller.StopIfIdle(ctx, key.OwnerID)
	if err != nil {
		return err
	}
	if wasOnAir || stopped {
		h.logger.Info("on-air camera unpublished", "owner", key.OwnerID, "camera", key.CameraIndex, "broadcast_stopped", stopped)
	}
	return nil
}

// OnUpdate refreshes the camera's keep-alive.
func (h *Hooks) OnUpdate(ctx context.Context, name string) error {
	key, err := ParseStreamKey(name)
	if err != nil {
		return err
	}
	return h.controller.Touch(ctx, key.OwnerID, key.CameraIndex)
}
