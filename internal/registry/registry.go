// Package registry holds the durable per-camera connection records and the
// per-owner broadcast channel record. It performs single-row transitions
// only; cross-row invariants are enforced by the broadcast controller, which
// serializes calls for the same owner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"multicam-live/internal/models"
	"multicam-live/internal/storage"
)

// CredentialVerifier checks an operator-supplied PIN for an owner.
type CredentialVerifier interface {
	VerifyPIN(ctx context.Context, ownerID, pin string) error
}

// ConnectionRegistry tracks each camera's connection and authorization
// state.
type ConnectionRegistry struct {
	repo     storage.Repository
	verifier CredentialVerifier
	clock    clockwork.Clock
}

// Option configures a ConnectionRegistry.
type Option func(*ConnectionRegistry)

// WithClock overrides the clock used for connection timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(r *ConnectionRegistry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewConnectionRegistry builds a registry over repo.
func NewConnectionRegistry(repo storage.Repository, verifier CredentialVerifier, opts ...Option) *ConnectionRegistry {
	registry := &ConnectionRegistry{
		repo:     repo,
		verifier: verifier,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Clock exposes the registry's time source.
func (r *ConnectionRegistry) Clock() clockwork.Clock {
	return r.clock
}

func validateKey(ownerID string, cameraIndex int) error {
	if strings.TrimSpace(ownerID) == "" {
		return models.Wrapf(models.ErrUnknownOwner, nil, "owner is required")
	}
	if cameraIndex <= 0 {
		return models.Wrapf(models.ErrConnectionNotFound, nil, "camera index must be positive, got %d", cameraIndex)
	}
	return nil
}

// RegisterIngest records a publish. A re-publish of a known camera resets it
// to pending and unauthorized. The previous row, if any, is returned so the
// caller can tell whether an on-air camera was reset.
func (r *ConnectionRegistry) RegisterIngest(ctx context.Context, ownerID string, cameraIndex int, streamKey string) (conn models.CameraConnection, previous *models.CameraConnection, err error) {
	if err := validateKey(ownerID, cameraIndex); err != nil {
		return models.CameraConnection{}, nil, err
	}
	if strings.TrimSpace(streamKey) == "" {
		return models.CameraConnection{}, nil, models.Wrapf(models.ErrMalformedStreamKey, nil, "stream key is required")
	}
	existing, ok, err := r.repo.GetConnection(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, nil, fmt.Errorf("load camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	if ok {
		previous = &existing
	}

	now := r.clock.Now().UTC()
	conn = models.CameraConnection{
		OwnerID:     ownerID,
		CameraIndex: cameraIndex,
		StreamKey:   streamKey,
		Status:      models.CameraPending,
		Authorized:  false,
		ConnectedAt: now,
		LastContact: now,
	}
	if err := r.repo.UpsertConnection(ctx, conn); err != nil {
		return models.CameraConnection{}, nil, fmt.Errorf("register camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	return conn, previous, nil
}

// Authorize moves a pending camera to ready after checking the PIN. The
// credential is checked first so a wrong PIN never reveals camera state.
func (r *ConnectionRegistry) Authorize(ctx context.Context, ownerID string, cameraIndex int, pin string) (models.CameraConnection, error) {
	if err := validateKey(ownerID, cameraIndex); err != nil {
		return models.CameraConnection{}, err
	}
	if r.verifier == nil {
		return models.CameraConnection{}, models.ErrInvalidCredential
	}
	if err := r.verifier.VerifyPIN(ctx, ownerID, pin); err != nil {
		return models.CameraConnection{}, err
	}

	conn, ok, err := r.repo.GetConnection(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, fmt.Errorf("load camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	if !ok || conn.Status != models.CameraPending {
		return models.CameraConnection{}, models.Wrapf(models.ErrNotPending, nil, "no pending request for camera %d", cameraIndex)
	}
	conn.Status = models.CameraReady
	conn.Authorized = true
	if err := r.repo.SaveConnections(ctx, conn); err != nil {
		return models.CameraConnection{}, fmt.Errorf("authorize camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	return conn, nil
}

// Reject removes a camera that is still waiting for authorization.
func (r *ConnectionRegistry) Reject(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, error) {
	if err := validateKey(ownerID, cameraIndex); err != nil {
		return models.CameraConnection{}, err
	}
	conn, ok, err := r.repo.GetConnection(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, fmt.Errorf("load camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	if !ok || conn.Status != models.CameraPending {
		return models.CameraConnection{}, models.Wrapf(models.ErrNotPending, nil, "no pending request for camera %d", cameraIndex)
	}
	if _, _, err := r.repo.DeleteConnection(ctx, ownerID, cameraIndex); err != nil {
		return models.CameraConnection{}, fmt.Errorf("reject camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	return conn, nil
}

// Close removes the row unconditionally and reports whether it was on air.
// It never stops anything; that decision belongs to the caller.
func (r *ConnectionRegistry) Close(ctx context.Context, ownerID string, cameraIndex int) (removed models.CameraConnection, wasOnAir bool, err error) {
	if err := validateKey(ownerID, cameraIndex); err != nil {
		return models.CameraConnection{}, false, err
	}
	removed, ok, err := r.repo.DeleteConnection(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, false, fmt.Errorf("close camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	if !ok {
		return models.CameraConnection{}, false, models.Wrapf(models.ErrConnectionNotFound, nil, "camera %d is not connected", cameraIndex)
	}
	return removed, removed.Status == models.CameraOnAir, nil
}

// List returns a snapshot of the owner's connections ordered by index.
func (r *ConnectionRegistry) List(ctx context.Context, ownerID string) ([]models.CameraConnection, error) {
	conns, err := r.repo.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list cameras for %s: %w", ownerID, err)
	}
	return conns, nil
}

// Get returns one connection.
func (r *ConnectionRegistry) Get(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error) {
	conn, ok, err := r.repo.GetConnection(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, false, fmt.Errorf("load camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	return conn, ok, nil
}

// Touch refreshes last_contact from an ingest keep-alive.
func (r *ConnectionRegistry) Touch(ctx context.Context, ownerID string, cameraIndex int) error {
	ok, err := r.repo.TouchConnection(ctx, ownerID, cameraIndex, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	if !ok {
		return models.Wrapf(models.ErrConnectionNotFound, nil, "camera %d is not connected", cameraIndex)
	}
	return nil
}

// OnAir returns the owner's on-air connection, if any.
func (r *ConnectionRegistry) OnAir(ctx context.Context, ownerID string) (models.CameraConnection, bool, error) {
	conns, err := r.List(ctx, ownerID)
	if err != nil {
		return models.CameraConnection{}, false, err
	}
	for _, conn := range conns {
		if conn.Status == models.CameraOnAir {
			return conn, true, nil
		}
	}
	return models.CameraConnection{}, false, nil
}

// CheckPromotable returns the connection when it can be put on air.
func (r *ConnectionRegistry) CheckPromotable(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, error) {
	if err := validateKey(ownerID, cameraIndex); err != nil {
		return models.CameraConnection{}, err
	}
	conn, ok, err := r.Get(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, err
	}
	if !ok {
		return models.CameraConnection{}, models.Wrapf(models.ErrConnectionNotFound, nil, "camera %d is not connected", cameraIndex)
	}
	if conn.Status != models.CameraReady || !conn.Authorized {
		return models.CameraConnection{}, models.Wrapf(models.ErrCameraNotReady, nil, "camera %d is %s", cameraIndex, conn.Status)
	}
	return conn, nil
}

// Promote puts the camera on air and demotes every other on-air camera in a
// single atomic write. Demoted rows are returned in index order.
func (r *ConnectionRegistry) Promote(ctx context.Context, ownerID string, cameraIndex int) (promoted models.CameraConnection, demoted []models.CameraConnection, err error) {
	target, err := r.CheckPromotable(ctx, ownerID, cameraIndex)
	if err != nil {
		return models.CameraConnection{}, nil, err
	}
	conns, err := r.List(ctx, ownerID)
	if err != nil {
		return models.CameraConnection{}, nil, err
	}
	for _, conn := range conns {
		if conn.Status == models.CameraOnAir && conn.CameraIndex != cameraIndex {
			conn.Status = models.CameraReady
			demoted = append(demoted, conn)
		}
	}
	target.Status = models.CameraOnAir
	writes := append(append([]models.CameraConnection(nil), demoted...), target)
	if err := r.repo.SaveConnections(ctx, writes...); err != nil {
		return models.CameraConnection{}, nil, fmt.Errorf("promote camera %s/%d: %w", ownerID, cameraIndex, err)
	}
	return target, demoted, nil
}

// DemoteAll returns every on-air camera of the owner to ready.
func (r *ConnectionRegistry) DemoteAll(ctx context.Context, ownerID string) ([]models.CameraConnection, error) {
	conns, err := r.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var demoted []models.CameraConnection
	for _, conn := range conns {
		if conn.Status == models.CameraOnAir {
			conn.Status = models.CameraReady
			demoted = append(demoted, conn)
		}
	}
	if len(demoted) == 0 {
		return nil, nil
	}
	if err := r.repo.SaveConnections(ctx, demoted...); err != nil {
		return nil, fmt.Errorf("demote cameras for %s: %w", ownerID, err)
	}
	return demoted, nil
}

// Stale lists non on-air connections idle since before cutoff. An empty
// ownerID covers every owner.
func (r *ConnectionRegistry) Stale(ctx context.Context, ownerID string, cutoff time.Time) ([]models.CameraConnection, error) {
	conns, err := r.repo.ListStaleConnections(ctx, ownerID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale cameras: %w", err)
	}
	return conns, nil
}

// Owners lists owners that have connections or a channel record.
func (r *ConnectionRegistry) Owners(ctx context.Context) ([]string, error) {
	owners, err := r.repo.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

// IsNotFound reports whether err means the connection does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrConnectionNotFound)
}
