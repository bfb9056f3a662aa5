package storage

import (
	"context"
	"errors"
	"time"

	"multicam-live/internal/models"
)

// ErrPostgresUnavailable is returned when the Postgres repository is used
// without a live pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

// Repository persists camera connections, broadcast channels and the owner
// and relay records they depend on. Invariant-sensitive writers serialize per
// owner above this layer; the repository guarantees that SaveConnections is
// applied atomically.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// UpsertConnection creates or replaces the connection for
	// (OwnerID, CameraIndex).
	UpsertConnection(ctx context.Context, conn models.CameraConnection) error
	GetConnection(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error)
	// ListConnections returns the owner's connections ordered by camera index.
	ListConnections(ctx context.Context, ownerID string) ([]models.CameraConnection, error)
	// SaveConnections updates existing connections in one atomic step. Rows
	// that no longer exist are skipped.
	SaveConnections(ctx context.Context, conns ...models.CameraConnection) error
	// TouchConnection refreshes last_contact and reports whether the row exists.
	TouchConnection(ctx context.Context, ownerID string, cameraIndex int, at time.Time) (bool, error)
	// DeleteConnection removes the row and returns it as it was.
	DeleteConnection(ctx context.Context, ownerID string, cameraIndex int) (models.CameraConnection, bool, error)
	// ListStaleConnections returns non on-air connections whose last contact
	// predates cutoff. An empty ownerID covers every owner.
	ListStaleConnections(ctx context.Context, ownerID string, cutoff time.Time) ([]models.CameraConnection, error)
	// ListOwners returns owners that have connections or a channel record.
	ListOwners(ctx context.Context) ([]string, error)

	GetChannel(ctx context.Context, ownerID string) (models.BroadcastChannel, bool, error)
	SaveChannel(ctx context.Context, channel models.BroadcastChannel) error
	CountLiveChannels(ctx context.Context) (int, error)

	GetOwner(ctx context.Context, ownerID string) (models.Owner, bool, error)
	SaveOwner(ctx context.Context, owner models.Owner) error

	GetRelayAccount(ctx context.Context, ownerID, platform string) (models.RelayAccount, bool, error)
	SaveRelayAccount(ctx context.Context, account models.RelayAccount) error
}
