package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"multicam-live/internal/models"
)

// OwnerStore is the slice of the repository the directory needs.
type OwnerStore interface {
	GetOwner(ctx context.Context, ownerID string) (models.Owner, bool, error)
	SaveOwner(ctx context.Context, owner models.Owner) error
}

// Directory answers owner and PIN questions on behalf of the account
// service, which manages the records themselves.
type Directory struct {
	store OwnerStore
}

// NewDirectory wraps an owner store.
func NewDirectory(store OwnerStore) *Directory {
	return &Directory{store: store}
}

// RequireActive returns the owner when it exists and may broadcast.
func (d *Directory) RequireActive(ctx context.Context, ownerID string) (models.Owner, error) {
	owner, ok, err := d.store.GetOwner(ctx, ownerID)
	if err != nil {
		return models.Owner{}, fmt.Errorf("lookup owner %s: %w", ownerID, err)
	}
	if !ok {
		return models.Owner{}, models.Wrapf(models.ErrUnknownOwner, nil, "unknown owner %q", ownerID)
	}
	if !owner.Active {
		return models.Owner{}, models.Wrapf(models.ErrInactiveOwner, nil, "owner %q is not active", ownerID)
	}
	return owner, nil
}

// VerifyPIN checks an operator-supplied camera PIN for the owner.
func (d *Directory) VerifyPIN(ctx context.Context, ownerID, pin string) error {
	owner, err := d.RequireActive(ctx, ownerID)
	if err != nil {
		return err
	}
	if owner.PINHash == "" || pin == "" {
		return models.ErrInvalidCredential
	}
	if err := VerifyPIN(owner.PINHash, pin); err != nil {
		if errors.Is(err, models.ErrInvalidCredential) {
			return models.ErrInvalidCredential
		}
		return fmt.Errorf("owner %s: %w", ownerID, err)
	}
	return nil
}

// OwnerSeed is one entry of an owners file. PIN is hashed on load;
// PINHash is stored as is.
type OwnerSeed struct {
	ID      string `json:"id"`
	Active  *bool  `json:"active,omitempty"`
	PIN     string `json:"pin,omitempty"`
	PINHash string `json:"pin_hash,omitempty"`
}

// LoadOwnerSeeds reads a JSON array of owner seeds.
func LoadOwnerSeeds(path string) ([]OwnerSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read owners file: %w", err)
	}
	var seeds []OwnerSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("decode owners file: %w", err)
	}
	return seeds, nil
}

// Seed writes the seeds into the store, hashing plaintext PINs. It returns
// the number of owners written.
func (d *Directory) Seed(ctx context.Context, seeds []OwnerSeed) (int, error) {
	written := 0
	for i, seed := range seeds {
		id := strings.TrimSpace(seed.ID)
		if id == "" {
			return written, fmt.Errorf("owner seed %d: id is required", i)
		}
		owner := models.Owner{ID: id, Active: true, PINHash: seed.PINHash}
		if seed.Active != nil {
			owner.Active = *seed.Active
		}
		if seed.PIN != "" {
			hashed, err := HashPIN(seed.PIN)
			if err != nil {
				return written, fmt.Errorf("owner %s: hash pin: %w", id, err)
			}
			owner.PINHash = hashed
		}
		if err := d.store.SaveOwner(ctx, owner); err != nil {
			return written, fmt.Errorf("save owner %s: %w", id, err)
		}
		written++
	}
	return written, nil
}
