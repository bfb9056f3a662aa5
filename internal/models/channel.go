package models

import "time"

// BroadcastChannel is the per-owner record of whether the program output is
// live and where viewers can find it.
type BroadcastChannel struct {
	OwnerID   string     `json:"ownerId"`
	Live      bool       `json:"live"`
	OutputURL string     `json:"outputUrl,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Owner is the account view consumed from the account collaborator. The
// stream key prefix of every camera is the owner ID.
type Owner struct {
	ID      string `json:"id"`
	Active  bool   `json:"active"`
	PINHash string `json:"pinHash,omitempty"`
}

// RelayAccount holds the third-party destination settings an owner uses to
// push the finished program to an external platform.
type RelayAccount struct {
	OwnerID   string `json:"ownerId"`
	Platform  string `json:"platform"`
	IngestURL string `json:"ingestUrl"`
	StreamKey string `json:"streamKey"`
	Active    bool   `json:"active"`
}
