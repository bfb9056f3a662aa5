// Package relay pushes an owner's finished program to third-party platforms.
package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"multicam-live/internal/models"
)

const (
	PlatformYouTube  = "youtube"
	PlatformFacebook = "facebook"

	youTubeIngest  = "rtmp://a.rtmp.youtube.com/live2"
	facebookIngest = "rtmps://live-api-s.facebook.com:443/rtmp"
)

// Destination builds the outbound URL and encoder arguments for a platform.
type Destination interface {
	Name() string
	DestinationURL(account models.RelayAccount) (string, error)
	OutboundArgs(source, destination string) []string
}

// YouTube pushes to YouTube Live's RTMP ingest.
type YouTube struct{}

func (YouTube) Name() string { return PlatformYouTube }

func (YouTube) DestinationURL(account models.RelayAccount) (string, error) {
	return joinIngest(account, youTubeIngest)
}

func (YouTube) OutboundArgs(source, destination string) []string {
	return copyArgs(source, destination)
}

// Facebook pushes to Facebook Live's RTMPS ingest.
type Facebook struct{}

func (Facebook) Name() string { return PlatformFacebook }

func (Facebook) DestinationURL(account models.RelayAccount) (string, error) {
	return joinIngest(account, facebookIngest)
}

func (Facebook) OutboundArgs(source, destination string) []string {
	return copyArgs(source, destination)
}

// Lookup returns the destination for a platform name.
func Lookup(platform string) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case PlatformYouTube:
		return YouTube{}, nil
	case PlatformFacebook:
		return Facebook{}, nil
	default:
		return nil, models.Wrapf(models.ErrUnknownDestination, nil, "unknown relay destination %q", platform)
	}
}

func joinIngest(account models.RelayAccount, fallback string) (string, error) {
	key := strings.TrimSpace(account.StreamKey)
	if key == "" {
		return "", models.Wrapf(models.ErrRelayAccountMissing, nil, "%s stream key is not configured", account.Platform)
	}
	ingest := strings.TrimSpace(account.IngestURL)
	if ingest == "" {
		ingest = fallback
	}
	return strings.TrimRight(ingest, "/") + "/" + key, nil
}

// The program is already H.264/AAC at the relay point, so the relay only
// remuxes.
func copyArgs(source, destination string) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-i", source,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "flv",
		destination,
	}
}

// LoadAccounts reads relay accounts from a JSON array file.
func LoadAccounts(path string) ([]models.RelayAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay accounts: %w", err)
	}
	var accounts []models.RelayAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode relay accounts: %w", err)
	}
	for i := range accounts {
		accounts[i].Platform = strings.ToLower(strings.TrimSpace(accounts[i].Platform))
		if accounts[i].OwnerID == "" {
			return nil, fmt.Errorf("relay account %d: owner id is required", i)
		}
		if _, err := Lookup(accounts[i].Platform); err != nil {
			return nil, fmt.Errorf("relay account %d: %w", i, err)
		}
	}
	return accounts, nil
}
