// Package layout derives every encoder input, output path, and public URL
// from an owner ID and a camera stream key.
package layout

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultIngestApp  = "live"
	DefaultRelayApp   = "program_switch"
	DefaultProgramDir = "program"
	DefaultPreviewDir = "live"
)

// Layout describes where the RTMP origin accepts feeds and where HLS output
// is written and served.
type Layout struct {
	HLSRoot       string
	PublicBaseURL string
	RTMPHost      string
	RTMPPort      int
	IngestApp     string
	RelayApp      string
}

// New returns a layout with the standard application names filled in.
func New(hlsRoot, publicBaseURL, rtmpHost string, rtmpPort int) Layout {
	return Layout{
		HLSRoot:       hlsRoot,
		PublicBaseURL: publicBaseURL,
		RTMPHost:      rtmpHost,
		RTMPPort:      rtmpPort,
		IngestApp:     DefaultIngestApp,
		RelayApp:      DefaultRelayApp,
	}
}

// Validate reports configuration that would produce unusable paths.
func (l Layout) Validate() error {
	var errs []error
	if strings.TrimSpace(l.HLSRoot) == "" {
		errs = append(errs, errors.New("hls root is required"))
	}
	if strings.TrimSpace(l.RTMPHost) == "" {
		errs = append(errs, errors.New("rtmp host is required"))
	}
	if l.RTMPPort <= 0 || l.RTMPPort > 65535 {
		errs = append(errs, fmt.Errorf("rtmp port %d out of range", l.RTMPPort))
	}
	if base := strings.TrimSpace(l.PublicBaseURL); base != "" {
		if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("public base url %q must be absolute", base))
		}
	}
	return errors.Join(errs...)
}

func (l Layout) rtmpBase() string {
	return "rtmp://" + net.JoinHostPort(l.RTMPHost, strconv.Itoa(l.RTMPPort))
}

func (l Layout) ingestApp() string {
	if l.IngestApp == "" {
		return DefaultIngestApp
	}
	return l.IngestApp
}

func (l Layout) relayApp() string {
	if l.RelayApp == "" {
		return DefaultRelayApp
	}
	return l.RelayApp
}

// IngestURL is where a camera's raw feed can be pulled from the origin.
func (l Layout) IngestURL(streamKey string) string {
	return l.rtmpBase() + "/" + l.ingestApp() + "/" + streamKey
}

// RelayURL is the owner's internal relay point between feeder and master.
func (l Layout) RelayURL(ownerID string) string {
	return l.rtmpBase() + "/" + l.relayApp() + "/" + ownerID
}

// ProgramDir is the directory holding every owner's program output.
func (l Layout) ProgramDir() string {
	return filepath.Join(l.HLSRoot, DefaultProgramDir)
}

// ProgramPlaylistPath is the on-disk program playlist written by the master.
func (l Layout) ProgramPlaylistPath(ownerID string) string {
	return filepath.Join(l.ProgramDir(), ownerID+".m3u8")
}

// ProgramSegmentPattern is the printf-style segment template passed to the
// master encoder.
func (l Layout) ProgramSegmentPattern(ownerID string) string {
	return filepath.Join(l.ProgramDir(), ownerID+"_%05d.ts")
}

// ProgramURL is the public playback URL of the owner's program.
func (l Layout) ProgramURL(ownerID string) string {
	return l.publicURL(DefaultProgramDir, ownerID+".m3u8")
}

// PreviewURL is the public playback URL of a single camera, written by the
// RTMP origin's own HLS output.
func (l Layout) PreviewURL(streamKey string) string {
	return l.publicURL(DefaultPreviewDir, streamKey+".m3u8")
}

func (l Layout) publicURL(namespace, file string) string {
	base := strings.TrimRight(strings.TrimSpace(l.PublicBaseURL), "/")
	return base + "/hls/" + namespace + "/" + file
}

// ProgramArtifactAge returns how long ago the program playlist was last
// written. ok is false when the playlist does not exist.
func (l Layout) ProgramArtifactAge(ownerID string, now time.Time) (age time.Duration, ok bool, err error) {
	info, err := os.Stat(l.ProgramPlaylistPath(ownerID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat program playlist: %w", err)
	}
	return now.Sub(info.ModTime()), true, nil
}

// CleanProgram removes the owner's playlist and segments left over from a
// previous session.
func (l Layout) CleanProgram(ownerID string) error {
	var errs []error
	if err := os.Remove(l.ProgramPlaylistPath(ownerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	segments, err := filepath.Glob(filepath.Join(l.ProgramDir(), globEscape(ownerID)+"_*.ts"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, segment := range segments {
		if err := os.Remove(segment); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnsureProgramDir creates the program directory when missing.
func (l Layout) EnsureProgramDir() error {
	return os.MkdirAll(l.ProgramDir(), 0o755)
}

func globEscape(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`)
	return replacer.Replace(s)
}
