package ingest

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"multicam-live/internal/models"
)

const cameraSeparator = "-cam"

// StreamKey is a parsed "<owner>-cam<index>" publish name.
type StreamKey struct {
	Raw         string
	OwnerID     string
	CameraIndex int
}

// ParseStreamKey splits a publish name on its last "-cam". The owner part
// must be non-empty and the index a positive decimal integer. Names are NFC
// normalized so the same owner typed on different devices maps to one row.
func ParseStreamKey(raw string) (StreamKey, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))
	if name == "" {
		return StreamKey{}, models.Wrapf(models.ErrMalformedStreamKey, nil, "stream key is empty")
	}
	if strings.ContainsFunc(name, func(r rune) bool { return r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) }) {
		return StreamKey{}, models.Wrapf(models.ErrMalformedStreamKey, nil, "stream key %q contains invalid characters", name)
	}

	cut := strings.LastIndex(name, cameraSeparator)
	if cut <= 0 {
		return StreamKey{}, models.Wrapf(models.ErrMalformedStreamKey, nil, "stream key %q must look like <owner>-cam<index>", name)
	}
	owner := name[:cut]
	digits := name[cut+len(cameraSeparator):]
	if digits == "" || strings.TrimFunc(digits, isDigit) != "" {
		return StreamKey{}, models.Wrapf(models.ErrMalformedStreamKey, nil, "stream key %q has a non-numeric camera index", name)
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index <= 0 {
		return StreamKey{}, models.Wrapf(models.ErrMalformedStreamKey, err, "stream key %q has an invalid camera index", name)
	}
	return StreamKey{Raw: name, OwnerID: owner, CameraIndex: index}, nil
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
