package supervisor

import (
	"strconv"

	"multicam-live/internal/layout"
)

const (
	RoleMaster = "master"
	RoleFeeder = "feeder"
	RoleFlush  = "flush"
)

// Program output parameters. Constant frame rate and a keyframe every
// segment let the HLS muxer cut at exact boundaries.
const (
	frameRate       = 30
	gopSize         = 30
	segmentSeconds  = 2
	playlistEntries = 15
	audioBitrate    = "128k"
	audioRate       = "44100"
	audioChannels   = "2"
)

func videoArgs(preset string) []string {
	return []string{
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(frameRate),
		"-g", strconv.Itoa(gopSize),
		"-keyint_min", strconv.Itoa(gopSize),
		"-sc_threshold", "0",
	}
}

func audioArgs() []string {
	return []string{
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", audioRate,
		"-ac", audioChannels,
	}
}

// MasterArgs reads the owner's relay point and writes the public program
// playlist with old segments pruned.
func MasterArgs(l layout.Layout, ownerID string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-fflags", "+genpts",
		"-use_wallclock_as_timestamps", "1",
		"-i", l.RelayURL(ownerID),
	}
	args = append(args, videoArgs("veryfast")...)
	args = append(args, audioArgs()...)
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", strconv.Itoa(playlistEntries),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_filename", l.ProgramSegmentPattern(ownerID),
		l.ProgramPlaylistPath(ownerID),
	)
	return args
}

// FeederArgs re-encodes one camera into the owner's relay point, forcing a
// keyframe on the first frame so the master can cut cleanly on a switch.
func FeederArgs(l layout.Layout, ownerID, streamKey string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-fflags", "+genpts",
		"-i", l.IngestURL(streamKey),
	}
	args = append(args, videoArgs("ultrafast")...)
	args = append(args, "-force_key_frames", "expr:gte(t,0)")
	args = append(args, audioArgs()...)
	args = append(args,
		"-map", "0:v:0",
		"-map", "0:a:0",
		"-f", "flv",
		l.RelayURL(ownerID),
	)
	return args
}

// FlushArgs pushes one second of silence into the relay point so the next
// session starts from a clean stream.
func FlushArgs(l layout.Layout, ownerID string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi",
		"-i", "anullsrc",
		"-t", "1",
		"-f", "flv",
		l.RelayURL(ownerID),
	}
}
