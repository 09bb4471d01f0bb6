package media

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
)

// ProbeInfo is the subset of ffprobe output the pipeline uses.
type ProbeInfo struct {
	// Bitrate of the first video stream, or of the container, in bits per second.
	Bitrate  int64
	HasAudio bool
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		BitRate string `json:"bit_rate"`
	} `json:"format"`
}

// Probe runs ffprobe on a media file.
//
// Arguments:
//   - ctx: The context bounding the subprocess.
//   - ffprobePath: The ffprobe binary.
//   - path: The media file.
//
// Returns:
//   - ProbeInfo: The stream summary.
//   - error: An error if ffprobe fails or its output cannot be parsed.
func Probe(ctx context.Context, ffprobePath, path string) (ProbeInfo, error) {
	out, err := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	).Output()
	if err != nil {
		return ProbeInfo{}, errors.Wrapf(err, "ffprobe %s", path)
	}
	return ParseProbe(out)
}

// ParseProbe reads ffprobe's JSON output.
func ParseProbe(data []byte) (ProbeInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ProbeInfo{}, errors.Wrap(err, "parse ffprobe output")
	}

	var info ProbeInfo
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.Bitrate == 0 {
				info.Bitrate = parseBitrate(s.BitRate)
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if info.Bitrate == 0 {
		info.Bitrate = parseBitrate(out.Format.BitRate)
	}
	return info, nil
}

func parseBitrate(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
