package media

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// Remuxer merges an encoded video stream with the audio of the original file.
type Remuxer interface {
	Remux(ctx context.Context, video, original, output string) error
}

// RemuxArgs builds the ffmpeg arguments that copy the video of one file and
// re-encode the audio of another into output. A source without audio yields
// a silent output.
func RemuxArgs(video, original, output, audioCodec string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", video,
		"-i", original,
		"-map", "0:v:0",
		"-map", "1:a?",
		"-c:v", "copy",
		"-c:a", audioCodec,
		"-shortest",
		output,
	}
}

// FFmpegRemuxer remuxes with an ffmpeg subprocess.
type FFmpegRemuxer struct {
	Path       string
	AudioCodec string
}

// Remux implements Remuxer.
func (r FFmpegRemuxer) Remux(ctx context.Context, video, original, output string) error {
	stderr := NewOutputBuffer(stderrLines)
	cmd := exec.CommandContext(ctx, r.Path, RemuxArgs(video, original, output, r.AudioCodec)...)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "remux %s: %s", output, stderr.String())
	}
	return nil
}
