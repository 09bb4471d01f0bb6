package media

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-unmark/config"
	"github.com/nvr-ai/go-unmark/images"
)

func TestEncoderArgs(t *testing.T) {
	base := EncoderOptions{
		Output:      "out.mp4",
		Width:       1280,
		Height:      720,
		FPS:         29.97,
		Codec:       "libx264",
		Preset:      "medium",
		PixelFormat: "yuv420p",
		CRF:         18,
	}

	args := strings.Join(EncoderArgs(base), " ")
	assert.Equal(t, "-y -hide_banner -loglevel error -f rawvideo -pix_fmt bgr24 -s 1280x720 -r 29.97 -i - -an "+
		"-c:v libx264 -preset medium -pix_fmt yuv420p -crf 18 out.mp4", args)

	withRate := base
	withRate.Bitrate = 3_000_000
	assert.Contains(t, strings.Join(EncoderArgs(withRate), " "), "-b:v 3000000 out.mp4")

	nvenc := base
	nvenc.Codec = "h264_nvenc"
	assert.Contains(t, strings.Join(EncoderArgs(nvenc), " "), "-preset medium -pix_fmt yuv420p -cq 18")

	amf := base
	amf.Codec = "h264_amf"
	args = strings.Join(EncoderArgs(amf), " ")
	assert.NotContains(t, args, "-preset")
	assert.Contains(t, args, "-rc cqp -qp_i 18 -qp_p 18")
}

func TestSelectEncoderBitrate(t *testing.T) {
	cfg := config.Default().Encoding
	cfg.HWAccel = false

	o := SelectEncoder(context.Background(), cfg, VideoInfo{Width: 64, Height: 48, FPS: 25, Bitrate: 1_000_000}, "x.mp4")
	assert.Equal(t, int64(1_200_000), o.Bitrate)
	assert.Equal(t, "libx264", o.Codec)

	o = SelectEncoder(context.Background(), cfg, VideoInfo{Width: 64, Height: 48, FPS: 25}, "x.mp4")
	assert.Zero(t, o.Bitrate)
	assert.Equal(t, 18, o.CRF)
}

func TestRemuxArgs(t *testing.T) {
	args := strings.Join(RemuxArgs("temp.mp4", "in.mp4", "out.mp4", "aac"), " ")
	assert.Equal(t, "-y -hide_banner -loglevel error -i temp.mp4 -i in.mp4 -map 0:v:0 -map 1:a? -c:v copy -c:a aac -shortest out.mp4", args)
}

func TestEncoderStreamsFrames(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bytes")
	cmd := exec.Command("sh", "-c", "wc -c > "+out)
	e, err := newEncoder(cmd, 4, 2, 2, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Write(images.NewFrame(i, 4, 2)))
	}
	assert.Error(t, e.Write(images.NewFrame(5, 8, 2)), "size mismatch")

	require.NoError(t, e.Close())
	assert.Equal(t, int64(5), e.Written())
	assert.ErrorIs(t, e.Write(images.NewFrame(6, 4, 2)), ErrEncoderClosed)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "120", strings.TrimSpace(string(data)))
}

func TestEncoderReportsProcessFailure(t *testing.T) {
	cmd := exec.Command("sh", "-c", "cat > /dev/null; echo 'Unknown encoder' >&2; exit 3")
	e, err := newEncoder(cmd, 4, 2, 2, nil)
	require.NoError(t, err)

	require.NoError(t, e.Write(images.NewFrame(0, 4, 2)))
	err = e.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown encoder")
	assert.Equal(t, err, e.Close(), "close is idempotent")
}
