package media

import (
	"bytes"
	"strings"
	"sync"

	"github.com/nvr-ai/go-unmark/internal/history"
)

// OutputBuffer keeps the most recent lines a subprocess wrote, for error
// reports. It implements io.Writer so it can be attached to cmd.Stderr.
type OutputBuffer struct {
	mu      sync.Mutex
	lines   *history.Ring[string]
	partial []byte
}

// NewOutputBuffer creates a buffer holding up to maxLines lines.
func NewOutputBuffer(maxLines int) *OutputBuffer {
	return &OutputBuffer{lines: history.NewRing[string](maxLines)}
}

// Write splits p into lines. An unterminated tail is held until the next write.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(data[:i])); line != "" {
			b.lines.Push(line)
		}
		data = data[i+1:]
	}
	b.partial = append(b.partial[:0], data...)
	return len(p), nil
}

// Recent returns the buffered lines, oldest first, including an unterminated tail.
func (b *OutputBuffer) Recent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.lines.Values()
	if tail := strings.TrimSpace(string(b.partial)); tail != "" {
		out = append(out, tail)
	}
	return out
}

// String joins the recent lines.
func (b *OutputBuffer) String() string {
	return strings.Join(b.Recent(), "\n")
}
