package media

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferKeepsRecentLines(t *testing.T) {
	b := NewOutputBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, b.Recent())
}

func TestOutputBufferJoinsPartialWrites(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Write([]byte("frame=  1 fps"))
	b.Write([]byte("=0.0\rframe=  2\n\nerr"))
	assert.Equal(t, []string{"frame=  1 fps=0.0", "frame=  2", "err"}, b.Recent())
	assert.Equal(t, "frame=  1 fps=0.0\nframe=  2\nerr", b.String())
}
