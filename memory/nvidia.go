package memory

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	nvidiaSMITimeout = 5 * time.Second
	mib              = 1 << 20
)

// NvidiaSMI reads CUDA device memory by running nvidia-smi.
type NvidiaSMI struct {
	// Path is the nvidia-smi binary; empty means "nvidia-smi" on PATH.
	Path string
	// Device is the GPU index passed to -i.
	Device int
}

// GPUMemory implements GPUReporter. nvidia-smi reports one used figure, so
// Allocated and Reserved are both set to it.
func (n NvidiaSMI) GPUMemory() (GPUMemory, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}

	ctx, cancel := context.WithTimeout(context.Background(), nvidiaSMITimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path,
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(n.Device),
	).Output()
	if err != nil {
		return GPUMemory{}, errors.Wrapf(err, "nvidia-smi device %d", n.Device)
	}
	return ParseNvidiaSMI(out)
}

// ReleaseCache implements GPUReporter. ONNX Runtime owns its CUDA arena and
// exposes no way to trim it, so there is nothing to release.
func (NvidiaSMI) ReleaseCache() error { return nil }

// ParseNvidiaSMI reads the first line of
// `nvidia-smi --query-gpu=memory.used,memory.total --format=csv,noheader,nounits`.
//
// Arguments:
//   - out: The command output; values are in MiB.
//
// Returns:
//   - GPUMemory: The reading in bytes.
//   - error: An error if the line is not two non-negative integers.
func ParseNvidiaSMI(out []byte) (GPUMemory, error) {
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	fields := strings.Split(string(line), ",")
	if len(fields) != 2 {
		return GPUMemory{}, errors.Errorf("unexpected nvidia-smi output %q", line)
	}

	var vals [2]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return GPUMemory{}, errors.Wrapf(err, "parse nvidia-smi field %q", f)
		}
		vals[i] = v * mib
	}
	if vals[1] == 0 {
		return GPUMemory{}, errors.New("nvidia-smi reported zero total memory")
	}

	return GPUMemory{Allocated: vals[0], Reserved: vals[0], Total: vals[1]}, nil
}
