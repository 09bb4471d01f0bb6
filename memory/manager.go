// Package memory - Resource monitoring and batch sizing.
package memory

import (
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nvr-ai/go-unmark/config"
)

// HostMemory is a host virtual-memory reading in bytes.
type HostMemory struct {
	Total     uint64
	Available uint64
	Used      uint64
}

// GPUMemory is an accelerator memory reading in bytes.
type GPUMemory struct {
	Allocated uint64
	Reserved  uint64
	Total     uint64
}

// HostReader reads host memory.
type HostReader interface {
	HostMemory() (HostMemory, error)
}

// GPUReporter reads accelerator memory and releases cached allocations.
type GPUReporter interface {
	GPUMemory() (GPUMemory, error)
	ReleaseCache() error
}

// Snapshot is one on-demand memory reading.
type Snapshot struct {
	CPUUsed      uint64
	CPUTotal     uint64
	CPUAvailable uint64
	// GPU is nil without a GPU reporter or when the reading failed.
	GPU *GPUMemory
}

// FrameShape is the decoded frame geometry used to estimate batch memory.
type FrameShape struct {
	Height   int
	Width    int
	Channels int
}

// Bytes estimates the working memory one frame needs as float32 channels.
func (s FrameShape) Bytes() uint64 {
	ch := s.Channels
	if ch <= 0 {
		ch = 3
	}
	return uint64(max(0, s.Height)) * uint64(max(0, s.Width)) * uint64(ch) * 4
}

// VirtualMemory reads host memory with gopsutil.
type VirtualMemory struct{}

// HostMemory implements HostReader.
func (VirtualMemory) HostMemory() (HostMemory, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return HostMemory{}, errors.Wrap(err, "read virtual memory")
	}
	return HostMemory{Total: v.Total, Available: v.Available, Used: v.Used}, nil
}

// Manager monitors memory, sizes batches and triggers cleanup. It holds no
// per-frame state and is safe to share between pipelines.
type Manager struct {
	cfg    config.Memory
	host   HostReader
	gpu    GPUReporter
	logger *slog.Logger

	gpuTotal uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithHostReader replaces the gopsutil host reader.
func WithHostReader(r HostReader) Option {
	return func(m *Manager) { m.host = r }
}

// WithGPU attaches an accelerator reporter.
func WithGPU(g GPUReporter) Option {
	return func(m *Manager) { m.gpu = g }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager. The GPU capacity is read once here.
//
// Arguments:
//   - cfg: The pressure thresholds and batch budgets.
//   - opts: Optional readers and logger.
//
// Returns:
//   - *Manager: The manager.
func NewManager(cfg config.Memory, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, host: VirtualMemory{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.gpu != nil {
		if g, err := m.gpu.GPUMemory(); err == nil {
			m.gpuTotal = g.Total
		} else {
			m.logger.Warn("gpu memory unavailable", "error", err)
		}
	}
	return m
}

// Snapshot reads current memory. Failed readings leave their fields zero.
func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	if h, err := m.host.HostMemory(); err == nil {
		s.CPUUsed, s.CPUTotal, s.CPUAvailable = h.Used, h.Total, h.Available
	} else {
		m.logger.Debug("host memory unavailable", "error", err)
	}
	if m.gpu != nil && m.gpuTotal > 0 {
		if g, err := m.gpu.GPUMemory(); err == nil {
			g.Total = m.gpuTotal
			s.GPU = &g
		}
	}
	return s
}

// UnderPressure reports whether host usage or GPU reservations exceed their limits.
func (m *Manager) UnderPressure() bool {
	return m.underPressure(m.Snapshot())
}

func (m *Manager) underPressure(s Snapshot) bool {
	if s.CPUTotal > 0 && float64(s.CPUUsed)/float64(s.CPUTotal) > m.cfg.MaxCPURatio {
		return true
	}
	if s.GPU != nil && s.GPU.Total > 0 && float64(s.GPU.Reserved)/float64(s.GPU.Total) > m.cfg.MaxGPURatio {
		return true
	}
	return false
}

// OptimalBatchSize sizes a batch to fit the free memory budget.
//
// Under pressure the base size is halved. Otherwise the batch is capped so that
// its estimated buffers stay within GPUBudget of free GPU memory, or CPUBudget of
// available host memory without a GPU.
//
// Arguments:
//   - base: The configured batch size.
//   - shape: The frame geometry.
//
// Returns:
//   - int: A batch size in [1, max(1, base)].
func (m *Manager) OptimalBatchSize(base int, shape FrameShape) int {
	base = max(1, base)
	s := m.Snapshot()

	if m.underPressure(s) {
		size := max(1, base/2)
		m.logger.Warn("memory pressure, halving batch size", "base", base, "size", size)
		return size
	}

	perFrame := shape.Bytes()
	if perFrame == 0 {
		return base
	}

	var budget float64
	switch {
	case s.GPU != nil && s.GPU.Total > 0:
		free := s.GPU.Total - min(s.GPU.Total, s.GPU.Reserved)
		budget = float64(free) * m.cfg.GPUBudget
	case s.CPUTotal > 0:
		budget = float64(s.CPUAvailable) * m.cfg.CPUBudget
	default:
		return base
	}

	return max(1, min(base, int(budget/float64(perFrame))))
}

// Cleanup runs a garbage collection, returns freed memory to the OS and
// releases cached accelerator allocations.
func (m *Manager) Cleanup() {
	runtime.GC()
	debug.FreeOSMemory()
	if m.gpu != nil {
		if err := m.gpu.ReleaseCache(); err != nil {
			m.logger.Warn("gpu cache release failed", "error", err)
		}
	}
}

// LogUsage logs the current memory usage for a pipeline stage.
func (m *Manager) LogUsage(stage string) {
	s := m.Snapshot()
	attrs := []any{
		"stage", stage,
		"cpu_used_mb", s.CPUUsed >> 20,
		"cpu_total_mb", s.CPUTotal >> 20,
	}
	if s.GPU != nil {
		attrs = append(attrs,
			"gpu_allocated_mb", s.GPU.Allocated>>20,
			"gpu_reserved_mb", s.GPU.Reserved>>20,
			"gpu_total_mb", s.GPU.Total>>20,
		)
	}
	m.logger.Info("memory usage", attrs...)
}
