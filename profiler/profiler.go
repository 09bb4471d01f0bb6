// Package profiler - Stage timings and run metrics.
package profiler

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// OperationStats summarizes the timings of one named operation.
type OperationStats struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Average is the mean duration per call.
func (s OperationStats) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// MetricStats summarizes the observations of one named value.
type MetricStats struct {
	Name  string
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Last  float64
}

// Mean is the average observed value.
func (s MetricStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Profiler accumulates operation timings and metric observations. It is safe
// for concurrent use.
type Profiler struct {
	mu         sync.Mutex
	start      time.Time
	operations map[string]*OperationStats
	metrics    map[string]*MetricStats
}

// New creates an empty profiler.
func New() *Profiler {
	return &Profiler{
		start:      time.Now(),
		operations: make(map[string]*OperationStats),
		metrics:    make(map[string]*MetricStats),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one completed operation.
func (p *Profiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op, ok := p.operations[name]
	if !ok {
		op = &OperationStats{Name: name, Min: d, Max: d}
		p.operations[name] = op
	}
	op.Count++
	op.Total += d
	op.Min = min(op.Min, d)
	op.Max = max(op.Max, d)
}

// Observe adds one observation of a metric.
func (p *Profiler) Observe(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.metrics[name]
	if !ok {
		m = &MetricStats{Name: name, Min: value, Max: value}
		p.metrics[name] = m
	}
	m.Count++
	m.Sum += value
	m.Min = min(m.Min, value)
	m.Max = max(m.Max, value)
	m.Last = value
}

// Operations returns the operation summaries ordered by name.
func (p *Profiler) Operations() []OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OperationStats, 0, len(p.operations))
	for _, op := range p.operations {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Metrics returns the metric summaries ordered by name.
func (p *Profiler) Metrics() []MetricStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]MetricStats, 0, len(p.metrics))
	for _, m := range p.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogSummary logs every operation and metric, then the runtime's heap and GC counters.
func (p *Profiler) LogSummary(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, op := range p.Operations() {
		logger.Info("operation timing",
			"operation", op.Name,
			"count", op.Count,
			"avg", op.Average().Truncate(time.Microsecond),
			"min", op.Min.Truncate(time.Microsecond),
			"max", op.Max.Truncate(time.Microsecond),
			"total", op.Total.Truncate(time.Millisecond),
		)
	}
	for _, m := range p.Metrics() {
		logger.Info("metric", "name", m.Name, "count", m.Count, "mean", m.Mean(), "min", m.Min, "max", m.Max)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	logger.Info("runtime",
		"uptime", time.Since(p.start).Truncate(time.Millisecond),
		"heap_alloc_mb", ms.HeapAlloc>>20,
		"sys_mb", ms.Sys>>20,
		"num_gc", ms.NumGC,
		"goroutines", runtime.NumGoroutine(),
	)
}
