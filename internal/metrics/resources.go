package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds one CPU/memory observation of the backend process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures periodic resource sampling of the backend.
type ResourceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
}

// ResourceSampler periodically samples the supervised backend's CPU and
// memory usage via gopsutil and exports the readings as gauges. It keeps a
// bounded in-memory history for the status surface.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration

	mu       sync.RWMutex
	ring     []ResourceSample
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler creates a sampler from config, applying defaults of a
// 5s interval and 100 retained samples.
func NewResourceSampler(cfg ResourceConfig) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 100
	}
	return &ResourceSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		ring:     make([]ResourceSample, size),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "backend",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the backend process.",
			}, []string{"name"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "backend",
				Name:      "memory_mb",
				Help:      "Resident memory of the backend process in MB.",
			}, []string{"name"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "backend",
				Name:      "num_threads",
				Help:      "Thread count of the backend process.",
			}, []string{"name"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vigil",
				Subsystem: "backend",
				Name:      "num_fds",
				Help:      "Open file descriptors of the backend process (Unix only).",
			}, []string{"name"},
		),
	}
}

// RegisterMetrics registers the sampler's gauges with the provided registerer.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. src reports the backend's name and PID;
// a zero PID means nothing is running and clears the gauges.
func (s *ResourceSampler) Start(ctx context.Context, src func() (string, int32)) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				name, pid := src()
				if pid <= 0 {
					s.clear(name)
					continue
				}
				sample, err := readSample(pid)
				if err != nil {
					slog.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
					continue
				}
				s.record(name, sample)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (s *ResourceSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Latest returns the most recent sample, if any.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	return s.ring[s.latestIdx()], true
}

// History returns retained samples in chronological order.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return nil
	}
	out := make([]ResourceSample, s.count)
	if s.count < len(s.ring) {
		copy(out, s.ring[:s.count])
	} else {
		n := copy(out, s.ring[s.startIdx:])
		copy(out[n:], s.ring[:s.startIdx])
	}
	return out
}

// Enabled reports whether sampling is active.
func (s *ResourceSampler) Enabled() bool { return s.enabled }

func (s *ResourceSampler) latestIdx() int {
	if s.count < len(s.ring) {
		return s.count - 1
	}
	return (s.startIdx - 1 + len(s.ring)) % len(s.ring)
}

func (s *ResourceSampler) record(name string, sample ResourceSample) {
	s.mu.Lock()
	if s.count < len(s.ring) {
		s.ring[s.count] = sample
		s.count++
	} else {
		s.ring[s.startIdx] = sample
		s.startIdx = (s.startIdx + 1) % len(s.ring)
	}
	s.mu.Unlock()

	s.cpuPercent.WithLabelValues(name).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(name).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(name).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(name).Set(float64(sample.NumFDs))
	}
}

func (s *ResourceSampler) clear(name string) {
	s.cpuPercent.DeleteLabelValues(name)
	s.memoryMB.DeleteLabelValues(name)
	s.numThreads.DeleteLabelValues(name)
	if runtime.GOOS != "windows" {
		s.numFDs.DeleteLabelValues(name)
	}
}

// RecordForTesting injects a sample into the history.
func (s *ResourceSampler) RecordForTesting(name string, sample ResourceSample) {
	s.record(name, sample)
}

func readSample(pid int32) (ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("process handle: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	sample := ResourceSample{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			sample.NumFDs = n
		}
	}
	return sample, nil
}
