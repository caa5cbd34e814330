// Package resource samples host resource pressure (CPU, memory, load,
// file descriptors, cgroup limits) and turns it into admission and
// concurrency-scaling decisions for the exec scheduler.
package resource

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/openclaw/core/internal/clock"
)

// MemoryPressure mirrors the cgroup v2 memory.pressure categories.
type MemoryPressure string

const (
	PressureNone MemoryPressure = "none"
	PressureSome MemoryPressure = "some"
	PressureFull MemoryPressure = "full"
)

// Config bounds when canStartProcess denies and how concurrency scales.
type Config struct {
	SampleInterval    time.Duration
	MaxCPUPercent     float64
	MaxMemoryPercent  float64
	MaxLoadAvg        float64
	MaxFileHandles    int
}

// DefaultConfig matches typical single-node defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:   2 * time.Second,
		MaxCPUPercent:    90,
		MaxMemoryPercent: 90,
		MaxLoadAvg:       0, // 0 means derive from CPU count, see effectiveMaxLoad
		MaxFileHandles:   4096,
	}
}

// Sample is one point-in-time reading.
type Sample struct {
	TakenAtMs      int64
	CPUPercent     float64
	MemoryPercent  float64
	LoadAvg1       float64
	FileHandles    int
	MemoryPressure MemoryPressure
	CPUThrottled   bool
	CPUCount       int
}

// Result is returned by CanStartProcess.
type Result struct {
	Allowed bool
	Reason  string
}

// Monitor periodically samples host resource pressure. It is safe for
// concurrent use; Start spawns the sampling loop and Stop halts it.
type Monitor struct {
	cfg Config
	clk clock.Clock

	mu      sync.RWMutex
	latest  Sample
	hasData bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor with an empty initial sample; call Start to
// begin periodic sampling, or SampleOnce to populate it synchronously
// (used by tests and by callers that want a fresh reading on demand).
func New(cfg Config, clk clock.Clock) *Monitor {
	return &Monitor{cfg: cfg, clk: clk}
}

// Start begins periodic sampling on a background goroutine using
// RealClock wall time for the ticker (the Monitor's decisions are
// inherently tied to actual OS state, unlike the rest of the control
// plane's logical clock). Stop must be called to release it.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.SampleOnce(ctx)
		}
	}
}

// Stop halts the sampling loop, if running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-m.done
	}
}

// SampleOnce takes a synchronous reading and stores it as the latest.
func (m *Monitor) SampleOnce(ctx context.Context) Sample {
	s := Sample{
		TakenAtMs: m.clk.Now(),
		CPUCount:  runtime.NumCPU(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.LoadAvg1 = avg.Load1
	}

	s.FileHandles = m.countFileHandles(ctx)
	s.MemoryPressure = classifyMemoryPressure(s.MemoryPercent)

	m.mu.Lock()
	m.latest = s
	m.hasData = true
	m.mu.Unlock()

	return s
}

func (m *Monitor) countFileHandles(ctx context.Context) int {
	if runtime.GOOS != "linux" {
		return 0
	}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0
	}
	fds, err := proc.NumFDsWithContext(ctx)
	if err != nil {
		return 0
	}
	return int(fds)
}

func classifyMemoryPressure(usedPercent float64) MemoryPressure {
	switch {
	case usedPercent >= 95:
		return PressureFull
	case usedPercent >= 80:
		return PressureSome
	default:
		return PressureNone
	}
}

// setLatestForTest injects a sample directly, bypassing OS sampling, so
// admission/scaling logic can be tested deterministically.
func (m *Monitor) setLatestForTest(s Sample) {
	m.mu.Lock()
	m.latest = s
	m.hasData = true
	m.mu.Unlock()
}

// Latest returns the most recent sample and whether one has been taken.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasData
}

// effectiveMaxLoad is max(MaxLoadAvg, cpuCount*0.8), matching the
// admission rule's load ceiling.
func (m *Monitor) effectiveMaxLoad(s Sample) float64 {
	derived := float64(s.CPUCount) * 0.8
	if m.cfg.MaxLoadAvg > derived {
		return m.cfg.MaxLoadAvg
	}
	return derived
}

// CanStartProcess reports whether admitting a new process is safe given
// the latest sample.
func (m *Monitor) CanStartProcess() Result {
	s, ok := m.Latest()
	if !ok {
		return Result{Allowed: true}
	}

	if s.MemoryPressure == PressureFull {
		return Result{Allowed: false, Reason: "memory-pressure-full"}
	}
	if m.cfg.MaxCPUPercent > 0 && s.CPUPercent > m.cfg.MaxCPUPercent {
		return Result{Allowed: false, Reason: fmt.Sprintf("cpu-over-threshold(%.1f%%)", s.CPUPercent)}
	}
	if m.cfg.MaxMemoryPercent > 0 && s.MemoryPercent > m.cfg.MaxMemoryPercent {
		return Result{Allowed: false, Reason: fmt.Sprintf("memory-over-threshold(%.1f%%)", s.MemoryPercent)}
	}
	if maxLoad := m.effectiveMaxLoad(s); maxLoad > 0 && s.LoadAvg1 > maxLoad {
		return Result{Allowed: false, Reason: fmt.Sprintf("load-over-threshold(%.2f)", s.LoadAvg1)}
	}
	if m.cfg.MaxFileHandles > 0 && s.FileHandles > m.cfg.MaxFileHandles {
		return Result{Allowed: false, Reason: fmt.Sprintf("fd-over-threshold(%d)", s.FileHandles)}
	}
	return Result{Allowed: true}
}

// GetRecommendedConcurrency scales base according to current pressure,
// capped at base+2 when scaling up.
func (m *Monitor) GetRecommendedConcurrency(base int) int {
	s, ok := m.Latest()
	if !ok || base <= 0 {
		return base
	}

	scale := 1.0
	if s.MemoryPressure == PressureSome {
		scale = 0.5
	}

	maxLoad := m.effectiveMaxLoad(s)
	loadRatio := 0.0
	if maxLoad > 0 {
		loadRatio = s.LoadAvg1 / maxLoad
	}
	switch {
	case loadRatio > 0.8:
		scale = minFloat(scale, 0.5)
	case loadRatio > 0.6:
		scale = minFloat(scale, 0.75)
	case loadRatio < 0.3:
		scale = maxFloat(scale, 1.0) * 1.5
	}

	recommended := int(float64(base) * scale)
	if recommended > base+2 {
		recommended = base + 2
	}
	if recommended < 1 {
		recommended = 1
	}
	return recommended
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
