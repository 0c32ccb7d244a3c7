// Package resource samples system load and turns it into a timeout
// multiplier the Estimator applies to its final planned timeout.
package resource

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Threshold is the CPU/GPU usage percentage above which the 3x
// multiplier applies, grounded on resource_monitor.py's default.
const Threshold = 14.0

const (
	multiplierNormal = 1.0
	multiplierLoaded = 3.0
)

// Sample is one CPU/GPU reading.
type Sample struct {
	CPUPercent float64
	GPUPercent *float64 // nil when nvidia-smi is unavailable
	Multiplier float64
	TakenAt    time.Time
}

// Monitor samples /proc/stat for CPU usage and shells out to
// nvidia-smi for GPU usage, grounded on resource_monitor.py's
// get_cpu_usage/get_gpu_usage. A sample is cached for the lifetime of
// one execution so repeated estimator calls within the same request
// don't re-sample.
type Monitor struct {
	mu       sync.Mutex
	cached   *Sample
	cacheKey string
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// SampleFor returns the cached sample for executionID if one exists,
// otherwise takes a fresh sample and caches it under that id.
func (m *Monitor) SampleFor(ctx context.Context, executionID string) Sample {
	m.mu.Lock()
	if m.cached != nil && m.cacheKey == executionID {
		s := *m.cached
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()

	s := m.take(ctx)

	m.mu.Lock()
	m.cached = &s
	m.cacheKey = executionID
	m.mu.Unlock()

	return s
}

func (m *Monitor) take(ctx context.Context) Sample {
	cpu, err := cpuPercent()
	if err != nil {
		log.Printf("resource: cpu sample failed: %v", err)
		cpu = 0
	}

	gpu := gpuPercent(ctx)

	multiplier := multiplierNormal
	if cpu > Threshold {
		multiplier = multiplierLoaded
	} else if gpu != nil && *gpu > Threshold {
		multiplier = multiplierLoaded
	}

	return Sample{
		CPUPercent: cpu,
		GPUPercent: gpu,
		Multiplier: multiplier,
		TakenAt:    time.Now(),
	}
}

// cpuPercent computes overall CPU utilization by reading /proc/stat
// twice a short interval apart, the Linux-native equivalent of
// psutil.cpu_percent(interval=1).
func cpuPercent() (float64, error) {
	first, err := readProcStatTotals()
	if err != nil {
		return 0, err
	}

	time.Sleep(time.Second)

	second, err := readProcStatTotals()
	if err != nil {
		return 0, err
	}

	totalDelta := second.total - first.total
	idleDelta := second.idle - first.idle

	if totalDelta <= 0 {
		return 0, nil
	}

	busy := float64(totalDelta-idleDelta) / float64(totalDelta)
	return busy * 100, nil
}

type procStatTotals struct {
	total int64
	idle  int64
}

func readProcStatTotals() (procStatTotals, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return procStatTotals{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var total int64
		var idle int64
		for i, f := range fields {
			v, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				continue
			}
			total += v
			if i == 3 { // idle field
				idle = v
			}
		}
		return procStatTotals{total: total, idle: idle}, nil
	}
	return procStatTotals{}, scanner.Err()
}

// gpuPercent shells out to nvidia-smi with a short timeout, grounded
// on resource_monitor.py's get_gpu_usage. Returns nil when nvidia-smi
// is not installed or the call fails — GPU load is advisory only.
func gpuPercent(ctx context.Context) *float64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return nil
	}
	return &v
}
