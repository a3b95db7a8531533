package collectors

import (
	"fmt"
	"runtime"
	"time"

	"deadline-sched/internal/logging"

	"github.com/elastic/go-perf"
	"golang.org/x/sys/unix"
)

// CalibratePerformanceScales measures how many cycles each CPU retires while
// running a fixed-length spin loop and normalizes the counts to the fastest
// CPU. The result refines the static frequency-derived performance scales on
// hosts where cpufreq limits do not reflect effective throughput.
//
// Requires perf_event_open access; callers should fall back to discovered
// scales when calibration fails.
func CalibratePerformanceScales(cpus []int, interval time.Duration) ([]float64, error) {
	logger := logging.GetLogger()

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs to calibrate")
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	cycles := make([]uint64, len(cpus))
	var maxCycles uint64

	for i, cpu := range cpus {
		count, err := measureCycles(cpu, interval)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: %w", cpu, err)
		}
		cycles[i] = count
		if count > maxCycles {
			maxCycles = count
		}
		logger.WithField("cpu", cpu).WithField("cycles", count).Debug("Calibration sample")
	}

	if maxCycles == 0 {
		return nil, fmt.Errorf("all CPUs reported zero cycles")
	}

	scales := make([]float64, len(cpus))
	for i := range cycles {
		scale := float64(cycles[i]) / float64(maxCycles)
		// A zero or absurdly low reading means the counter was not live on
		// that CPU; treat the reading as unusable rather than publish a
		// near-zero capacity.
		if scale < 0.01 {
			return nil, fmt.Errorf("cpu %d: implausible cycle count %d", cpus[i], cycles[i])
		}
		scales[i] = scale
	}

	return scales, nil
}

// measureCycles pins the calling thread to the given CPU, spins for the
// interval, and returns the retired cycle count with multiplexing correction.
func measureCycles(cpu int, interval time.Duration) (uint64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return 0, fmt.Errorf("failed to pin thread: %w", err)
	}

	attr := &perf.Attr{}
	perf.CPUCycles.Configure(attr)
	attr.CountFormat.Enabled = true
	attr.CountFormat.Running = true

	event, err := perf.Open(attr, perf.CallingThread, perf.AnyCPU, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open perf event: %w", err)
	}
	defer event.Close()

	if err := event.Enable(); err != nil {
		return 0, fmt.Errorf("failed to enable perf event: %w", err)
	}

	spin(interval)

	if err := event.Disable(); err != nil {
		return 0, fmt.Errorf("failed to disable perf event: %w", err)
	}

	count, err := event.ReadCount()
	if err != nil {
		return 0, fmt.Errorf("failed to read perf event: %w", err)
	}

	value := uint64(count.Value)
	// Multiplexing correction: scale by enabled/running time ratio.
	if count.Running > 0 && count.Enabled > 0 && count.Running != count.Enabled {
		scaleFactor := float64(count.Enabled) / float64(count.Running)
		value = uint64(float64(value) * scaleFactor)
	}

	return value, nil
}

// spin burns CPU until the deadline without yielding to the runtime.
func spin(interval time.Duration) {
	deadline := time.Now().Add(interval)
	x := uint64(1)
	for time.Now().Before(deadline) {
		for i := 0; i < 4096; i++ {
			x = x*2862933555777941757 + 3037000493
		}
	}
	_ = x
}
