package host

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"deadline-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

// HostConfig describes the CPUs the scheduler core runs on. It is initialized
// once at startup and read-only afterwards.
type HostConfig struct {
	CPUVendor  string
	CPUModel   string
	Hostname   string
	NumSockets int

	// Online logical CPUs in enumeration order.
	CPUs []CPUInfo

	logger *logrus.Logger
}

// CPUInfo is one logical CPU with its normalized relative compute capacity.
type CPUInfo struct {
	LogicalID        int
	MaxFreqKHz       int64
	PerformanceScale float64 // max freq / fastest CPU, in (0, 1]
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration, initializing it on
// first call.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()
	logger.Info("Initializing host configuration")

	config := &HostConfig{
		logger: logger,
	}

	if hostname, err := os.Hostname(); err == nil {
		config.Hostname = hostname
	} else {
		config.Hostname = "unknown"
	}

	if err := config.initCPUInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize CPU info: %v", err)
	}

	if err := config.initPerformanceScales(); err != nil {
		logger.WithError(err).Warn("Failed to read cpufreq limits, assuming uniform CPU capacity")
		config.setUniformPerformanceScales()
	}

	logger.WithFields(logrus.Fields{
		"cpu_model":    config.CPUModel,
		"logical_cpus": len(config.CPUs),
		"sockets":      config.NumSockets,
	}).Info("Host configuration initialized")

	return config, nil
}

func (hc *HostConfig) initCPUInfo() error {
	numCPUs := runtime.NumCPU()
	hc.CPUs = make([]CPUInfo, numCPUs)
	for i := range hc.CPUs {
		hc.CPUs[i].LogicalID = i
	}

	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		hc.CPUVendor = "unknown"
		hc.CPUModel = "unknown"
		hc.NumSockets = 1
		return nil
	}
	defer file.Close()

	var physicalIDs []string
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "vendor_id") {
			if hc.CPUVendor == "" {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					hc.CPUVendor = strings.TrimSpace(parts[1])
				}
			}
		} else if strings.HasPrefix(line, "model name") {
			if hc.CPUModel == "" {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					hc.CPUModel = strings.TrimSpace(parts[1])
				}
			}
		} else if strings.HasPrefix(line, "physical id") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				physicalID := strings.TrimSpace(parts[1])
				found := false
				for _, id := range physicalIDs {
					if id == physicalID {
						found = true
						break
					}
				}
				if !found {
					physicalIDs = append(physicalIDs, physicalID)
				}
			}
		}
	}

	if hc.CPUVendor == "" {
		hc.CPUVendor = "unknown"
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}

	hc.NumSockets = len(physicalIDs)
	if hc.NumSockets == 0 {
		hc.NumSockets = 1
	}

	return nil
}

// initPerformanceScales reads each CPU's maximum frequency from cpufreq sysfs
// and normalizes to the fastest CPU. On heterogeneous (big/little) systems
// this yields distinct scales; homogeneous systems come out uniform.
func (hc *HostConfig) initPerformanceScales() error {
	var maxFreq int64
	missing := 0

	for i := range hc.CPUs {
		path := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/cpufreq/cpuinfo_max_freq", hc.CPUs[i].LogicalID)
		data, err := os.ReadFile(path)
		if err != nil {
			missing++
			continue
		}
		freq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || freq <= 0 {
			missing++
			continue
		}
		hc.CPUs[i].MaxFreqKHz = freq
		if freq > maxFreq {
			maxFreq = freq
		}
	}

	if missing == len(hc.CPUs) || maxFreq == 0 {
		return fmt.Errorf("cpufreq sysfs unavailable for all %d CPUs", len(hc.CPUs))
	}

	freqs := make([]int64, len(hc.CPUs))
	for i := range hc.CPUs {
		freqs[i] = hc.CPUs[i].MaxFreqKHz
	}
	scales := normalizeScales(freqs)
	for i := range hc.CPUs {
		hc.CPUs[i].PerformanceScale = scales[i]
	}

	return nil
}

// normalizeScales maps per-CPU maximum frequencies to scales in (0, 1]
// relative to the fastest CPU. Unknown frequencies (<= 0) get scale 1.0.
func normalizeScales(freqs []int64) []float64 {
	var maxFreq int64
	for _, f := range freqs {
		if f > maxFreq {
			maxFreq = f
		}
	}
	scales := make([]float64, len(freqs))
	for i, f := range freqs {
		if f > 0 && maxFreq > 0 {
			scales[i] = float64(f) / float64(maxFreq)
		} else {
			scales[i] = 1.0
		}
	}
	return scales
}

func (hc *HostConfig) setUniformPerformanceScales() {
	for i := range hc.CPUs {
		hc.CPUs[i].PerformanceScale = 1.0
	}
}

// PerformanceScales returns the per-CPU scales in logical ID order.
func (hc *HostConfig) PerformanceScales() []float64 {
	scales := make([]float64, len(hc.CPUs))
	for i := range hc.CPUs {
		scales[i] = hc.CPUs[i].PerformanceScale
	}
	return scales
}

// LogicalCPUs returns the online logical CPU IDs in order.
func (hc *HostConfig) LogicalCPUs() []int {
	ids := make([]int, len(hc.CPUs))
	for i := range hc.CPUs {
		ids[i] = hc.CPUs[i].LogicalID
	}
	return ids
}

// ValidateCPUs checks that every given logical CPU exists on this host.
func (hc *HostConfig) ValidateCPUs(cpuIDs []int) error {
	known := make(map[int]bool, len(hc.CPUs))
	for _, cpu := range hc.CPUs {
		known[cpu.LogicalID] = true
	}
	var bad []int
	for _, id := range cpuIDs {
		if !known[id] {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		sort.Ints(bad)
		return fmt.Errorf("unknown logical CPUs: %v", bad)
	}
	return nil
}

// SetPerformanceScales overrides the discovered scales, e.g. with calibrated
// values. The slice must match the CPU count.
func (hc *HostConfig) SetPerformanceScales(scales []float64) error {
	if len(scales) != len(hc.CPUs) {
		return fmt.Errorf("got %d scales for %d CPUs", len(scales), len(hc.CPUs))
	}
	for i, scale := range scales {
		if scale <= 0 || scale > 1 {
			return fmt.Errorf("scale[%d] must be in (0, 1], got %v", i, scale)
		}
		hc.CPUs[i].PerformanceScale = scale
	}
	return nil
}
