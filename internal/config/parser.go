package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"deadline-sched/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*SimulationConfig, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, err
	}

	// Expand environment variables before unmarshalling.
	expanded := expandEnvVars(string(data))

	var config SimulationConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, err
	}

	applyDefaults(&config)

	// Set KeyName for each workload based on the YAML key.
	for keyName, workload := range config.Workloads {
		workload.KeyName = keyName
		config.Workloads[keyName] = workload
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *SimulationConfig) {
	if config.Simulation.Scheduler.SliceMS <= 0 {
		config.Simulation.Scheduler.SliceMS = 10
	}
	if config.Simulation.Scheduler.WeightUnit <= 0 {
		config.Simulation.Scheduler.WeightUnit = 1024
	}
	if config.Simulation.Balancer.PeriodMS <= 0 {
		config.Simulation.Balancer.PeriodMS = 100
	}
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUSpec parses CPU specification strings like "0", "0,2,4", or "0-3".
func ParseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}

	return cpus, nil
}

// FormatCPUSpec renders a CPU list in canonical cpuset form, collapsing
// consecutive IDs into ranges.
func FormatCPUSpec(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var parts []string
	start := sorted[0]
	prev := sorted[0]
	flush := func(end int) {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, cpu := range sorted[1:] {
		if cpu == prev {
			continue
		}
		if cpu != prev+1 {
			flush(prev)
			start = cpu
		}
		prev = cpu
	}
	flush(prev)
	return strings.Join(parts, ",")
}

func validateConfig(config *SimulationConfig) error {
	if config.Simulation.Name == "" {
		return fmt.Errorf("simulation name is required")
	}

	if config.Simulation.DurationMS <= 0 {
		return fmt.Errorf("duration_ms must be greater than 0")
	}

	if len(config.Workloads) == 0 {
		return fmt.Errorf("at least one workload must be defined")
	}

	cpus := config.Simulation.CPUs
	if cpus.Count < 0 {
		return fmt.Errorf("cpus.count must not be negative")
	}
	if len(cpus.PerformanceScales) > 0 {
		if cpus.Count > 0 && len(cpus.PerformanceScales) != cpus.Count {
			return fmt.Errorf("performance_scales has %d entries for %d cpus",
				len(cpus.PerformanceScales), cpus.Count)
		}
		for i, scale := range cpus.PerformanceScales {
			if scale <= 0 || scale > 1 {
				return fmt.Errorf("performance_scales[%d] must be in (0, 1], got %v", i, scale)
			}
		}
	}
	if cpus.Cpuset != "" {
		if _, err := ParseCPUSpec(cpus.Cpuset); err != nil {
			return fmt.Errorf("invalid cpuset %q: %w", cpus.Cpuset, err)
		}
	}

	indices := make(map[int]bool)
	for name, workload := range config.Workloads {
		if workload.Tasks <= 0 {
			return fmt.Errorf("workload %s: tasks must be greater than 0", name)
		}
		if workload.Weight <= 0 {
			return fmt.Errorf("workload %s: weight must be greater than 0", name)
		}
		if workload.BurstMS <= 0 {
			return fmt.Errorf("workload %s: burst_ms must be greater than 0", name)
		}
		if workload.Bursts <= 0 {
			return fmt.Errorf("workload %s: bursts must be greater than 0", name)
		}
		if indices[workload.Index] {
			return fmt.Errorf("workload %s: index %d is already used", name, workload.Index)
		}
		indices[workload.Index] = true
	}

	return nil
}
