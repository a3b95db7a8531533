package config

import (
	"time"
)

type SimulationConfig struct {
	Simulation SimulationInfo          `yaml:"simulation"`
	Workloads  map[string]WorkloadSpec `yaml:",inline"`
}

type SimulationInfo struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	DurationMS  int            `yaml:"duration_ms"`
	LogLevel    string         `yaml:"log_level"`
	CPUs        CPUConfig      `yaml:"cpus"`
	Scheduler   SchedulerKnobs `yaml:"scheduler"`
	Balancer    BalancerKnobs  `yaml:"balancer"`
	Data        DataConfig     `yaml:"data"`
}

type CPUConfig struct {
	// Count of virtual CPUs; 0 means discover from the host.
	Count int `yaml:"count"`
	// Cpuset restricts discovery to a subset of host CPUs, e.g. "0,2-4".
	Cpuset string `yaml:"cpuset,omitempty"`
	// Explicit per-CPU performance scales; overrides discovery when set.
	PerformanceScales []float64 `yaml:"performance_scales,omitempty"`
	// Calibrate performance scales with hardware cycle counters (Linux only).
	Calibrate bool `yaml:"calibrate"`
}

type SchedulerKnobs struct {
	SliceMS    int   `yaml:"slice_ms"`
	WeightUnit int64 `yaml:"weight_unit"`
}

type BalancerKnobs struct {
	PeriodMS int `yaml:"period_ms"`
}

type DataConfig struct {
	DB DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

// WorkloadSpec describes one class of synthetic tasks.
type WorkloadSpec struct {
	Index   int    `yaml:"index"`
	Tasks   int    `yaml:"tasks"`
	Weight  int64  `yaml:"weight"`
	BurstMS int    `yaml:"burst_ms"`
	Bursts  int    `yaml:"bursts"`
	KeyName string `yaml:"-"`
}

func (c *SimulationConfig) GetMaxDuration() time.Duration {
	return time.Duration(c.Simulation.DurationMS) * time.Millisecond
}

func (c *SimulationConfig) GetBalancerPeriod() time.Duration {
	return time.Duration(c.Simulation.Balancer.PeriodMS) * time.Millisecond
}

func (c *SimulationConfig) GetSlice() time.Duration {
	return time.Duration(c.Simulation.Scheduler.SliceMS) * time.Millisecond
}

// GetWorkloadsSorted returns workload specs ordered by index.
func (c *SimulationConfig) GetWorkloadsSorted() []WorkloadSpec {
	var specs []WorkloadSpec
	for _, w := range c.Workloads {
		specs = append(specs, w)
	}
	for i := 0; i < len(specs)-1; i++ {
		for j := i + 1; j < len(specs); j++ {
			if specs[i].Index > specs[j].Index {
				specs[i], specs[j] = specs[j], specs[i]
			}
		}
	}
	return specs
}

// HasDatabase reports whether a metrics sink is configured.
func (c *SimulationConfig) HasDatabase() bool {
	return c.Simulation.Data.DB.Host != ""
}
