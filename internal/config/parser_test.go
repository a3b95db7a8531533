package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const validConfig = `
simulation:
  name: smoke
  duration_ms: 500
  cpus:
    count: 4
  scheduler:
    slice_ms: 5
    weight_unit: 1024
  balancer:
    period_ms: 50

batch:
  index: 0
  tasks: 8
  weight: 1024
  burst_ms: 20
  bursts: 3

interactive:
  index: 1
  tasks: 2
  weight: 4096
  burst_ms: 5
  bursts: 10
`

func TestLoadConfigValid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Simulation.Name != "smoke" {
		t.Fatalf("name = %q", cfg.Simulation.Name)
	}
	if len(cfg.Workloads) != 2 {
		t.Fatalf("expected 2 workloads, got %d", len(cfg.Workloads))
	}
	if cfg.Workloads["batch"].KeyName != "batch" {
		t.Fatalf("key name not set: %+v", cfg.Workloads["batch"])
	}

	sorted := cfg.GetWorkloadsSorted()
	if sorted[0].KeyName != "batch" || sorted[1].KeyName != "interactive" {
		t.Fatalf("workloads not sorted by index: %v, %v", sorted[0].KeyName, sorted[1].KeyName)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
simulation:
  name: defaults
  duration_ms: 100

w:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Simulation.Scheduler.SliceMS != 10 {
		t.Fatalf("default slice = %d", cfg.Simulation.Scheduler.SliceMS)
	}
	if cfg.Simulation.Scheduler.WeightUnit != 1024 {
		t.Fatalf("default weight unit = %d", cfg.Simulation.Scheduler.WeightUnit)
	}
	if cfg.Simulation.Balancer.PeriodMS != 100 {
		t.Fatalf("default balancer period = %d", cfg.Simulation.Balancer.PeriodMS)
	}
	if cfg.HasDatabase() {
		t.Fatalf("no database was configured")
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("SIM_NAME", "from-env")
	cfg, err := LoadConfig(writeConfig(t, `
simulation:
  name: ${SIM_NAME}
  duration_ms: 100

w:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Simulation.Name != "from-env" {
		t.Fatalf("env expansion failed: %q", cfg.Simulation.Name)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `
simulation:
  duration_ms: 100
w:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
`},
		{"no workloads", `
simulation:
  name: x
  duration_ms: 100
`},
		{"duplicate index", `
simulation:
  name: x
  duration_ms: 100
a:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
b:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
`},
		{"bad scale", `
simulation:
  name: x
  duration_ms: 100
  cpus:
    performance_scales: [1.0, 1.5]
w:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
`},
		{"bad cpuset", `
simulation:
  name: x
  duration_ms: 100
  cpus:
    cpuset: "3-1"
w:
  index: 0
  tasks: 1
  weight: 1024
  burst_ms: 10
  bursts: 1
`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, c.content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseCPUSpec(t *testing.T) {
	cases := []struct {
		spec string
		want []int
	}{
		{"0", []int{0}},
		{"0,2,4", []int{0, 2, 4}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0,2-4,7", []int{0, 2, 3, 4, 7}},
		{"1,1,1", []int{1}},
	}
	for _, c := range cases {
		got, err := ParseCPUSpec(c.spec)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", c.spec, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%q: got %v, want %v", c.spec, got, c.want)
		}
	}

	for _, bad := range []string{"", "a", "3-1", "1-"} {
		if _, err := ParseCPUSpec(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestFormatCPUSpec(t *testing.T) {
	cases := []struct {
		cpus []int
		want string
	}{
		{nil, ""},
		{[]int{0}, "0"},
		{[]int{0, 1, 2, 3}, "0-3"},
		{[]int{4, 0, 2, 3}, "0,2-4"},
		{[]int{7, 0, 2, 4}, "0,2,4,7"},
		{[]int{1, 1, 2}, "1-2"},
	}
	for _, c := range cases {
		if got := FormatCPUSpec(c.cpus); got != c.want {
			t.Fatalf("%v: got %q, want %q", c.cpus, got, c.want)
		}
	}
}

func TestCPUSpecRoundTrip(t *testing.T) {
	spec := "0,2-5,9"
	cpus, err := ParseCPUSpec(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := FormatCPUSpec(cpus); got != spec {
		t.Fatalf("round trip: got %q, want %q", got, spec)
	}
}
