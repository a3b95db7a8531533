package host

import (
	"testing"
	"time"

	"deadline-sched/internal/balancer"
)

func TestNormalizeScales(t *testing.T) {
	cases := []struct {
		name  string
		freqs []int64
		want  []float64
	}{
		{"homogeneous", []int64{2400000, 2400000}, []float64{1.0, 1.0}},
		{"big little", []int64{3000000, 1500000}, []float64{1.0, 0.5}},
		{"unknown freq", []int64{0, 2000000}, []float64{1.0, 1.0}},
		{"all unknown", []int64{0, 0}, []float64{1.0, 1.0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := normalizeScales(c.freqs)
			if len(got) != len(c.want) {
				t.Fatalf("got %d scales, want %d", len(got), len(c.want))
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("scale[%d] = %v, want %v", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestValidateCPUs(t *testing.T) {
	hc := &HostConfig{
		CPUs: []CPUInfo{
			{LogicalID: 0}, {LogicalID: 1}, {LogicalID: 2}, {LogicalID: 3},
		},
	}

	if err := hc.ValidateCPUs([]int{0, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hc.ValidateCPUs([]int{1, 7}); err == nil {
		t.Fatalf("expected error for unknown CPU 7")
	}
}

func TestSetPerformanceScales(t *testing.T) {
	hc := &HostConfig{
		CPUs: []CPUInfo{{LogicalID: 0}, {LogicalID: 1}},
	}

	if err := hc.SetPerformanceScales([]float64{1.0}); err == nil {
		t.Fatalf("expected error for count mismatch")
	}
	if err := hc.SetPerformanceScales([]float64{1.0, 1.5}); err == nil {
		t.Fatalf("expected error for out-of-range scale")
	}
	if err := hc.SetPerformanceScales([]float64{1.0, 0.6}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hc.CPUs[1].PerformanceScale != 0.6 {
		t.Fatalf("scale not applied: %v", hc.CPUs[1].PerformanceScale)
	}
}

type stubPercpu struct {
	queueTime time.Duration
}

func (s *stubPercpu) PerformanceScale() float64                      { return 1.0 }
func (s *stubPercpu) PredictedQueueTime() time.Duration              { return s.queueTime }
func (s *stubPercpu) Update(balancer.CpuSet, time.Duration)          {}

func TestRegistryVisitsInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 4; i++ {
		if err := r.Register(balancer.CpuID(i), &stubPercpu{queueTime: time.Duration(i)}); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if r.Len() != 4 {
		t.Fatalf("expected 4 CPUs, got %d", r.Len())
	}

	var visited []balancer.CpuID
	r.ForEachPercpu(func(id balancer.CpuID, cpu balancer.Percpu) {
		visited = append(visited, id)
	})
	for i, id := range visited {
		if id != balancer.CpuID(i) {
			t.Fatalf("visit %d: got cpu %d", i, id)
		}
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(0, &stubPercpu{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(0, &stubPercpu{}); err == nil {
		t.Fatalf("expected error for duplicate registration")
	}
}
