package database

import (
	"sync"
	"time"

	"deadline-sched/internal/balancer"
)

// CPURecord is one CPU's slice of a balancing cycle.
type CPURecord struct {
	CPU              uint32  `json:"cpu"`
	QueueTimeNS      int64   `json:"queue_time_ns"`
	PerformanceScale float64 `json:"performance_scale"`
	OverThreshold    bool    `json:"over_threshold"`
	PlacementTarget  bool    `json:"placement_target"`
}

// CycleRecord captures the outcome of one balancing cycle.
type CycleRecord struct {
	Cycle       uint64      `json:"cycle"`
	Timestamp   time.Time   `json:"timestamp"`
	ThresholdNS int64       `json:"threshold_ns"`
	CPUs        []CPURecord `json:"cpus"`
	Targets     []uint32    `json:"targets"`
}

// Recorder implements balancer.CycleObserver by accumulating cycle records
// in memory. Records are persisted in one batch at the end of a run, so the
// balancer's publish path never touches the network.
type Recorder struct {
	mu      sync.Mutex
	cycle   uint64
	records []CycleRecord
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ObserveCycle(threshold time.Duration, entries []balancer.Entry, set balancer.CpuSet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycle++
	rec := CycleRecord{
		Cycle:       r.cycle,
		Timestamp:   time.Now(),
		ThresholdNS: threshold.Nanoseconds(),
	}
	for _, id := range set.IDs() {
		rec.Targets = append(rec.Targets, uint32(id))
	}
	for i := range entries {
		e := &entries[i]
		rec.CPUs = append(rec.CPUs, CPURecord{
			CPU:              uint32(e.LogicalID),
			QueueTimeNS:      e.QueueTime.Nanoseconds(),
			PerformanceScale: e.PerformanceScale,
			OverThreshold:    e.OverThreshold,
			PlacementTarget:  set.Contains(e.LogicalID),
		})
	}
	r.records = append(r.records, rec)
}

// Records returns the accumulated cycle records.
func (r *Recorder) Records() []CycleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CycleRecord, len(r.records))
	copy(out, r.records)
	return out
}
