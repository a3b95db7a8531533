package balancer

import (
	"sort"
	"sync"
	"time"

	"deadline-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	// MaxCPUs bounds the scratch entry array. One cycle never allocates.
	MaxCPUs = 64

	// MaxTargetCPUs bounds the published placement target set.
	MaxTargetCPUs = 16
)

// NoThreshold is published when the iteration context reports zero CPUs.
const NoThreshold = time.Duration(-1)

type CpuID uint32

// Percpu is the balancer's view of one CPU's scheduler. Reads and the Update
// hand-off are short snapshot operations that must not block the caller.
type Percpu interface {
	PerformanceScale() float64
	PredictedQueueTime() time.Duration
	Update(set CpuSet, threshold time.Duration)
}

// PercpuIterator visits every online CPU exactly once per call. Production
// binds this to the host registry; tests bind it to a fixture.
type PercpuIterator interface {
	ForEachPercpu(fn func(id CpuID, cpu Percpu))
}

// Entry is the per-CPU record gathered during one cycle. The array holding
// entries is fully overwritten every cycle; nothing persists across cycles.
type Entry struct {
	LogicalID        CpuID
	PerformanceScale float64
	QueueTime        time.Duration
	OverThreshold    bool
}

// CpuSet is a bounded, ordered list of preferred placement targets.
type CpuSet struct {
	count int
	ids   [MaxTargetCPUs]CpuID
}

func (s *CpuSet) Add(id CpuID) bool {
	if s.count >= MaxTargetCPUs {
		return false
	}
	s.ids[s.count] = id
	s.count++
	return true
}

func (s CpuSet) Len() int { return s.count }

func (s CpuSet) Contains(id CpuID) bool {
	for i := 0; i < s.count; i++ {
		if s.ids[i] == id {
			return true
		}
	}
	return false
}

// IDs returns the targets in preference order.
func (s CpuSet) IDs() []CpuID {
	out := make([]CpuID, s.count)
	copy(out, s.ids[:s.count])
	return out
}

// CycleObserver receives the outcome of each balancing cycle, e.g. for
// metrics export. Observers must not block.
type CycleObserver interface {
	ObserveCycle(threshold time.Duration, entries []Entry, set CpuSet)
}

// LoadBalancer periodically ranks CPUs by predicted queuing delay and
// publishes a target CPU set plus threshold back to every CPU. It never moves
// tasks itself; per-CPU schedulers react to the published parameters.
type LoadBalancer struct {
	iter     PercpuIterator
	observer CycleObserver
	logger   logrus.FieldLogger

	mu       sync.Mutex // at most one cycle runs at a time
	entries  [MaxCPUs]Entry
	cpuCount int
	cycles   uint64
}

func New(iter PercpuIterator) *LoadBalancer {
	return &LoadBalancer{
		iter:   iter,
		logger: logging.GetBalancerLogger(),
	}
}

func (lb *LoadBalancer) SetObserver(obs CycleObserver) {
	lb.observer = obs
}

// CalcThreshold returns the arithmetic mean of the recorded queue times, or
// NoThreshold for an empty slice. Summed durations across at most MaxCPUs
// CPUs cannot overflow int64 nanoseconds for any realistic uptime, so a
// single linear pass suffices.
func CalcThreshold(entries []Entry) time.Duration {
	if len(entries) == 0 {
		return NoThreshold
	}
	var sum time.Duration
	for i := range entries {
		sum += entries[i].QueueTime
	}
	return sum / time.Duration(len(entries))
}

// SortEntries derives OverThreshold for every entry and stably sorts:
// under-threshold CPUs first, then by performance scale descending. Stability
// keeps CPUs with identical keys in enumeration order run-to-run.
func SortEntries(entries []Entry, threshold time.Duration) {
	for i := range entries {
		entries[i].OverThreshold = entries[i].QueueTime > threshold
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].OverThreshold != entries[j].OverThreshold {
			return !entries[i].OverThreshold
		}
		return entries[i].PerformanceScale > entries[j].PerformanceScale
	})
}

// BuildCpuSet takes placement targets from the front of the sorted entries:
// the least-loaded, most-capable CPUs.
func BuildCpuSet(entries []Entry) CpuSet {
	var set CpuSet
	for i := range entries {
		if !set.Add(entries[i].LogicalID) {
			break
		}
	}
	return set
}

// Cycle runs one balancing pass: snapshot every CPU's predicted queue time,
// compute the mean threshold, rank CPUs, and publish the resulting target set
// and threshold to every CPU. It degrades gracefully on zero CPUs and has no
// failure return.
func (lb *LoadBalancer) Cycle() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries = [MaxCPUs]Entry{}
	lb.cpuCount = 0

	// Read pass. Each visit takes only that CPU's snapshot.
	lb.iter.ForEachPercpu(func(id CpuID, cpu Percpu) {
		if lb.cpuCount >= MaxCPUs {
			lb.logger.WithField("cpu", id).Warn("CPU count exceeds balancer capacity, skipping")
			return
		}
		lb.entries[lb.cpuCount] = Entry{
			LogicalID:        id,
			PerformanceScale: cpu.PerformanceScale(),
			QueueTime:        cpu.PredictedQueueTime(),
		}
		lb.cpuCount++
	})

	entries := lb.entries[:lb.cpuCount]
	threshold := CalcThreshold(entries)

	var set CpuSet
	if lb.cpuCount > 0 {
		SortEntries(entries, threshold)
		set = BuildCpuSet(entries)
	}

	// Write pass. A pure parameter hand-off; no task migration here.
	lb.iter.ForEachPercpu(func(id CpuID, cpu Percpu) {
		cpu.Update(set, threshold)
	})

	lb.cycles++
	lb.logger.WithFields(logrus.Fields{
		"cycle":     lb.cycles,
		"cpus":      lb.cpuCount,
		"threshold": threshold,
		"targets":   set.IDs(),
	}).Debug("Balancing cycle complete")

	if lb.observer != nil {
		lb.observer.ObserveCycle(threshold, entries, set)
	}
}
