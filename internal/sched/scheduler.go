package sched

import (
	"fmt"
	"sync"
	"time"

	"deadline-sched/internal/balancer"
	"deadline-sched/internal/logging"
	"deadline-sched/internal/runqueue"

	"github.com/sirupsen/logrus"
)

// Params holds the virtual-time policy constants. The deadline span of an
// enqueue is Slice scaled by WeightUnit/weight, so heavier tasks get nearer
// deadlines and therefore run earlier and more often.
type Params struct {
	Slice      time.Duration // nominal per-dispatch service slice
	WeightUnit int64         // weight corresponding to a 1:1 virtual-time rate
}

func DefaultParams() Params {
	return Params{
		Slice:      10 * time.Millisecond,
		WeightUnit: 1024,
	}
}

func (p Params) Validate() error {
	if p.Slice <= 0 {
		return fmt.Errorf("slice must be positive, got %v", p.Slice)
	}
	if p.WeightUnit <= 0 {
		return fmt.Errorf("weight unit must be positive, got %d", p.WeightUnit)
	}
	return nil
}

// Scheduler owns one CPU's ready queue. All mutation happens under the
// scheduler's lock, which stands in for the owning CPU's scheduling context;
// the balancer takes it only for single-snapshot reads and writes.
type Scheduler struct {
	cpu       balancer.CpuID
	perfScale float64
	params    Params
	logger    logrus.FieldLogger

	mu          sync.Mutex
	queue       *runqueue.Queue
	tasks       map[uint64]*Task
	vclock      int64 // per-CPU virtual time
	totalWeight int64 // sum of queued task weights
	queuedWork  time.Duration

	// Parameters published by the last balancing cycle.
	targets   balancer.CpuSet
	threshold time.Duration
}

func New(cpu balancer.CpuID, perfScale float64, params Params) (*Scheduler, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if perfScale <= 0 || perfScale > 1 {
		return nil, fmt.Errorf("performance scale must be in (0, 1], got %v", perfScale)
	}
	return &Scheduler{
		cpu:       cpu,
		perfScale: perfScale,
		params:    params,
		logger:    logging.GetLogger().WithField("cpu", cpu),
		queue:     runqueue.New(),
		tasks:     make(map[uint64]*Task),
		threshold: balancer.NoThreshold,
	}, nil
}

func (s *Scheduler) CPU() balancer.CpuID { return s.cpu }

// Enqueue computes the task's eligible and finish times and inserts it into
// the ready queue. The task must not already be queued here or elsewhere.
func (s *Scheduler) Enqueue(t *Task) error {
	if t.Weight <= 0 {
		return fmt.Errorf("task %d has non-positive weight %d", t.ID, t.Weight)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State == TaskQueued {
		return fmt.Errorf("task %d is already queued", t.ID)
	}

	t.Start = t.Vruntime
	if s.vclock > t.Start {
		t.Start = s.vclock
	}
	t.Finish = t.Start + s.deadlineSpan(t.Weight)
	t.State = TaskQueued

	s.queue.Insert(t.ID, t.Start, t.Finish)
	s.tasks[t.ID] = t
	s.totalWeight += t.Weight
	s.queuedWork += s.params.Slice

	s.logger.WithFields(logrus.Fields{
		"task":   t.ID,
		"weight": t.Weight,
		"start":  t.Start,
		"finish": t.Finish,
	}).Trace("Enqueued task")
	return nil
}

// PickNext returns the queued task with the earliest deadline among tasks
// eligible at the given virtual time, or nil if none qualifies. It never
// blocks and does not mutate the queue.
func (s *Scheduler) PickNext(now int64) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.queue.EarliestEligible(now)
	if !ok {
		return nil
	}
	return s.tasks[key.TaskID]
}

// Remove detaches a task from the ready queue (dispatched or destroyed).
// Returns false if the task is not queued on this CPU.
func (s *Scheduler) Remove(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queue.Remove(t.ID) {
		return false
	}
	delete(s.tasks, t.ID)
	s.totalWeight -= t.Weight
	s.queuedWork -= s.params.Slice
	t.State = TaskNotQueued
	return true
}

// Account charges ran nanoseconds of CPU service to a dispatched task and
// advances this CPU's virtual clock at the proportional-share rate.
func (s *Scheduler) Account(t *Task, ran time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.Vruntime += ran.Nanoseconds() * s.params.WeightUnit / t.Weight

	// The virtual clock advances at the proportional-share rate over every
	// task competing for this CPU, including the one just served; dispatch
	// loops typically remove a task before charging it.
	w := s.totalWeight
	if t.State != TaskQueued {
		w += t.Weight
	}
	if w > 0 {
		s.vclock += ran.Nanoseconds() * s.params.WeightUnit / w
	}
}

// PredictedQueueTime estimates how long a newly enqueued task would wait on
// this CPU: pending nominal slices stretched by the CPU's relative speed.
// O(1); consumed by the load balancer.
func (s *Scheduler) PredictedQueueTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(float64(s.queuedWork) / s.perfScale)
}

func (s *Scheduler) PerformanceScale() float64 { return s.perfScale }

// Update receives the global target set and threshold from a balancing
// cycle. Callable at any time; a short non-blocking hand-off.
func (s *Scheduler) Update(set balancer.CpuSet, threshold time.Duration) {
	s.mu.Lock()
	s.targets = set
	s.threshold = threshold
	s.mu.Unlock()
}

// BalanceTargets returns the most recently published target set and
// threshold. Local placement decisions consult these.
func (s *Scheduler) BalanceTargets() (balancer.CpuSet, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets, s.threshold
}

// Overloaded reports whether this CPU's predicted queue time exceeds the
// threshold published by the last balancing cycle.
func (s *Scheduler) Overloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threshold == balancer.NoThreshold {
		return false
	}
	return time.Duration(float64(s.queuedWork)/s.perfScale) > s.threshold
}

func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Virtual clock of this CPU, for dispatch loops that pick by current time.
func (s *Scheduler) Vclock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vclock
}

func (s *Scheduler) deadlineSpan(weight int64) int64 {
	span := s.params.Slice.Nanoseconds() * s.params.WeightUnit / weight
	if span < 1 {
		span = 1
	}
	return span
}
