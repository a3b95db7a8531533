package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"deadline-sched/internal/balancer"
	"deadline-sched/internal/config"
	"deadline-sched/internal/host"
	"deadline-sched/internal/logging"
	"deadline-sched/internal/sched"

	"github.com/sirupsen/logrus"
)

// Simulation drives per-CPU schedulers and the global balancer against a
// synthetic workload on a virtual clock. It plays the role the dispatch loop
// and thread subsystem play in a real kernel: it creates tasks, dispatches
// whatever PickNext selects, charges service time, and migrates tasks toward
// the balancer's published targets.
type Simulation struct {
	cfg      *config.SimulationConfig
	registry *host.Registry
	cpus     []*sched.Scheduler
	lb       *balancer.LoadBalancer
	tasks    []*simTask
	logger   *logrus.Logger
}

type simTask struct {
	task       *sched.Task
	workload   string
	remaining  time.Duration // CPU work left in the current burst
	burstsLeft int
	burst      time.Duration
	cpu        int // index into Simulation.cpus
	served     time.Duration
	dispatches int
	migrations int
}

// TaskResult summarizes one task after a run.
type TaskResult struct {
	ID         uint64
	Workload   string
	Weight     int64
	Served     time.Duration
	Dispatches int
	Migrations int
	Done       bool
}

type Result struct {
	Elapsed time.Duration
	Cycles  int
	Tasks   []TaskResult
}

// New builds a simulation: one scheduler per CPU, all registered with the
// production registry, and the balancer iterating over it.
func New(cfg *config.SimulationConfig, scales []float64, observer balancer.CycleObserver) (*Simulation, error) {
	if len(scales) == 0 {
		return nil, fmt.Errorf("no CPUs configured")
	}

	params := sched.Params{
		Slice:      cfg.GetSlice(),
		WeightUnit: cfg.Simulation.Scheduler.WeightUnit,
	}

	registry := host.NewRegistry()
	cpus := make([]*sched.Scheduler, len(scales))
	for i, scale := range scales {
		s, err := sched.New(balancer.CpuID(i), scale, params)
		if err != nil {
			return nil, fmt.Errorf("cpu %d: %w", i, err)
		}
		cpus[i] = s
		if err := registry.Register(balancer.CpuID(i), s); err != nil {
			return nil, err
		}
	}

	lb := balancer.New(registry)
	if observer != nil {
		lb.SetObserver(observer)
	}

	sim := &Simulation{
		cfg:      cfg,
		registry: registry,
		cpus:     cpus,
		lb:       lb,
		logger:   logging.GetLogger(),
	}
	sim.spawnTasks()
	return sim, nil
}

// spawnTasks creates every workload's tasks and enqueues them round-robin
// across the CPUs, the placement a kernel would use before any balancing
// signal exists.
func (sim *Simulation) spawnTasks() {
	var nextID uint64 = 1
	nextCPU := 0

	for _, w := range sim.cfg.GetWorkloadsSorted() {
		for i := 0; i < w.Tasks; i++ {
			st := &simTask{
				task: &sched.Task{
					ID:     nextID,
					Weight: w.Weight,
				},
				workload:   w.KeyName,
				burst:      time.Duration(w.BurstMS) * time.Millisecond,
				remaining:  time.Duration(w.BurstMS) * time.Millisecond,
				burstsLeft: w.Bursts,
				cpu:        nextCPU,
			}
			nextID++
			nextCPU = (nextCPU + 1) % len(sim.cpus)
			sim.tasks = append(sim.tasks, st)
		}
	}

	for _, st := range sim.tasks {
		if err := sim.cpus[st.cpu].Enqueue(st.task); err != nil {
			sim.logger.WithError(err).WithField("task", st.task.ID).Error("Failed to enqueue task")
		}
	}

	sim.logger.WithFields(logrus.Fields{
		"tasks": len(sim.tasks),
		"cpus":  len(sim.cpus),
	}).Info("Workload spawned")
}

// Run advances the simulation in slice-sized quanta until the configured
// duration elapses or all tasks finish. The context cancels a long run.
func (sim *Simulation) Run(ctx context.Context) (*Result, error) {
	slice := sim.cfg.GetSlice()
	duration := sim.cfg.GetMaxDuration()
	period := sim.cfg.GetBalancerPeriod()

	stepsPerCycle := int(period / slice)
	if stepsPerCycle < 1 {
		stepsPerCycle = 1
	}

	byID := make(map[uint64]*simTask, len(sim.tasks))
	for _, st := range sim.tasks {
		byID[st.task.ID] = st
	}

	result := &Result{}
	var elapsed time.Duration

	for step := 0; elapsed < duration; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if step%stepsPerCycle == 0 {
			sim.lb.Cycle()
			result.Cycles++
		}

		idle := true
		for _, cpu := range sim.cpus {
			picked := cpu.PickNext(cpu.Vclock())
			if picked == nil && cpu.QueueLen() > 0 {
				// Work conserving: everything queued is ahead of the virtual
				// clock, so run the earliest deadline anyway instead of
				// idling a CPU that has work.
				picked = cpu.PickNext(math.MaxInt64)
			}
			if picked == nil {
				continue
			}
			idle = false
			st := byID[picked.ID]

			cpu.Remove(picked)

			// A full slice of wall time yields perf-scale worth of work.
			work := time.Duration(float64(slice) * cpu.PerformanceScale())
			if work > st.remaining {
				work = st.remaining
			}
			cpu.Account(picked, work)
			st.remaining -= work
			st.served += work
			st.dispatches++

			if st.remaining <= 0 {
				st.burstsLeft--
				if st.burstsLeft > 0 {
					st.remaining = st.burst
				}
			}
			if st.burstsLeft > 0 {
				sim.requeue(st)
			}
		}

		if idle && sim.done() {
			break
		}
		elapsed += slice
	}

	result.Elapsed = elapsed
	for _, st := range sim.tasks {
		result.Tasks = append(result.Tasks, TaskResult{
			ID:         st.task.ID,
			Workload:   st.workload,
			Weight:     st.task.Weight,
			Served:     st.served,
			Dispatches: st.dispatches,
			Migrations: st.migrations,
			Done:       st.burstsLeft <= 0,
		})
	}
	return result, nil
}

// requeue puts a preempted task back on a CPU, steering away from CPUs the
// balancer marked overloaded. Migration happens here, in the per-CPU
// dispatch path, never inside the balancer itself.
func (sim *Simulation) requeue(st *simTask) {
	cpu := sim.cpus[st.cpu]

	if cpu.Overloaded() {
		targets, _ := cpu.BalanceTargets()
		if next, ok := sim.pickTarget(targets, st.cpu); ok {
			st.cpu = next
			st.migrations++
			sim.logger.WithFields(logrus.Fields{
				"task": st.task.ID,
				"cpu":  next,
			}).Trace("Migrated task")
		}
	}

	if err := sim.cpus[st.cpu].Enqueue(st.task); err != nil {
		sim.logger.WithError(err).WithField("task", st.task.ID).Error("Failed to requeue task")
	}
}

// pickTarget chooses the least-loaded placement target other than the
// current CPU. Targets come ordered by preference.
func (sim *Simulation) pickTarget(targets balancer.CpuSet, current int) (int, bool) {
	for _, id := range targets.IDs() {
		idx := int(id)
		if idx == current || idx >= len(sim.cpus) {
			continue
		}
		return idx, true
	}
	return 0, false
}

func (sim *Simulation) done() bool {
	for _, st := range sim.tasks {
		if st.burstsLeft > 0 {
			return false
		}
	}
	return true
}

// Schedulers exposes the per-CPU schedulers, mainly for tests.
func (sim *Simulation) Schedulers() []*sched.Scheduler {
	return sim.cpus
}
