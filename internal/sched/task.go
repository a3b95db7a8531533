package sched

// TaskState tracks where a task is relative to its CPU's ready queue.
type TaskState int

const (
	TaskNotQueued TaskState = iota
	TaskQueued
)

func (s TaskState) String() string {
	switch s {
	case TaskNotQueued:
		return "not_queued"
	case TaskQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Task is the scheduler-side record of a runnable entity. The ready queue
// references tasks by ID; lifetime belongs to the caller.
type Task struct {
	ID     uint64
	Weight int64 // proportional share, >= 1

	// Virtual timing, maintained by the owning CPU's scheduler.
	Vruntime int64 // virtual time consumed so far
	Start    int64 // eligible time of the current enqueue
	Finish   int64 // virtual deadline of the current enqueue

	State TaskState
}
