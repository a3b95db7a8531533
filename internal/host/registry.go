package host

import (
	"fmt"
	"sync"

	"deadline-sched/internal/balancer"
)

// Registry is the production per-CPU registry: the balancer's iteration
// context over the live per-CPU schedulers. It is populated once at startup
// and never torn down, but passed explicitly so the core stays testable.
type Registry struct {
	mu   sync.RWMutex
	ids  []balancer.CpuID
	cpus map[balancer.CpuID]balancer.Percpu
}

func NewRegistry() *Registry {
	return &Registry{
		cpus: make(map[balancer.CpuID]balancer.Percpu),
	}
}

// Register adds a CPU to the registry. IDs must be unique.
func (r *Registry) Register(id balancer.CpuID, cpu balancer.Percpu) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.cpus[id]; dup {
		return fmt.Errorf("cpu %d already registered", id)
	}
	r.ids = append(r.ids, id)
	r.cpus[id] = cpu
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// ForEachPercpu visits every registered CPU once, in registration order.
func (r *Registry) ForEachPercpu(fn func(id balancer.CpuID, cpu balancer.Percpu)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.ids {
		fn(id, r.cpus[id])
	}
}
