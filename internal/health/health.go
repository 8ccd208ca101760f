// Package health aggregates readiness checks for the server's backing
// systems. The server registers one checker per dependency (settlement
// database, chain RPC) and the readiness endpoint runs them all, going
// unready when any dependency is down.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of checking one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects one dependency. It should honor ctx deadlines since
// the readiness handler runs checkers inline.
type Checker func(ctx context.Context) Status

// Registry holds the registered checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under name. Re-registering a name replaces
// the checker but keeps its original position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	if _, ok := r.checks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.checks[name] = check
	r.mu.Unlock()
}

// CheckAll runs every checker and reports overall readiness along with
// the per-dependency results, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	checks := make(map[string]Checker, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(order))
	for _, name := range order {
		st := checks[name](ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
