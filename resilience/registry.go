package resilience

import "sync"

// Registry holds the process-wide set of named circuit breakers: one per
// external dependency (workflow engine, store connection, per-source
// extractor runs).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// defaultRegistry backs the package-level helpers.
var defaultRegistry = NewRegistry()

// GetOrCreate returns the breaker registered under name, creating it with
// the given config on first use. Idempotent: later calls ignore config.
func (r *Registry) GetOrCreate(name string, config BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, config)
	r.breakers[name] = cb
	return cb
}

// Get returns the named breaker, or nil when absent.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// All returns a snapshot of every registered breaker.
func (r *Registry) All() []*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}

// GetOrCreate returns a breaker from the process-wide registry.
func GetOrCreate(name string, config BreakerConfig) *CircuitBreaker {
	return defaultRegistry.GetOrCreate(name, config)
}

// Breakers lists every breaker in the process-wide registry.
func Breakers() []*CircuitBreaker {
	return defaultRegistry.All()
}
