package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry hands out one breaker per key, created on first use.
type Registry struct {
	mu       sync.Mutex
	template Config
	logger   *zap.Logger
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates breakers from template; its Name is replaced by the key.
func NewRegistry(template Config, logger *zap.Logger) *Registry {
	return &Registry{
		template: template,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for key.
func (r *Registry) For(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cfg := r.template
	cfg.Name = key
	cb := New(cfg, r.logger)
	r.breakers[key] = cb
	return cb
}

// Lookup returns the breaker for key without creating one.
func (r *Registry) Lookup(key string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[key]
	return cb, ok
}
