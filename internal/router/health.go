package router

import (
	"sort"
	"sync"
	"time"
)

// StateChangeFunc observes circuit transitions of a provider.
type StateChangeFunc func(provider string, from, to CircuitState)

// HealthTracker manages circuit breakers for all providers.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	onChange              StateChangeFunc
	now                   func() time.Time
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

// OnStateChange registers an observer for breakers created afterwards.
func (ht *HealthTracker) OnStateChange(fn StateChangeFunc) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.onChange = fn
}

// Configure changes the thresholds of existing and future breakers. Breaker
// states and failure counts are kept.
func (ht *HealthTracker) Configure(failureThreshold int, recoveryProbeInterval time.Duration) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.failureThreshold = failureThreshold
	ht.recoveryProbeInterval = recoveryProbeInterval
	for _, cb := range ht.breakers {
		cb.Configure(failureThreshold, recoveryProbeInterval)
	}
}

// GetBreaker returns (or lazily creates) the circuit breaker for a provider.
func (ht *HealthTracker) GetBreaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[provider]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb, ok := ht.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	cb.now = ht.now
	if fn := ht.onChange; fn != nil {
		cb.onChange = func(from, to CircuitState) { fn(provider, from, to) }
	}
	ht.breakers[provider] = cb
	return cb
}

// IsAvailable reports whether the provider's breaker would admit a request.
func (ht *HealthTracker) IsAvailable(provider string) bool {
	return ht.GetBreaker(provider).Available()
}

// Acquire admits one request to the provider, claiming the half-open trial
// when the breaker is recovering.
func (ht *HealthTracker) Acquire(provider string) bool {
	return ht.GetBreaker(provider).Allow()
}

// RecordSuccess records a successful request for the provider.
func (ht *HealthTracker) RecordSuccess(provider string) {
	ht.GetBreaker(provider).RecordSuccess()
}

// Release frees the slot of an admitted request that ended without an
// outcome.
func (ht *HealthTracker) Release(provider string) {
	ht.GetBreaker(provider).Release()
}

// RecordFailure records a failed request for the provider.
func (ht *HealthTracker) RecordFailure(provider string) {
	ht.GetBreaker(provider).RecordFailure()
}

// ProviderHealth is a point-in-time view of one breaker.
type ProviderHealth struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

// Snapshot returns the state of every known breaker, sorted by provider.
func (ht *HealthTracker) Snapshot() []ProviderHealth {
	ht.mu.RLock()
	names := make([]string, 0, len(ht.breakers))
	for name := range ht.breakers {
		names = append(names, name)
	}
	ht.mu.RUnlock()
	sort.Strings(names)

	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderHealth{Provider: name, State: ht.GetBreaker(name).State().String()})
	}
	return out
}
