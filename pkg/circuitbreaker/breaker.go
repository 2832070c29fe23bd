package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker is a basic circuit breaker that opens after a run of consecutive
// failures and closes again once the cooldown passes.
type Breaker struct {
	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	open            bool

	threshold int
	cooldown  time.Duration
}

// New creates a new circuit breaker
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// IsOpen reports whether requests should be refused right now. An open
// breaker closes itself once the cooldown since the last failure elapses.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}

	if time.Since(b.lastFailureTime) > b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}

	return true
}

// RecordSuccess resets the failure counter
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// RecordFailure increments the failure counter and opens the circuit once
// the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	if b.failures >= b.threshold {
		b.open = true
	}
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// State returns the current state for monitoring.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open, b.failures
}

// Manager keeps one breaker per upstream, keyed by "provider/model".
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaultThreshold int
	defaultCooldown  time.Duration
}

// NewManager creates a new circuit breaker manager
func NewManager(threshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:         make(map[string]*Breaker),
		defaultThreshold: threshold,
		defaultCooldown:  cooldown,
	}
}

// Get returns the breaker for an upstream, creating it on first use.
func (m *Manager) Get(upstream string) *Breaker {
	m.mu.RLock()
	breaker, exists := m.breakers[upstream]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[upstream]; exists {
		return breaker
	}

	breaker = New(m.defaultThreshold, m.defaultCooldown)
	m.breakers[upstream] = breaker
	return breaker
}

// IsOpen checks if the circuit is open for an upstream.
func (m *Manager) IsOpen(upstream string) bool {
	return m.Get(upstream).IsOpen()
}

// RecordSuccess records a success for an upstream.
func (m *Manager) RecordSuccess(upstream string) {
	m.Get(upstream).RecordSuccess()
}

// RecordFailure records a failure for an upstream.
func (m *Manager) RecordFailure(upstream string) {
	m.Get(upstream).RecordFailure()
}

// Reset closes the breaker for one upstream.
func (m *Manager) Reset(upstream string) {
	m.Get(upstream).Reset()
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}

// States returns per-upstream state for the admin endpoint.
func (m *Manager) States() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]map[string]interface{})
	for upstream, breaker := range m.breakers {
		open, failures := breaker.State()
		states[upstream] = map[string]interface{}{
			"is_open":  open,
			"failures": failures,
		}
	}

	return states
}
