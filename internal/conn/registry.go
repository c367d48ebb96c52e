package conn

import (
	"sync"
	"time"
)

// Registry serializes work per instance and owns the single pending
// reconnect timer each instance is allowed. Scheduling a new timer for an
// instance supersedes the previous one; firing removes the slot before the
// callback runs so the callback itself may schedule again.
type Registry struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	timers map[string]*time.Timer
}

func NewRegistry() *Registry {
	return &Registry{
		locks:  make(map[string]*sync.Mutex),
		timers: make(map[string]*time.Timer),
	}
}

// WithLock runs fn while holding the instance's mutex. Events and timer
// callbacks for the same instance never interleave their read-modify-write
// cycles.
func (r *Registry) WithLock(instanceID string, fn func()) {
	r.mu.Lock()
	lk, ok := r.locks[instanceID]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[instanceID] = lk
	}
	r.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()
	fn()
}

// Schedule arms the instance's reconnect timer, replacing any pending one.
func (r *Registry) Schedule(instanceID string, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[instanceID]; ok {
		t.Stop()
	}
	r.timers[instanceID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, instanceID)
		r.mu.Unlock()
		fn()
	})
}

// Cancel stops the instance's pending reconnect timer, if any. Returns
// whether a timer was armed.
func (r *Registry) Cancel(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[instanceID]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, instanceID)
	return true
}

// Pending reports whether the instance has a reconnect timer armed.
func (r *Registry) Pending(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[instanceID]
	return ok
}

// Drop releases all per-instance state. Called when an instance is deleted.
func (r *Registry) Drop(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[instanceID]; ok {
		t.Stop()
		delete(r.timers, instanceID)
	}
	delete(r.locks, instanceID)
}
