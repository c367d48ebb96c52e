package stability

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation classes gated by the controller. OpSync is the only class also
// gated by the hard block; the others recover as soon as the timed backoff
// window passes.
const (
	OpHealthCheck = "health_check"
	OpReconcile   = "reconcile"
	OpReconnect   = "reconnect"
	OpSync        = "sync"
)

// HardBlockThreshold is the consecutive-failure count after which an
// operation class is quarantined until an explicit success or manual reset.
const HardBlockThreshold = 3

const maxBackoffMultiplier = 10

type state struct {
	healthy             bool
	consecutiveFailures int
	backoffMultiplier   int
	inBackoffUntil      time.Time
	lastCheck           time.Time
	hardBlocked         bool
	lastError           string
}

// Snapshot is a read-only view of one operation class, exposed on the
// recovery-status endpoint.
type Snapshot struct {
	OpClass             string    `json:"op_class"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffMultiplier   int       `json:"backoff_multiplier"`
	InBackoffUntil      time.Time `json:"in_backoff_until"`
	HardBlocked         bool      `json:"hard_blocked"`
	LastError           string    `json:"last_error,omitempty"`
}

// Controller is a pure in-memory circuit breaker. It decides whether an
// operation class may run right now; callers perform the actual probe or
// sync and report the outcome back. It does no I/O of its own.
type Controller struct {
	mu           sync.Mutex
	baseInterval time.Duration
	now          func() time.Time
	classes      map[string]*state
}

func NewController(baseInterval time.Duration) *Controller {
	if baseInterval <= 0 {
		baseInterval = 30 * time.Second
	}
	return &Controller{
		baseInterval: baseInterval,
		now:          time.Now,
		classes:      make(map[string]*state),
	}
}

// WithClock overrides the controller's time source. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) class(opClass string) *state {
	st, ok := c.classes[opClass]
	if !ok {
		st = &state{healthy: true, backoffMultiplier: 1}
		c.classes[opClass] = st
	}
	return st
}

// Allow reports whether the operation class may run now. A true answer
// also starts the per-class cooldown window (baseInterval x multiplier),
// so hammering Allow in a loop self-throttles.
func (c *Controller) Allow(opClass string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.class(opClass)
	now := c.now()

	if now.Before(st.inBackoffUntil) {
		return false
	}
	if st.hardBlocked && opClass == OpSync {
		return false
	}
	cooldown := c.baseInterval * time.Duration(st.backoffMultiplier)
	if !st.lastCheck.IsZero() && now.Sub(st.lastCheck) < cooldown {
		return false
	}
	st.lastCheck = now
	return true
}

// Report feeds back the outcome of an operation the caller just performed.
func (c *Controller) Report(opClass string, success bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.class(opClass)
	now := c.now()

	if success {
		st.healthy = true
		st.consecutiveFailures = 0
		st.backoffMultiplier = 1
		st.inBackoffUntil = now
		st.hardBlocked = false
		st.lastError = ""
		return
	}

	st.healthy = false
	st.consecutiveFailures++
	st.backoffMultiplier = st.consecutiveFailures * 2
	if st.backoffMultiplier > maxBackoffMultiplier {
		st.backoffMultiplier = maxBackoffMultiplier
	}
	st.inBackoffUntil = now.Add(c.baseInterval * time.Duration(st.backoffMultiplier))
	if err != nil {
		st.lastError = err.Error()
	}
	if st.consecutiveFailures >= HardBlockThreshold && !st.hardBlocked {
		st.hardBlocked = true
		zap.L().Warn("stability: operation class hard-blocked",
			zap.String("op_class", opClass),
			zap.Int("consecutive_failures", st.consecutiveFailures))
	}
}

// Reset clears all failure state for every operation class. Wired to the
// manual recovery-reset endpoint.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes = make(map[string]*state)
	zap.L().Info("stability: controls reset manually")
}

// Snapshots returns the current view of all known operation classes.
func (c *Controller) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.classes))
	for name, st := range c.classes {
		out = append(out, Snapshot{
			OpClass:             name,
			Healthy:             st.healthy,
			ConsecutiveFailures: st.consecutiveFailures,
			BackoffMultiplier:   st.backoffMultiplier,
			InBackoffUntil:      st.inBackoffUntil,
			HardBlocked:         st.hardBlocked,
			LastError:           st.lastError,
		})
	}
	return out
}
