package conn

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/waxline/waxline/config"
	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/runtime"
	"github.com/waxline/waxline/internal/stability"
	"github.com/waxline/waxline/internal/store"
	"github.com/waxline/waxline/pkg/metrics"
)

// Outcome is the decision taken for one disconnect event.
type Outcome string

const (
	OutcomeIgnore    Outcome = "ignore"      // operator asked for the disconnect
	OutcomeTerminal  Outcome = "auth_failed" // credentials revoked, reconnecting is pointless
	OutcomeManual    Outcome = "manual"      // runtime wants the session recreated by an operator
	OutcomeReconnect Outcome = "reconnect"
)

// Classify decides what to do about a disconnect. The intentional flag wins
// over everything; after that both the reason code and the free-form error
// message are matched in severity order, and anything unrecognized gets a
// reconnect attempt. Matching both matters: some runtime builds report a
// generic reason and bury the conflict marker in the message text.
func Classify(intentional bool, reason, message string) Outcome {
	if intentional {
		return OutcomeIgnore
	}
	r := strings.ToLower(reason + " " + message)
	switch {
	case strings.Contains(r, "logged_out") || strings.Contains(r, "loggedout") || strings.Contains(r, "401"):
		return OutcomeTerminal
	case strings.Contains(r, "conflict") || strings.Contains(r, "replaced"):
		// Another login took over the session; retrying in place would
		// just steal it back and forth.
		return OutcomeManual
	case strings.Contains(r, "rate-overlimit") || strings.Contains(r, "rate limit") ||
		strings.Contains(r, "forced") || strings.Contains(r, "restart required"):
		return OutcomeManual
	default:
		return OutcomeReconnect
	}
}

// Reconnector owns the automatic reconnect policy: classify the disconnect,
// back off exponentially, and retry through the external runtime. At most
// one reconnect timer exists per instance; every decision is re-checked
// against fresh store state when the timer fires.
type Reconnector struct {
	cfg       config.SupervisorConfig
	store     store.InstanceStore
	client    runtime.Client
	registry  *Registry
	stability *stability.Controller
}

func NewReconnector(cfg config.SupervisorConfig, st store.InstanceStore, client runtime.Client,
	reg *Registry, stab *stability.Controller) *Reconnector {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 15 * time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Reconnector{cfg: cfg, store: st, client: client, registry: reg, stability: stab}
}

// Delay computes the backoff before the next reconnect attempt.
func (r *Reconnector) Delay(attempts int) time.Duration {
	d := r.cfg.ReconnectBaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.ReconnectMaxDelay {
			return r.cfg.ReconnectMaxDelay
		}
	}
	if d > r.cfg.ReconnectMaxDelay {
		d = r.cfg.ReconnectMaxDelay
	}
	return d
}

// MarkIntentional flags the instance so the next disconnect is not retried,
// and disarms any pending timer. Call before deliberate disconnects.
func (r *Reconnector) MarkIntentional(ctx context.Context, instanceID string) error {
	r.registry.Cancel(instanceID)
	err := r.store.Update(ctx, instanceID, map[string]interface{}{
		"intentional_disconnect": true,
	}, -1)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "mark intentional disconnect")
	}
	return nil
}

// OnDisconnect reacts to a disconnect that has already been persisted.
// Runs synchronously in the event path; only the retry itself is deferred.
func (r *Reconnector) OnDisconnect(ctx context.Context, instanceID, reason, message string) {
	inst, err := r.store.Get(ctx, instanceID)
	if err != nil {
		zap.L().Warn("reconnect: instance lookup failed",
			zap.String("instance_id", instanceID), zap.Error(err))
		return
	}

	outcome := Classify(inst.IntentionalDisconnect, reason, message)
	zap.L().Info("disconnect classified",
		zap.String("instance_id", instanceID),
		zap.String("reason", reason),
		zap.String("message", message),
		zap.String("outcome", string(outcome)),
		zap.Int("attempts", inst.ReconnectAttempts))

	switch outcome {
	case OutcomeIgnore:
		r.registry.Cancel(instanceID)

	case OutcomeTerminal:
		// Credentials are dead; the instance stays disconnected with no
		// timer until the operator re-pairs. The runtime follows up with
		// an auth_failure event that moves it to auth_failed.
		r.registry.Cancel(instanceID)

	case OutcomeManual:
		r.registry.Cancel(instanceID)
		zap.L().Warn("reconnect: session needs manual recreation",
			zap.String("instance_id", instanceID), zap.String("reason", reason))

	case OutcomeReconnect:
		r.scheduleAttempt(ctx, inst)
	}
}

// scheduleAttempt arms the backoff timer for the next attempt. The attempt
// counter moves here, when the timer is armed, so anyone reading the record
// during the backoff window already sees the attempt accounted for.
func (r *Reconnector) scheduleAttempt(ctx context.Context, inst *domain.Instance) {
	if inst.ReconnectAttempts >= r.cfg.MaxAttempts {
		zap.L().Warn("reconnect: attempt budget exhausted",
			zap.String("instance_id", inst.ID),
			zap.Int("attempts", inst.ReconnectAttempts))
		return
	}
	delay := r.Delay(inst.ReconnectAttempts)
	err := r.store.Update(ctx, inst.ID, map[string]interface{}{
		"reconnect_attempts": inst.ReconnectAttempts + 1,
	}, inst.Version)
	if errors.Is(err, store.ErrVersionConflict) {
		// Another writer moved the instance between read and schedule; its
		// view is newer, so this attempt never gets armed.
		zap.L().Debug("reconnect: lost update race while scheduling",
			zap.String("instance_id", inst.ID))
		return
	}
	if err != nil {
		zap.L().Error("reconnect: attempt counter write failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	zap.L().Info("reconnect scheduled",
		zap.String("instance_id", inst.ID),
		zap.Duration("delay", delay),
		zap.Int("attempt", inst.ReconnectAttempts+1))
	r.registry.Schedule(inst.ID, delay, func() {
		r.attempt(inst.ID)
	})
}

// attempt is the timer callback. The world may have moved on since the
// timer was armed, so everything is re-read and re-validated here.
func (r *Reconnector) attempt(instanceID string) {
	defer func() {
		if ret := recover(); ret != nil {
			zap.L().Error("reconnect attempt panic",
				zap.String("instance_id", instanceID), zap.Any("panic", ret))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.registry.WithLock(instanceID, func() {
		inst, err := r.store.Get(ctx, instanceID)
		if err != nil {
			zap.L().Warn("reconnect: instance vanished before attempt",
				zap.String("instance_id", instanceID), zap.Error(err))
			return
		}
		if inst.ConnectionState != domain.StateDisconnected || inst.IntentionalDisconnect {
			zap.L().Debug("reconnect: stale timer, skipping",
				zap.String("instance_id", instanceID),
				zap.String("state", inst.ConnectionState))
			return
		}
		// The counter was already bumped when this timer was armed.
		if inst.ReconnectAttempts > r.cfg.MaxAttempts {
			return
		}
		if !r.stability.Allow(stability.OpReconnect) {
			// Back off without burning another attempt; this one is
			// already counted.
			r.registry.Schedule(instanceID, r.cfg.ReconnectBaseDelay, func() {
				r.attempt(instanceID)
			})
			return
		}

		// A new connecting episode clears the previous pairing and
		// connection timestamps.
		err = r.store.Update(ctx, instanceID, map[string]interface{}{
			"connection_state": domain.StateConnecting,
			"pairing_payload":  nil,
			"connected_at":     nil,
		}, inst.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			zap.L().Debug("reconnect: lost update race, another writer acted",
				zap.String("instance_id", instanceID))
			return
		}
		if err != nil {
			zap.L().Error("reconnect: state write failed",
				zap.String("instance_id", instanceID), zap.Error(err))
			return
		}

		runtimeID := inst.RuntimeID
		if runtimeID == "" {
			runtimeID = inst.ID
		}
		if err := r.client.CreateInstance(ctx, runtimeID); err != nil {
			r.stability.Report(stability.OpReconnect, false, err)
			metrics.IncrCounter(metrics.CtReconnectFailure, 1)
			zap.L().Warn("reconnect attempt failed",
				zap.String("instance_id", instanceID),
				zap.Int("attempt", inst.ReconnectAttempts),
				zap.Error(err))
			// Fall back to disconnected and arm the next attempt if the
			// budget allows.
			_ = r.store.Update(ctx, instanceID, map[string]interface{}{
				"connection_state": domain.StateDisconnected,
			}, -1)
			if runtime.IsTransient(err) {
				if fresh, gerr := r.store.Get(ctx, instanceID); gerr == nil {
					r.scheduleAttempt(ctx, fresh)
				}
			}
			return
		}

		r.stability.Report(stability.OpReconnect, true, nil)
		metrics.IncrCounter(metrics.CtReconnectAttempt, 1)
		zap.L().Info("reconnect attempt issued",
			zap.String("instance_id", instanceID),
			zap.Int("attempt", inst.ReconnectAttempts))
	})
}
