package ingest

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/waxline/waxline/internal/conn"
	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/store"
	"github.com/waxline/waxline/pkg/metrics"
)

// TopicInstanceState is published on the process bus after every applied
// transition, as (instanceID, newState).
const TopicInstanceState = "instance.state"

// Ingestor applies inbound runtime events to the instance store. Apply never
// returns an error: inbound events are untrusted, and one bad event must not
// take down the receiver or block the events behind it.
type Ingestor struct {
	store       store.InstanceStore
	registry    *conn.Registry
	reconnector *conn.Reconnector
	bus         EventBus.Bus
}

func NewIngestor(st store.InstanceStore, reg *conn.Registry, rec *conn.Reconnector, bus EventBus.Bus) *Ingestor {
	return &Ingestor{store: st, registry: reg, reconnector: rec, bus: bus}
}

// Apply processes one webhook event. All failures are logged and swallowed.
func (ig *Ingestor) Apply(ctx context.Context, ev Event) {
	defer func() {
		if ret := recover(); ret != nil {
			zap.L().Error("event apply panic",
				zap.String("event", ev.Type),
				zap.String("instance_id", ev.InstanceID),
				zap.Any("panic", ret))
		}
	}()

	typ, ok := NormalizeEventType(ev.Type)
	if !ok {
		metrics.IncrCounter(metrics.CtEventAnomaly, 1)
		zap.L().Warn("unknown event type dropped",
			zap.String("event", ev.Type),
			zap.String("instance_id", ev.InstanceID))
		return
	}
	if ev.InstanceID == "" {
		metrics.IncrCounter(metrics.CtEventAnomaly, 1)
		zap.L().Warn("event without instance id dropped", zap.String("event", typ))
		return
	}
	metrics.IncrCounter(metrics.CtEventReceived, 1)

	ig.registry.WithLock(ev.InstanceID, func() {
		ig.applyLocked(ctx, typ, ev)
	})
}

func (ig *Ingestor) applyLocked(ctx context.Context, typ string, ev Event) {
	inst := ig.lookup(ctx, ev.InstanceID)
	if inst == nil {
		// Record does not exist yet; reconciliation adopts it later.
		zap.L().Debug("event for unknown instance ignored",
			zap.String("event", typ),
			zap.String("instance_id", ev.InstanceID))
		return
	}

	now := time.Now()
	var target string
	fields := map[string]interface{}{}

	switch typ {
	case EvQRUpdate:
		var p qrPayload
		decodePayload(ev.Data, &p)
		target = domain.StateQRPending
		fields["pairing_payload"] = p.payload()

	case EvAuthenticated:
		target = domain.StateAuthenticated
		fields["pairing_payload"] = nil

	case EvReady:
		var p readyPayload
		decodePayload(ev.Data, &p)
		target = domain.StateConnected
		fields["pairing_payload"] = nil
		fields["reconnect_attempts"] = 0
		fields["intentional_disconnect"] = false
		if inst.ConnectionState != domain.StateConnected || inst.ConnectedAt == nil {
			fields["connected_at"] = now
		}
		// Merge only what the event actually carries.
		if p.Phone != "" {
			fields["phone"] = p.Phone
		}
		if name := p.displayName(); name != "" {
			fields["profile_name"] = name
		}
		if p.AvatarURL != "" {
			fields["avatar_ref"] = p.AvatarURL
		}

	case EvDisconnected:
		target = domain.StateDisconnected
		fields["pairing_payload"] = nil
		fields["disconnected_at"] = now

	case EvAuthFailure:
		target = domain.StateAuthFailed
		fields["pairing_payload"] = nil

	case EvInstanceCreated:
		if inst.ConnectionState == domain.StateConnecting {
			return
		}
		target = domain.StateConnecting
		fields["pairing_payload"] = nil
		fields["connected_at"] = nil

	case EvInstanceDestroyed:
		// Soft delete: the record survives, the session is gone.
		target = domain.StateDisconnected
		fields["pairing_payload"] = nil
		fields["disconnected_at"] = now
		ig.registry.Cancel(inst.ID)

	default:
		return
	}

	fields["connection_state"] = target
	if !ig.writeTransition(ctx, inst, typ, target, fields) {
		return
	}

	if ig.bus != nil {
		ig.bus.Publish(TopicInstanceState, inst.ID, target)
	}

	if typ == EvDisconnected {
		var p disconnectedPayload
		decodePayload(ev.Data, &p)
		ig.reconnector.OnDisconnect(ctx, inst.ID, p.Reason, p.Message)
	}
}

// writeTransition validates the state machine and performs a conditional
// write, retrying once if a concurrent writer bumped the version between
// our read and write.
func (ig *Ingestor) writeTransition(ctx context.Context, inst *domain.Instance, typ, target string, fields map[string]interface{}) bool {
	for try := 0; try < 2; try++ {
		if !domain.CanTransition(inst.ConnectionState, target) {
			metrics.IncrCounter(metrics.CtEventAnomaly, 1)
			zap.L().Warn("transition rejected",
				zap.String("instance_id", inst.ID),
				zap.String("event", typ),
				zap.String("from", inst.ConnectionState),
				zap.String("to", target))
			return false
		}
		err := ig.store.Update(ctx, inst.ID, fields, inst.Version)
		if err == nil {
			zap.L().Info("instance transition",
				zap.String("instance_id", inst.ID),
				zap.String("event", typ),
				zap.String("from", inst.ConnectionState),
				zap.String("to", target))
			return true
		}
		if errors.Is(err, store.ErrVersionConflict) {
			fresh, gerr := ig.store.Get(ctx, inst.ID)
			if gerr != nil {
				zap.L().Warn("instance vanished during transition",
					zap.String("instance_id", inst.ID), zap.Error(gerr))
				return false
			}
			inst = fresh
			continue
		}
		zap.L().Error("transition write failed",
			zap.String("instance_id", inst.ID),
			zap.String("event", typ),
			zap.Error(err))
		return false
	}
	zap.L().Warn("transition abandoned after version conflicts",
		zap.String("instance_id", inst.ID), zap.String("event", typ))
	return false
}

func (ig *Ingestor) lookup(ctx context.Context, id string) *domain.Instance {
	inst, err := ig.store.Get(ctx, id)
	if err == nil {
		return inst
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		zap.L().Error("instance lookup failed", zap.String("instance_id", id), zap.Error(err))
		return nil
	}
	inst, err = ig.store.GetByRuntimeID(ctx, id)
	if err == nil {
		return inst
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		zap.L().Error("instance lookup failed", zap.String("runtime_id", id), zap.Error(err))
	}
	return nil
}
