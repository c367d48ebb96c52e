package reconcile

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/waxline/waxline/config"
	"github.com/waxline/waxline/internal/conn"
	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/runtime"
	"github.com/waxline/waxline/internal/stability"
	"github.com/waxline/waxline/internal/store"
	"github.com/waxline/waxline/pkg/metrics"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Live               int       `json:"live"`
	Tracked            int       `json:"tracked"`
	Adopted            int       `json:"adopted"`
	MarkedDisconnected int       `json:"marked_disconnected"`
	ReconnectsIssued   int       `json:"reconnects_issued"`
	Skipped            bool      `json:"skipped"`
	StartedAt          time.Time `json:"started_at"`
	Duration           string    `json:"duration"`
}

// Service periodically diffs the runtime's live session list against the
// store: live sessions without a record get adopted, records without a live
// session get marked disconnected, and eligible disconnected records get a
// bulk reconnect push. Every pass answers to the stability controller.
type Service struct {
	cfg     config.ReconcileConfig
	store   store.InstanceStore
	client  runtime.Client
	rec     *conn.Reconnector
	stab    *stability.Controller
	node    *snowflake.Node
	running int32
	stopped chan struct{}
	lastMu  sync.Mutex
	last    Report
}

func NewService(cfg config.ReconcileConfig, st store.InstanceStore, client runtime.Client,
	rec *conn.Reconnector, stab *stability.Controller, node *snowflake.Node) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = 10
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		client:  client,
		rec:     rec,
		stab:    stab,
		node:    node,
		stopped: make(chan struct{}),
	}
}

func (s *Service) Start() {
	zap.L().Info("reconcile service started", zap.Duration("interval", s.cfg.Interval))
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopped:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
				s.RunOnce(ctx)
				cancel()
			}
		}
	}()
}

func (s *Service) Stop() {
	close(s.stopped)
	zap.L().Info("reconcile service stopped")
}

// LastReport returns the report of the most recent pass.
func (s *Service) LastReport() Report {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// RunOnce executes a single reconciliation pass. Passes never overlap; a
// pass that finds another one still running returns a skipped report.
// The named return lets the deferred block stamp Duration on the report
// the caller receives, not just on LastReport.
func (s *Service) RunOnce(ctx context.Context) (rpt Report) {
	rpt = Report{StartedAt: time.Now(), Skipped: true}
	defer func() {
		if ret := recover(); ret != nil {
			zap.L().Error("reconcile panic", zap.Any("panic", ret))
		}
		rpt.Duration = time.Since(rpt.StartedAt).String()
		s.lastMu.Lock()
		s.last = rpt
		s.lastMu.Unlock()
	}()

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		zap.L().Warn("reconcile already running, pass skipped")
		return rpt
	}
	defer atomic.StoreInt32(&s.running, 0)

	if !s.stab.Allow(stability.OpReconcile) {
		zap.L().Debug("reconcile gated by stability controller")
		return rpt
	}
	rpt.Skipped = false
	metrics.IncrCounter(metrics.CtReconcileRun, 1)

	live, err := s.client.ListInstances(ctx)
	if err != nil {
		s.stab.Report(stability.OpReconcile, false, err)
		zap.L().Warn("reconcile: runtime list failed", zap.Error(err))
		return rpt
	}
	s.stab.Report(stability.OpReconcile, true, nil)
	rpt.Live = len(live)

	tracked, err := s.store.ListActive(ctx)
	if err != nil {
		zap.L().Error("reconcile: store list failed", zap.Error(err))
		return rpt
	}
	rpt.Tracked = len(tracked)

	byRuntimeID := make(map[string]*domain.Instance, len(tracked))
	for _, inst := range tracked {
		if inst.RuntimeID != "" {
			byRuntimeID[inst.RuntimeID] = inst
		}
		byRuntimeID[inst.ID] = inst
	}

	liveIDs := make(map[string]bool, len(live))
	for _, remote := range live {
		liveIDs[remote.ID] = true
		if _, known := byRuntimeID[remote.ID]; !known {
			if s.adopt(ctx, remote) {
				rpt.Adopted++
			}
		}
	}

	connected := 0
	for _, inst := range tracked {
		if inst.IsConnected() {
			connected++
		}
		if liveIDs[inst.RuntimeID] || liveIDs[inst.ID] {
			continue
		}
		if inst.ConnectionState == domain.StateDisconnected ||
			inst.ConnectionState == domain.StateIdle || inst.IsTerminal() {
			continue
		}
		if s.markVanished(ctx, inst) {
			rpt.MarkedDisconnected++
		}
	}
	metrics.SetGauge(metrics.InstancesConnected, int64(connected))
	metrics.SetGauge(metrics.InstancesDisconnected, int64(rpt.Tracked-connected))

	rpt.ReconnectsIssued = s.bulkReconnect(ctx)

	zap.L().Info("reconcile pass done",
		zap.Int("live", rpt.Live),
		zap.Int("tracked", rpt.Tracked),
		zap.Int("adopted", rpt.Adopted),
		zap.Int("marked_disconnected", rpt.MarkedDisconnected),
		zap.Int("reconnects_issued", rpt.ReconnectsIssued))
	return rpt
}

// adopt creates a local record for a session that is live in the runtime
// but unknown to the store.
func (s *Service) adopt(ctx context.Context, remote runtime.RemoteInstance) bool {
	name := remote.Name
	if name == "" {
		name = remote.ID
	}
	inst := &domain.Instance{
		ID:              s.node.Generate().String(),
		RuntimeID:       remote.ID,
		Name:            name,
		ConnectionState: mapRemoteStatus(remote.Status),
	}
	if remote.Phone != "" {
		inst.Phone = &remote.Phone
	}
	if remote.ProfileName != "" {
		inst.ProfileName = &remote.ProfileName
	}
	if inst.ConnectionState == domain.StateConnected {
		now := time.Now()
		inst.ConnectedAt = &now
	}
	if err := s.store.Create(ctx, inst); err != nil {
		zap.L().Error("reconcile: adopt failed",
			zap.String("runtime_id", remote.ID), zap.Error(err))
		return false
	}
	metrics.IncrCounter(metrics.CtOrphanAdopted, 1)
	zap.L().Info("orphan session adopted",
		zap.String("instance_id", inst.ID),
		zap.String("runtime_id", remote.ID),
		zap.String("state", inst.ConnectionState))
	return true
}

func (s *Service) markVanished(ctx context.Context, inst *domain.Instance) bool {
	now := time.Now()
	err := s.store.Update(ctx, inst.ID, map[string]interface{}{
		"connection_state": domain.StateDisconnected,
		"disconnected_at":  now,
		"pairing_payload":  nil,
	}, inst.Version)
	if errors.Is(err, store.ErrVersionConflict) {
		// A webhook got there first; its word is newer than our diff.
		return false
	}
	if err != nil {
		zap.L().Error("reconcile: mark vanished failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return false
	}
	zap.L().Info("vanished session marked disconnected", zap.String("instance_id", inst.ID))
	return true
}

// bulkReconnect pushes every eligible disconnected instance through the
// reconnection controller, bounded by a worker pool.
func (s *Service) bulkReconnect(ctx context.Context) int {
	if !s.stab.Allow(stability.OpSync) {
		zap.L().Debug("bulk reconnect gated by stability controller")
		return 0
	}
	disconnected, err := s.store.ListByState(ctx, domain.StateDisconnected)
	if err != nil {
		s.stab.Report(stability.OpSync, false, err)
		zap.L().Error("reconcile: disconnected list failed", zap.Error(err))
		return 0
	}

	pool, err := ants.NewPool(s.cfg.BulkWorkers)
	if err != nil {
		s.stab.Report(stability.OpSync, false, err)
		return 0
	}
	defer pool.Release()

	var wg sync.WaitGroup
	issued := 0
	for _, inst := range disconnected {
		if inst.IntentionalDisconnect {
			continue
		}
		id := inst.ID
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			s.rec.OnDisconnect(ctx, id, "reconcile_recover", "")
		})
		if submitErr != nil {
			wg.Done()
			continue
		}
		issued++
	}
	wg.Wait()

	s.stab.Report(stability.OpSync, true, nil)
	return issued
}

// mapRemoteStatus converts the runtime's reported status into a local
// connection state. Unrecognized statuses land in connecting, the most
// conservative adoptable state.
func mapRemoteStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "connected", "ready", "online":
		return domain.StateConnected
	case "qr", "qr_pending", "pairing":
		return domain.StateQRPending
	case "close", "closed", "disconnected", "offline":
		return domain.StateDisconnected
	default:
		return domain.StateConnecting
	}
}
