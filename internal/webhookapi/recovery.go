package webhookapi

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/waxline/waxline/pkg/metrics"
)

func (s *Server) getRecoveryStatus(c echo.Context) error {
	return ok(c, echo.Map{
		"controls":       s.stab.Snapshots(),
		"last_reconcile": s.recsvc.LastReport(),
		"system":         latestGauges(),
		"counters": echo.Map{
			"events_received":    metrics.CounterValue(metrics.CtEventReceived),
			"event_anomalies":    metrics.CounterValue(metrics.CtEventAnomaly),
			"reconnect_attempts": metrics.CounterValue(metrics.CtReconnectAttempt),
			"reconnect_failures": metrics.CounterValue(metrics.CtReconnectFailure),
			"reconcile_runs":     metrics.CounterValue(metrics.CtReconcileRun),
			"orphans_adopted":    metrics.CounterValue(metrics.CtOrphanAdopted),
		},
	})
}

// latestGauges pulls the most recent sample of each system gauge from the
// metrics store. Gauges with no samples yet are simply absent.
func latestGauges() echo.Map {
	now := time.Now().Unix()
	out := echo.Map{}
	for key, name := range map[string]string{
		"cpu_usage":              metrics.SystemCpuUsage,
		"mem_usage_mb":           metrics.SystemMemUsage,
		"disk_usage":             metrics.SystemDiskUsage,
		"instances_connected":    metrics.InstancesConnected,
		"instances_disconnected": metrics.InstancesDisconnected,
	} {
		pts, err := metrics.Query(name, now-3600, now)
		if err != nil || len(pts) == 0 {
			continue
		}
		out[key] = pts[len(pts)-1].Value
	}
	return out
}

// postRecoveryReset clears every stability block. Operator escape hatch for
// when the runtime is known to be back before the backoff windows expire.
func (s *Server) postRecoveryReset(c echo.Context) error {
	s.stab.Reset()
	zap.L().Warn("recovery controls reset via api", zap.String("remote", c.RealIP()))
	return ok(c, echo.Map{"reset": true})
}
