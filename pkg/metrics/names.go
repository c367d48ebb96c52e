package metrics

// Metric names. Counters carry the ct_ prefix, gauges the system/instance
// prefix of the thing they sample.
const (
	CtEventReceived    = "ct_event_received"
	CtEventAnomaly     = "ct_event_anomaly"
	CtReconnectAttempt = "ct_reconnect_attempt"
	CtReconnectFailure = "ct_reconnect_failure"
	CtReconcileRun     = "ct_reconcile_run"
	CtOrphanAdopted    = "ct_orphan_adopted"
	CtMediaResolved    = "ct_media_resolved"
	CtMediaUnavailable = "ct_media_unavailable"

	SystemCpuUsage  = "system_cpuusage"
	SystemMemUsage  = "system_memusage"
	SystemDiskUsage = "system_diskusage"

	InstancesConnected    = "instances_connected"
	InstancesDisconnected = "instances_disconnected"
)
