package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

// Package metrics keeps process-local time series (gauges and counters) in a
// tstorage partition under the application workdir. It is a thin convenience
// layer; callers never deal with the storage engine directly.

var (
	mu       sync.Mutex
	storage  tstorage.Storage
	counters = make(map[string]int64)
)

// InitMetrics opens the metrics storage under workdir. Must be called once
// before any SetGauge/IncrCounter.
func InitMetrics(workdir string) error {
	mu.Lock()
	defer mu.Unlock()
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithPartitionDuration(6*time.Hour),
	)
	if err != nil {
		return err
	}
	storage = s
	return nil
}

// SetGauge records an instantaneous value for the named metric.
func SetGauge(name string, value int64) {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
		},
	})
}

// IncrCounter adds delta to a monotonically increasing counter and records
// the running total as a data point.
func IncrCounter(name string, delta int64) {
	mu.Lock()
	defer mu.Unlock()
	counters[name] += delta
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(counters[name])},
		},
	})
}

// CounterValue returns the current running total for a counter.
func CounterValue(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	return counters[name]
}

// Query returns the raw data points for a metric in [start, end].
func Query(name string, start, end int64) ([]*tstorage.DataPoint, error) {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil, nil
	}
	return storage.Select(name, nil, start, end)
}

// Close flushes and closes the metrics storage.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
