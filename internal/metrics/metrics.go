// Package metrics holds the Prometheus metrics of the storage engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rboxmail/rbox/internal/objstore"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all storage engine metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Write path
	ChunksWritten prometheus.Counter // rbox_chunks_written_total
	BytesWritten  prometheus.Counter // rbox_bytes_written_total
	WriteFailures prometheus.Counter // rbox_write_failures_total

	// Copy/move
	Copies *prometheus.CounterVec // rbox_copies_total{mode,status}

	// Namespaces
	NamespacesCreated prometheus.Counter // rbox_namespaces_created_total

	// Rebuild
	RebuildRuns      *prometheus.CounterVec // rbox_rebuild_runs_total{mode}
	RebuildRecovered *prometheus.CounterVec // rbox_rebuild_recovered_total{mode}
	RebuildSkipped   prometheus.Counter     // rbox_rebuild_skipped_total

	// Sync/expunge
	Reconciled *prometheus.CounterVec // rbox_reconciled_total{kind,status}
	Retries    *prometheus.CounterVec // rbox_retries_total{operation}

	OperationDuration *prometheus.HistogramVec // rbox_operation_duration_seconds{operation}
}

// Init registers all metrics with registry. Metrics are only registered
// once; subsequent calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		factory := promauto.With(registry)
		metricsInstance = &Metrics{
			ChunksWritten: factory.NewCounter(prometheus.CounterOpts{
				Name: "rbox_chunks_written_total",
				Help: "Chunk write operations submitted",
			}),
			BytesWritten: factory.NewCounter(prometheus.CounterOpts{
				Name: "rbox_bytes_written_total",
				Help: "Payload bytes submitted for writing",
			}),
			WriteFailures: factory.NewCounter(prometheus.CounterOpts{
				Name: "rbox_write_failures_total",
				Help: "Record writes with at least one failed operation",
			}),
			Copies: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "rbox_copies_total",
				Help: "Copy and move operations by mode and status",
			}, []string{"mode", "status"}),
			NamespacesCreated: factory.NewCounter(prometheus.CounterOpts{
				Name: "rbox_namespaces_created_total",
				Help: "Tenant namespace mappings created",
			}),
			RebuildRuns: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "rbox_rebuild_runs_total",
				Help: "Index rebuilds by the scan mode that produced the result",
			}, []string{"mode"}),
			RebuildRecovered: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "rbox_rebuild_recovered_total",
				Help: "Records appended to the index by rebuild",
			}, []string{"mode"}),
			RebuildSkipped: factory.NewCounter(prometheus.CounterOpts{
				Name: "rbox_rebuild_skipped_total",
				Help: "Objects skipped by rebuild because of invalid metadata",
			}),
			Reconciled: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "rbox_reconciled_total",
				Help: "Deferred expunges and migrations by kind and status",
			}, []string{"kind", "status"}),
			Retries: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "rbox_retries_total",
				Help: "Retried store operations",
			}, []string{"operation"}),
			OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rbox_operation_duration_seconds",
				Help:    "Storage engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
		}

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rbox_outstanding_completions",
			Help: "Asynchronous operations not yet released",
		}, func() float64 { return float64(objstore.Outstanding()) })
	})
	return metricsInstance
}

// Get returns the singleton instance, or nil before Init.
func Get() *Metrics {
	return metricsInstance
}

// RecordChunks records one record write.
func (m *Metrics) RecordChunks(chunks int, bytes int) {
	if m == nil {
		return
	}
	m.ChunksWritten.Add(float64(chunks))
	m.BytesWritten.Add(float64(bytes))
}

// RecordWriteFailure counts a failed record write.
func (m *Metrics) RecordWriteFailure() {
	if m == nil {
		return
	}
	m.WriteFailures.Inc()
}

// RecordCopy counts one copy or move.
func (m *Metrics) RecordCopy(mode string, err error) {
	if m == nil {
		return
	}
	m.Copies.WithLabelValues(mode, status(err)).Inc()
}

// RecordNamespaceCreated counts a new tenant mapping.
func (m *Metrics) RecordNamespaceCreated() {
	if m == nil {
		return
	}
	m.NamespacesCreated.Inc()
}

// RecordRebuild records one finished rebuild.
func (m *Metrics) RecordRebuild(mode string, recovered, skipped int) {
	if m == nil {
		return
	}
	m.RebuildRuns.WithLabelValues(mode).Inc()
	m.RebuildRecovered.WithLabelValues(mode).Add(float64(recovered))
	m.RebuildSkipped.Add(float64(skipped))
}

// RecordReconciled counts one applied expunge or migration.
func (m *Metrics) RecordReconciled(kind string, err error) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(kind, status(err)).Inc()
}

// RecordRetry counts one retry of operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

// ObserveDuration records the time elapsed since start.
func (m *Metrics) ObserveDuration(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
