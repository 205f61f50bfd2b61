// Package metrics provides Prometheus metrics export for the collaboration service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

var (
	enabled         bool
	enabledMutex    sync.RWMutex
	defaultRegistry *Registry
)

// Init initializes the metrics system.
func Init() {
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	enabled = true
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
}

// Enabled returns true if metrics are enabled.
func Enabled() bool {
	enabledMutex.RLock()
	defer enabledMutex.RUnlock()
	return enabled
}

// Default returns the default metrics registry.
func Default() *Registry {
	enabledMutex.RLock()
	r := defaultRegistry
	enabledMutex.RUnlock()
	if r == nil {
		Init()
		return Default()
	}
	return r
}

// Registry holds all collaboration metrics. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg *prometheus.Registry

	changesAccepted prometheus.Counter
	changesRejected *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	flushedRecords  prometheus.Counter
	flushDuration   prometheus.Histogram
	activeSessions  prometheus.Gauge
	bufferedRecords prometheus.Gauge
	lockConflicts   prometheus.Counter
	remoteIngested  prometheus.Counter
}

// NewRegistry creates a new metrics registry with its own collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		changesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_accepted_total",
			Help:      "Changes accepted by the versioned applier.",
		}),
		changesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_rejected_total",
			Help:      "Changes rejected, by error code.",
		}, []string{"code"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Buffer flushes, by result.",
		}, []string{"result"}),
		flushedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_records_total",
			Help:      "Change records persisted to the durable store.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of buffer flushes.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently active on this instance.",
		}),
		bufferedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_records",
			Help:      "Accepted change records not yet persisted.",
		}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Lock acquisitions refused because another user holds the lease.",
		}),
		remoteIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_changes_ingested_total",
			Help:      "Changes committed by other instances and replayed locally.",
		}),
	}

	r.reg.MustRegister(
		r.changesAccepted,
		r.changesRejected,
		r.flushes,
		r.flushedRecords,
		r.flushDuration,
		r.activeSessions,
		r.bufferedRecords,
		r.lockConflicts,
		r.remoteIngested,
		prometheus.NewGoCollector(),
	)
	return r
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordChangeAccepted records an accepted change.
func (r *Registry) RecordChangeAccepted() {
	if r == nil {
		return
	}
	r.changesAccepted.Inc()
}

// RecordChangeRejected records a rejected change with its error code.
func (r *Registry) RecordChangeRejected(code string) {
	if r == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	r.changesRejected.WithLabelValues(code).Inc()
}

// RecordFlush records a buffer flush.
func (r *Registry) RecordFlush(success bool, records int, duration time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	r.flushes.WithLabelValues(result).Inc()
	r.flushDuration.Observe(duration.Seconds())
	if success {
		r.flushedRecords.Add(float64(records))
	}
}

// SessionStarted increments the active session gauge.
func (r *Registry) SessionStarted() {
	if r == nil {
		return
	}
	r.activeSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (r *Registry) SessionEnded() {
	if r == nil {
		return
	}
	r.activeSessions.Dec()
}

// AddBuffered adjusts the buffered record gauge by delta.
func (r *Registry) AddBuffered(delta int) {
	if r == nil {
		return
	}
	r.bufferedRecords.Add(float64(delta))
}

// RecordLockConflict records a refused lock acquisition.
func (r *Registry) RecordLockConflict() {
	if r == nil {
		return
	}
	r.lockConflicts.Inc()
}

// RecordRemoteIngested records a change replayed from another instance.
func (r *Registry) RecordRemoteIngested() {
	if r == nil {
		return
	}
	r.remoteIngested.Inc()
}
