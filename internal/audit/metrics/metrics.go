package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit module.
type Metrics struct {
	EventsRecorded     *prometheus.CounterVec
	RecordFailures     *prometheus.CounterVec
	AccessDenied       prometheus.Counter
	OperationDuration  *prometheus.HistogramVec
	ExportBytes        *prometheus.CounterVec
	RetentionPurged    *prometheus.CounterVec
	RetentionFailures  prometheus.Counter
	RetentionPassTotal prometheus.Counter
}

// New registers the audit metrics with reg, or the default registry when reg
// is nil. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carenotes_audit_events_recorded_total",
			Help: "Total number of audit events recorded",
		}, []string{"resource", "action"}),
		RecordFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carenotes_audit_record_failures_total",
			Help: "Total number of rejected or failed audit writes by error code",
		}, []string{"code"}),
		AccessDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "carenotes_audit_access_denied_total",
			Help: "Total number of cross-tenant audit reads refused",
		}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carenotes_audit_operation_duration_seconds",
			Help:    "Duration of audit service operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"operation"}),
		ExportBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carenotes_audit_export_bytes_total",
			Help: "Total bytes of completed audit exports",
		}, []string{"format"}),
		RetentionPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carenotes_audit_retention_purged_total",
			Help: "Total number of audit events removed by retention",
		}, []string{"category"}),
		RetentionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "carenotes_audit_retention_failures_total",
			Help: "Total number of (tenant, category) retention purges that rolled back",
		}),
		RetentionPassTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "carenotes_audit_retention_passes_total",
			Help: "Total number of retention passes started",
		}),
	}
}

func (m *Metrics) IncRecorded(resource, action string) {
	m.EventsRecorded.WithLabelValues(resource, action).Inc()
}

func (m *Metrics) IncRecordFailure(code string) {
	m.RecordFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) IncAccessDenied() {
	m.AccessDenied.Inc()
}

// Observe records the duration of operation. Call with time.Now() at the
// start of the operation.
func (m *Metrics) Observe(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddExportBytes(format string, n int) {
	m.ExportBytes.WithLabelValues(format).Add(float64(n))
}

func (m *Metrics) AddPurged(category string, n int64) {
	m.RetentionPurged.WithLabelValues(category).Add(float64(n))
}
