// Package opmetrics implements the operation metrics component (C11):
// an in-memory log of operation outcomes plus structured-event
// emission, with Prometheus counters/histograms mirroring the
// teacher's HistoryMetrics pattern
// (internal/infrastructure/repository/postgres_history.go).
package opmetrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openguard/guard/internal/guarderrors"
)

// Entry is one recorded operation, matching spec §4.10's tuple.
type Entry struct {
	OperationType string
	Status        string // "success" | "failure" | "cancelled"
	Duration      time.Duration
	ClusterID     string
	BatchID       string
	ErrorKind     guarderrors.Kind
	Metadata      map[string]string
	At            time.Time
}

// promMetrics is the set of Prometheus collectors registered once per
// process. promauto.With(reg) lets tests use an isolated registry
// instead of the global one.
type promMetrics struct {
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_operation_duration_seconds",
			Help:    "Duration of GUARD operations by type and outcome.",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"operation_type", "status"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_operation_total",
			Help: "Total GUARD operations by type and outcome.",
		}, []string{"operation_type", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_operation_errors_total",
			Help: "Total GUARD operation errors by type and classified kind.",
		}, []string{"operation_type", "error_kind"}),
	}
}

// Recorder aggregates operation outcomes in memory and mirrors them
// into Prometheus collectors and structured log events.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry

	prom   *promMetrics
	logger *slog.Logger
}

// New constructs a Recorder. Pass a dedicated prometheus.Registry in
// tests to avoid colliding with the global default registry across
// test runs.
func New(reg prometheus.Registerer, logger *slog.Logger) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{prom: newPromMetrics(reg), logger: logger}
}

// RecordAttempt is the lightweight path used by internal/retry: one
// attempt of an operation, outcome "success" or "failure", with err
// (nil on success) classified for the error_kind label.
func (r *Recorder) RecordAttempt(operationType, status string, duration time.Duration, err error) {
	kind := guarderrors.Unknown
	if err != nil {
		kind = guarderrors.Classify(err)
	}
	r.Record(Entry{
		OperationType: operationType,
		Status:        status,
		Duration:      duration,
		ErrorKind:     kind,
		At:            time.Now(),
	})
}

// Record appends a full Entry and updates the Prometheus collectors.
func (r *Recorder) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	r.prom.duration.WithLabelValues(e.OperationType, e.Status).Observe(e.Duration.Seconds())
	r.prom.outcomes.WithLabelValues(e.OperationType, e.Status).Inc()
	if e.Status != "success" {
		r.prom.errors.WithLabelValues(e.OperationType, string(e.ErrorKind)).Inc()
	}

	r.logger.Info("operation recorded",
		"operation_type", e.OperationType,
		"status", e.Status,
		"duration_seconds", e.Duration.Seconds(),
		"cluster_id", e.ClusterID,
		"batch_id", e.BatchID,
		"error_kind", e.ErrorKind,
	)
}

// Span is a timed-operation helper: open with StartSpan, defer Close
// (or call it directly), and the duration plus an auto-derived status
// are recorded.
type Span struct {
	recorder      *Recorder
	operationType string
	clusterID     string
	batchID       string
	start         time.Time
	status        string // explicit override, empty means auto-derive
}

// StartSpan opens a timed span for operationType.
func (r *Recorder) StartSpan(operationType, clusterID, batchID string) *Span {
	return &Span{recorder: r, operationType: operationType, clusterID: clusterID, batchID: batchID, start: time.Now()}
}

// MarkStatus overrides auto-derivation of status from the error
// passed to Close.
func (s *Span) MarkStatus(status string) { s.status = status }

// Close records the span's duration. If status was not explicitly set
// via MarkStatus, it is derived from err: nil -> "success", otherwise
// "failure" (or "cancelled" if err is context.Canceled's classified
// kind).
func (s *Span) Close(err error) {
	status := s.status
	kind := guarderrors.Unknown
	if err != nil {
		kind = guarderrors.Classify(err)
	}
	if status == "" {
		switch {
		case err == nil:
			status = "success"
		case kind == guarderrors.Fatal && err.Error() == "context canceled":
			status = "cancelled"
		default:
			status = "failure"
		}
	}

	s.recorder.Record(Entry{
		OperationType: s.operationType,
		Status:        status,
		Duration:      time.Since(s.start),
		ClusterID:     s.clusterID,
		BatchID:       s.batchID,
		ErrorKind:     kind,
	})
}

// Summary aggregates recorded entries, optionally filtered by
// operation type and/or batch.
type Summary struct {
	Count          int
	SuccessRate    float64
	AverageSeconds float64
	ErrorBreakdown map[guarderrors.Kind]int
}

// Aggregate computes a Summary over all entries matching operationType
// (empty string matches any) and batchID (empty string matches any).
func (r *Recorder) Aggregate(operationType, batchID string) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		count      int
		successes  int
		totalSec   float64
		breakdown  = make(map[guarderrors.Kind]int)
	)

	for _, e := range r.entries {
		if operationType != "" && e.OperationType != operationType {
			continue
		}
		if batchID != "" && e.BatchID != batchID {
			continue
		}
		count++
		totalSec += e.Duration.Seconds()
		if e.Status == "success" {
			successes++
		} else {
			breakdown[e.ErrorKind]++
		}
	}

	summary := Summary{Count: count, ErrorBreakdown: breakdown}
	if count > 0 {
		summary.SuccessRate = float64(successes) / float64(count)
		summary.AverageSeconds = totalSec / float64(count)
	}
	return summary
}
