package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "markovtune"

var (
	// IngestTotal counts feedback intake outcomes.
	// Labels: result (created, duplicate, unknown_type, invalid, error)
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "total",
		Help:      "Feedback events received by outcome",
	}, []string{"result"})

	// RunsTotal counts fine-tuning runs.
	// Labels: trigger (periodic, manual, collection), status (applied, aborted, skipped, conflict)
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tuner",
		Name:      "runs_total",
		Help:      "Fine-tuning runs by trigger and final status",
	}, []string{"trigger", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tuner",
		Name:      "run_duration_seconds",
		Help:      "Wall time of fine-tuning runs",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"status"})

	DriftScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tuner",
		Name:      "drift_score",
		Help:      "Drift score of committed candidates against their parent",
		Buckets:   []float64{0, 0.01, 0.02, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 0.75, 1},
	})

	// DeltasDropped counts deltas discarded during a run.
	// Labels: reason (validator, normalization)
	DeltasDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tuner",
		Name:      "deltas_dropped_total",
		Help:      "Transition deltas dropped before commit",
	}, []string{"reason"})

	EventsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tuner",
		Name:      "events_consumed_total",
		Help:      "Feedback events consumed by applied runs",
	})

	ActiveVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "versions",
		Name:      "active",
		Help:      "Id of the version currently served",
	})

	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "pending_events",
		Help:      "Unconsumed feedback events at the last collection",
	})

	// PromotionsTotal counts promotion event deliveries.
	// Labels: result (published, failed)
	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "versions",
		Name:      "promotions_total",
		Help:      "Promotion events emitted to external collaborators",
	}, []string{"result"})
)

// HTTPRequestDuration is recorded by the API metrics middleware.
// Labels: method, route (chi pattern), status
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by route",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})
