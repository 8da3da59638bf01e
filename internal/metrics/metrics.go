package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborjobs_worker_cycles_total",
			Help: "Total number of worker cycles by trigger.",
		},
		[]string{"trigger"}, // tick, nudge, manual
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborjobs_worker_cycle_duration_seconds",
			Help:    "Wall-clock duration of one worker cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborjobs_jobs_total",
			Help: "Total number of job outcomes by type and outcome.",
		},
		[]string{"type", "outcome"}, // claimed, completed, retried, failed, throttled
	)

	JobsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborjobs_jobs_timed_out_total",
			Help: "Total number of running jobs failed by timeout detection.",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborjobs_job_duration_seconds",
			Help:    "Handler execution time by job type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		},
		[]string{"type"},
	)

	BatchItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborjobs_batch_items_total",
			Help: "Total number of batch items resolved by mode and status.",
		},
		[]string{"mode", "status"},
	)

	BulkCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborjobs_bulk_calls_total",
			Help: "Total number of bulk HTTP calls by status class.",
		},
		[]string{"status_class"}, // 2xx, 4xx, 5xx, error
	)

	IndividualCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborjobs_individual_calls_total",
			Help: "Total number of single action invocations by result.",
		},
		[]string{"result"}, // success, failure, exception
	)

	RateLimitWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborjobs_rate_limit_waits_total",
			Help: "Total number of times a call waited for a rate-limit reset.",
		},
	)

	RateLimitWaitSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborjobs_rate_limit_wait_seconds_total",
			Help: "Total time spent waiting for rate-limit resets.",
		},
	)

	MappingUnresolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborjobs_bulk_mapping_unresolved_total",
			Help: "Total number of bulk chunks whose response could not be mapped to items.",
		},
	)

	NudgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborjobs_cycle_nudges_total",
			Help: "Total number of cycle nudges by event.",
		},
		[]string{"event"}, // published, received, coalesced
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		CyclesTotal, CycleDuration, JobsTotal, JobsTimedOutTotal, JobDuration,
		BatchItemsTotal, BulkCallsTotal, IndividualCallsTotal,
		RateLimitWaitsTotal, RateLimitWaitSeconds, MappingUnresolvedTotal, NudgesTotal,
	)
}

// RecordCycle records one finished worker cycle.
func RecordCycle(trigger string, d time.Duration, timedOut int64) {
	CyclesTotal.WithLabelValues(trigger).Inc()
	CycleDuration.Observe(d.Seconds())
	if timedOut > 0 {
		JobsTimedOutTotal.Add(float64(timedOut))
	}
}

// RecordJob records a job outcome. Pass a zero duration for outcomes that
// did not run the handler.
func RecordJob(jobType, outcome string, d time.Duration) {
	JobsTotal.WithLabelValues(jobType, outcome).Inc()
	if d > 0 {
		JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
	}
}

func RecordBatchItems(mode, status string, n int) {
	if n <= 0 {
		return
	}
	BatchItemsTotal.WithLabelValues(mode, status).Add(float64(n))
}

// RecordBulkCall classifies an HTTP status; 0 means the request failed
// before a response arrived.
func RecordBulkCall(status int) {
	BulkCallsTotal.WithLabelValues(statusClass(status)).Inc()
}

func RecordIndividualCall(result string) {
	IndividualCallsTotal.WithLabelValues(result).Inc()
}

func RecordRateLimitWait(d time.Duration) {
	if d <= 0 {
		return
	}
	RateLimitWaitsTotal.Inc()
	RateLimitWaitSeconds.Add(d.Seconds())
}

func RecordMappingUnresolved() {
	MappingUnresolvedTotal.Inc()
}

func RecordNudge(event string) {
	NudgesTotal.WithLabelValues(event).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "error"
	}
}
