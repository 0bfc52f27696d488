package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for a single run, grounded on the control
// plane's package-level promauto vars. A testbed run is a single process
// with a bounded task set, so these are registered once at package init
// and labeled by task id rather than namespaced per run.
var (
	deadlineEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsched_deadline_events_total",
		Help: "Total number of period/deadline events observed per task",
	}, []string{"task_id"})

	deadlineMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsched_deadline_misses_total",
		Help: "Total number of missed deadlines per task",
	}, []string{"task_id"})

	scheduleOverheadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtsched_schedule_overhead_seconds",
		Help:    "Wall-clock duration of one scheduling-loop iteration",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // 10µs to ~20ms
	})

	scheduleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtsched_schedule_events_total",
		Help: "Total number of scheduling events processed by the coordinator",
	})

	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsched_dispatches_total",
		Help: "Total number of dispatch (resumption) events per task",
	}, []string{"task_id"})
)

// RecordScheduleOverhead observes one scheduling-loop iteration's
// wall-clock duration.
func RecordScheduleOverhead(d time.Duration) {
	scheduleOverheadSeconds.Observe(d.Seconds())
	scheduleEventsTotal.Inc()
}
