// Package metrics records pipeline counters in Prometheus.
//
// All methods are safe to call on a nil *Recorder, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the collectors for one registry.
type Recorder struct {
	decisions       *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	sessions        prometheus.Gauge
	evictions       prometheus.Counter
	pruned          prometheus.Counter
	outputTruncated *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer for
// the process-wide /metrics endpoint or a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapthew_trigger_decisions_total",
				Help: "Trigger resolver decisions by event source and result",
			},
			[]string{"source", "result"},
		),
		jobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapthew_jobs_total",
				Help: "Processed jobs by source and status",
			},
			[]string{"source", "status"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mapthew_job_duration_seconds",
				Help:    "Wall time of one agent invocation",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"source"},
		),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "mapthew_sessions",
			Help: "Resident session workspaces",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "mapthew_session_evictions_total",
			Help: "Sessions evicted to stay under the session cap",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "mapthew_sessions_pruned_total",
			Help: "Sessions removed by the inactivity sweep",
		}),
		outputTruncated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapthew_output_truncated_total",
				Help: "Agent invocations whose captured output overflowed, by stream",
			},
			[]string{"stream"},
		),
	}
}

// ObserveDecision counts one resolver outcome ("queued" or "ignored").
func (r *Recorder) ObserveDecision(source, result string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(source, result).Inc()
}

// ObserveJob counts a finished job and its duration.
func (r *Recorder) ObserveJob(source string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.jobs.WithLabelValues(source, status).Inc()
	r.jobDuration.WithLabelValues(source).Observe(d.Seconds())
}

// SetSessions publishes the current session count.
func (r *Recorder) SetSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}

func (r *Recorder) IncEvictions() {
	if r == nil {
		return
	}
	r.evictions.Inc()
}

func (r *Recorder) AddPruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.pruned.Add(float64(n))
}

// IncTruncated counts an overflowing stream ("stdout" or "stderr").
func (r *Recorder) IncTruncated(stream string) {
	if r == nil {
		return
	}
	r.outputTruncated.WithLabelValues(stream).Inc()
}
