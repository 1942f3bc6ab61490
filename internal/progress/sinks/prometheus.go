package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitecloner/internal/progress"
)

// PrometheusSink exports job lifecycle metrics via Prometheus. It owns the
// collectors for jobs submitted/started/completed and the running/paused gauges.
type PrometheusSink struct {
	jobsSubmitted prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobsPaused    prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	jobPages      prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloner_jobs_submitted_total",
			Help: "Total clone jobs accepted for processing.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloner_jobs_started_total",
			Help: "Total clone jobs claimed by a worker.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloner_jobs_completed_total",
			Help: "Total clone jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloner_jobs_running",
			Help: "Current number of processing jobs.",
		}),
		jobsPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloner_jobs_paused",
			Help: "Current number of paused jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloner_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		jobPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloner_job_pages",
			Help:    "Pages cloned per successful job.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobsPaused,
		s.jobRuntime,
		s.jobPages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobSubmitted:
		s.jobsSubmitted.Inc()
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		s.shift(s.tracker.move(evt.JobID, stateRunning), wasRunning)
	case progress.StageJobPaused:
		s.shift(s.tracker.move(evt.JobID, statePaused), wasPaused)
	case progress.StageJobResumed:
		s.shift(s.tracker.move(evt.JobID, stateRunning), wasRunning)
	case progress.StageJobDone:
		s.finish(evt, "success")
		s.jobPages.Observe(float64(evt.Pages))
	case progress.StageJobError:
		s.finish(evt, "error")
	}
}

// shift moves one job between the running and paused gauges.
func (s *PrometheusSink) shift(prev, next int) {
	if prev == next {
		return
	}
	s.gauge(prev, -1)
	s.gauge(next, 1)
}

func (s *PrometheusSink) gauge(state int, delta float64) {
	switch state {
	case wasRunning:
		s.jobsRunning.Add(delta)
	case wasPaused:
		s.jobsPaused.Add(delta)
	}
}

func (s *PrometheusSink) finish(evt progress.Event, label string) {
	s.jobsCompleted.WithLabelValues(label).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
	s.gauge(s.tracker.remove(evt.JobID), -1)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type trackedState int

const (
	stateRunning trackedState = iota + 1
	statePaused
)

// Previous-state results returned by jobTracker.
const (
	wasUnknown = iota
	wasRunning
	wasPaused
)

type jobTracker struct {
	mu    sync.Mutex
	state map[string]trackedState
}

func newJobTracker() *jobTracker {
	return &jobTracker{state: make(map[string]trackedState)}
}

// move records the new state and reports the previous one.
func (t *jobTracker) move(id string, next trackedState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state[id]
	t.state[id] = next
	return previous(prev)
}

func (t *jobTracker) remove(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.state[id]
	if !ok {
		return wasUnknown
	}
	delete(t.state, id)
	return previous(prev)
}

func previous(s trackedState) int {
	switch s {
	case stateRunning:
		return wasRunning
	case statePaused:
		return wasPaused
	default:
		return wasUnknown
	}
}
