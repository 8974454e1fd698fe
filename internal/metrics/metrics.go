// Package metrics records scheduler and lane activity.
//
// Recorder is the narrow port used by internal/lane and internal/scheduler;
// Prometheus implements it on top of client_golang and Nop discards.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Activation outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomePanicked = "panicked"
)

// Recorder receives scheduler observations. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	Activation(lane, outcome string)
	ActivationDuration(lane string, d time.Duration)
	QueueDelay(lane string, d time.Duration)
	Backlog(lane string, n int)
	TimersPending(scheduler string, delta int)
}

type nop struct{}

func (nop) Activation(string, string)                {}
func (nop) ActivationDuration(string, time.Duration) {}
func (nop) QueueDelay(string, time.Duration)         {}
func (nop) Backlog(string, int)                      {}
func (nop) TimersPending(string, int)                {}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nop{} }

// Prometheus is a Recorder backed by Prometheus collectors.
type Prometheus struct {
	activations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	queueDelay    *prometheus.HistogramVec
	backlog       *prometheus.GaugeVec
	timersPending *prometheus.GaugeVec
}

// NewPrometheus creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanesched",
			Name:      "activations_total",
			Help:      "Activations handed to a lane, by outcome.",
		}, []string{"lane", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lanesched",
			Name:      "activation_seconds",
			Help:      "Time spent running an action on its lane.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"lane"}),
		queueDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lanesched",
			Name:      "queue_delay_seconds",
			Help:      "Time between lane submission and dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"lane"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lanesched",
			Name:      "lane_backlog",
			Help:      "Activations waiting for their lane.",
		}, []string{"lane"}),
		timersPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lanesched",
			Name:      "timers_pending",
			Help:      "Armed relative-delay timers that have not fired or been stopped.",
		}, []string{"scheduler"}),
	}
	for _, c := range []prometheus.Collector{p.activations, p.duration, p.queueDelay, p.backlog, p.timersPending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Activation(lane, outcome string) {
	p.activations.WithLabelValues(lane, outcome).Inc()
}

func (p *Prometheus) ActivationDuration(lane string, d time.Duration) {
	p.duration.WithLabelValues(lane).Observe(d.Seconds())
}

func (p *Prometheus) QueueDelay(lane string, d time.Duration) {
	p.queueDelay.WithLabelValues(lane).Observe(d.Seconds())
}

func (p *Prometheus) Backlog(lane string, n int) {
	p.backlog.WithLabelValues(lane).Set(float64(n))
}

func (p *Prometheus) TimersPending(scheduler string, delta int) {
	p.timersPending.WithLabelValues(scheduler).Add(float64(delta))
}
