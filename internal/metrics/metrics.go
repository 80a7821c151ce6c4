// Package metrics exposes Prometheus instruments for selection fits and
// simulation replicates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "selectinf"

// Recorder groups the instruments registered on one registry.
type Recorder struct {
	Fits       *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Draws      prometheus.Counter
	FitSeconds *prometheus.HistogramVec
}

// New registers the instruments on reg. A nil reg creates a private registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Recorder{
		Fits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fits_total",
			Help:      "Selection fits by procedure and outcome.",
		}, []string{"procedure", "outcome"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replicate_failures_total",
			Help:      "Replicates that produced no inference, by reason.",
		}, []string{"reason"}),
		Draws: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sampler_draws_total",
			Help:      "Gibbs draws of the optimization variables.",
		}),
		FitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replicate_seconds",
			Help:      "Wall time of one replicate.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"procedure"}),
	}
}

// ObserveFit records one fit outcome ("ok" or a failure reason) and its duration.
func (r *Recorder) ObserveFit(procedure, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Fits.WithLabelValues(procedure, outcome).Inc()
	r.FitSeconds.WithLabelValues(procedure).Observe(elapsed.Seconds())
	if outcome != "ok" {
		r.Failures.WithLabelValues(outcome).Inc()
	}
}

// AddDraws counts sampler draws.
func (r *Recorder) AddDraws(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.Draws.Add(float64(n))
}
