// Package metrics exports solve progress to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

const namespace = "mfsolve"

// Collector records outer iterations and solve outcomes. It satisfies
// sequential.Recorder.
type Collector struct {
	iterations    *prometheus.CounterVec
	refinement    *prometheus.HistogramVec
	gradientError *prometheus.GaugeVec
	modelError    *prometheus.GaugeVec
	fidelity      *prometheus.GaugeVec
	solves        *prometheus.CounterVec
	calls         *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "outer_iterations_total",
			Help:      "Outer iterations completed",
		}, []string{"solver"}),
		refinement: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "refinement_samples",
			Help:      "Samples added to the model per outer iteration",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"solver"}),
		gradientError: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "gradient_error",
			Help:      "Truth gradient norm at the latest iterate",
		}, []string{"solver"}),
		modelError: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "objective_error",
			Help:      "Absolute model-truth objective gap at the latest iterate",
		}, []string{"solver"}),
		fidelity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "model_fidelity",
			Help:      "Model fidelity level at the latest iterate",
		}, []string{"solver"}),
		solves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "completed_total",
			Help:      "Finished solves by terminal status",
		}, []string{"solver", "status"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "weighted_calls_total",
			Help:      "Fidelity-weighted evaluator calls",
		}, []string{"solver", "evaluator"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "duration_seconds",
			Help:      "Wall time of complete solves",
			Buckets:   prometheus.DefBuckets,
		}, []string{"solver"}),
	}
}

// ObserveIteration records one refinement record
func (c *Collector) ObserveIteration(solver string, rec optimization.RefinementRecord) {
	c.iterations.WithLabelValues(solver).Inc()
	c.gradientError.WithLabelValues(solver).Set(rec.GradientError)
	c.modelError.WithLabelValues(solver).Set(rec.ObjectiveError)
	c.fidelity.WithLabelValues(solver).Set(float64(rec.Fidelity))
	if rec.Refinement > 0 {
		c.refinement.WithLabelValues(solver).Observe(float64(rec.Refinement))
	}
}

// ObserveResult records the outcome of a solve
func (c *Collector) ObserveResult(solver string, res *optimization.Result, elapsed time.Duration) {
	c.solves.WithLabelValues(solver, string(res.Status)).Inc()
	c.calls.WithLabelValues(solver, "model").Add(float64(res.ModelCalls))
	c.calls.WithLabelValues(solver, "truth").Add(float64(res.TruthCalls))
	c.duration.WithLabelValues(solver).Observe(elapsed.Seconds())
}
