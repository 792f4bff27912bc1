// Package metrics provides Prometheus instrumentation for decoder evaluation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Evaluation paths used as the "path" label.
const (
	PathForward = "forward"
	PathDensity = "density"
)

// Collector records frame evaluation metrics.
type Collector struct {
	framesTotal        prometheus.Counter
	samplesTotal       *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	evaluationErrors   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the collector's metrics on reg under namespace.
func NewCollector(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.framesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames evaluated",
		},
	)

	c.samplesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Total number of ray samples evaluated",
		},
		[]string{"path"},
	)

	c.evaluationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Per-frame evaluation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
		[]string{"path"},
	)

	c.evaluationErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_errors_total",
			Help:      "Total number of failed frame evaluations",
		},
		[]string{"path"},
	)

	return c
}

// RecordFrame records one evaluated frame.
func (c *Collector) RecordFrame(path string, samples int, duration time.Duration, err error) {
	if err != nil {
		c.evaluationErrors.WithLabelValues(path).Inc()
		c.logger.Debug("frame evaluation failed", zap.String("path", path), zap.Error(err))
		return
	}
	c.framesTotal.Inc()
	c.samplesTotal.WithLabelValues(path).Add(float64(samples))
	c.evaluationDuration.WithLabelValues(path).Observe(duration.Seconds())
}
