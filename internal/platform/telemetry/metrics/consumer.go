package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "orderstream_consumer"

// Consumer exports consume-loop metrics to Prometheus.
type Consumer struct {
	entries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	failures   *prometheus.CounterVec
	readErrors *prometheus.CounterVec
	reclaimed  *prometheus.CounterVec
}

// NewConsumer registers consume-loop collectors under namespace on reg.
// Collectors already registered by an earlier call are reused.
func NewConsumer(namespace string, reg prometheus.Registerer) (*Consumer, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Consumer{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Stream entries handled, by outcome.",
		}, []string{"stream", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time spent decoding and applying one stream entry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stream"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Handler failures that left an entry pending, by error code.",
		}, []string{"stream", "code"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Transport failures on the blocking group read.",
		}, []string{"stream"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_total",
			Help:      "Pending entries taken over by the reclaim loop, by action.",
		}, []string{"stream", "action"}),
	}

	var err error
	if c.entries, err = registerCounterVec(reg, c.entries); err != nil {
		return nil, fmt.Errorf("register entries counter: %w", err)
	}
	if c.duration, err = registerHistogramVec(reg, c.duration); err != nil {
		return nil, fmt.Errorf("register duration histogram: %w", err)
	}
	if c.failures, err = registerCounterVec(reg, c.failures); err != nil {
		return nil, fmt.Errorf("register failures counter: %w", err)
	}
	if c.readErrors, err = registerCounterVec(reg, c.readErrors); err != nil {
		return nil, fmt.Errorf("register read errors counter: %w", err)
	}
	if c.reclaimed, err = registerCounterVec(reg, c.reclaimed); err != nil {
		return nil, fmt.Errorf("register reclaimed counter: %w", err)
	}
	return c, nil
}

// ObserveEntry records one handled entry and its handling latency.
func (c *Consumer) ObserveEntry(stream, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.entries.WithLabelValues(stream, outcome).Inc()
	c.duration.WithLabelValues(stream).Observe(elapsed.Seconds())
}

// ObserveFailure records a handler failure by error code label.
func (c *Consumer) ObserveFailure(stream, code string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(stream, code).Inc()
}

// ObserveReadError records a failed blocking read.
func (c *Consumer) ObserveReadError(stream string) {
	if c == nil {
		return
	}
	c.readErrors.WithLabelValues(stream).Inc()
}

// ObserveReclaim records a reclaim decision.
func (c *Consumer) ObserveReclaim(stream, action string) {
	if c == nil {
		return
	}
	c.reclaimed.WithLabelValues(stream, action).Inc()
}

// Handler serves the collectors of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}
