// Package metrics exports relay publish and delivery counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

const namespace = "relay"

const (
	labelRoute   = "route"
	labelSuccess = "success"
	labelOutcome = "outcome"
)

// Collector records relay activity as Prometheus metrics. It satisfies
// relay.Metrics; a nil *Collector records nothing.
type Collector struct {
	published     *prometheus.CounterVec
	backpressure  *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	handlerTime   *prometheus.HistogramVec
	subscriptions prometheus.Gauge
}

var _ rabbitmq.Metrics = (*Collector)(nil)

// NewCollector creates the relay metrics and registers them with reg. A nil
// reg uses the default Prometheus registerer. Metrics that are already
// registered are reused.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	c := &Collector{}

	c.published, err = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Publish attempts by route kind and result",
		},
		[]string{labelRoute, labelSuccess},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register publish metric: %w", err)
	}

	c.backpressure, err = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_backpressure_total",
			Help:      "Publishes performed while the broker was throttling the connection",
		},
		[]string{labelRoute},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register backpressure metric: %w", err)
	}

	c.deliveries, err = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries handled by outcome",
		},
		[]string{labelOutcome},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register delivery metric: %w", err)
	}

	c.handlerTime, err = registerHistogramVec(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time the handler took for one delivery",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{labelOutcome},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register handler duration metric: %w", err)
	}

	gauge, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_subscriptions",
		Help:      "Recipients with a running consumer",
	}))
	if err != nil {
		return nil, fmt.Errorf("could not register subscription metric: %w", err)
	}
	c.subscriptions = gauge.(prometheus.Gauge)

	return c, nil
}

// PublishCompleted counts one publish attempt
func (c *Collector) PublishCompleted(route string, err error) {
	if c == nil {
		return
	}
	success := "true"
	if err != nil {
		success = "false"
	}
	c.published.WithLabelValues(route, success).Inc()
}

// PublishBackpressure counts a publish made under broker backpressure
func (c *Collector) PublishBackpressure(route string) {
	if c == nil {
		return
	}
	c.backpressure.WithLabelValues(route).Inc()
}

// DeliveryHandled counts a delivery and observes its handler time
func (c *Collector) DeliveryHandled(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
	c.handlerTime.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SubscriptionsChanged sets the active subscription gauge
func (c *Collector) SubscriptionsChanged(active int) {
	if c == nil {
		return
	}
	c.subscriptions.Set(float64(active))
}

// Handler serves the metrics gathered by g, or by the default gatherer when
// g is nil
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, err
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	col, err := register(reg, c)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.CounterVec), nil
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	col, err := register(reg, h)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.HistogramVec), nil
}
