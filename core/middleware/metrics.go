package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/hooks"
	"github.com/searchktools/nimble/core/http"
)

// DefaultMetricsPath is where the metrics plugin serves the registry.
const DefaultMetricsPath = "/metrics"

// Metrics holds the request collectors of one engine.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates the collectors in a fresh registry. Engines never
// share a registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Failed requests by error kind.",
		}, []string{"kind"}),
	}
	m.Registry.MustRegister(m.requests, m.duration, m.errors)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	return http.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) observe(c *http.Context, start time.Time) {
	route := "unmatched"
	if v, ok := c.Get(core.LocalRoute); ok {
		route, _ = v.(string)
	}
	m.requests.WithLabelValues(c.Method(), route, strconv.Itoa(c.Response().StatusCode())).Inc()
	m.duration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
}

// MetricsPlugin registers the collectors, the hooks feeding them and a GET
// route serving them. Options: path, namespace.
type MetricsPlugin struct {
	Metrics *Metrics

	inFlight prometheus.GaugeFunc
}

func (p *MetricsPlugin) Name() string { return NameMetrics }

func (p *MetricsPlugin) Load(e *core.Engine, opts config.Options) error {
	if p.Metrics == nil {
		p.Metrics = NewMetrics(opts.GetString("namespace", "nimble"))
	}
	m := p.Metrics

	p.inFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: opts.GetString("namespace", "nimble"),
		Name:      "http_requests_in_flight",
		Help:      "Requests being served.",
	}, func() float64 { return float64(e.Stats().InFlight) })
	if err := m.Registry.Register(p.inFlight); err != nil {
		return err
	}

	e.Hook(hooks.RequestReceived, func(ev *hooks.Event) error {
		ev.Ctx.Set(core.LocalRequestStart, time.Now())
		return nil
	})
	e.Hook(hooks.ResponseSent, func(ev *hooks.Event) error {
		start := time.Now()
		if v, ok := ev.Ctx.Get(core.LocalRequestStart); ok {
			start, _ = v.(time.Time)
		}
		m.observe(ev.Ctx, start)
		return nil
	})
	e.Hook(hooks.ErrorObserved, func(ev *hooks.Event) error {
		kind := apperr.KindInternal
		if ev.Err != nil {
			kind = ev.Err.Kind
		}
		m.errors.WithLabelValues(kind.String()).Inc()
		return nil
	})
	e.GET(opts.GetString("path", DefaultMetricsPath), m.Handler())
	return nil
}

// Unload drops the in-flight gauge, which reads from the engine.
func (p *MetricsPlugin) Unload(*core.Engine) error {
	p.Metrics.Registry.Unregister(p.inFlight)
	return nil
}
