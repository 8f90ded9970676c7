package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector holds every huddle metric. A nil collector is valid and records nothing,
// so components can be built without metrics in tests.
type PrometheusCollector struct {
	// Workers
	workersAlive prometheus.Gauge
	workerDeaths prometheus.Counter
	workerSpawns *prometheus.CounterVec

	// SFU graph
	routersActive    prometheus.Gauge
	transportsActive *prometheus.GaugeVec
	producersActive  *prometheus.GaugeVec
	consumersActive  prometheus.Gauge

	// Calls and presence
	callsActive prometheus.Gauge
	callsTotal  prometheus.Counter
	usersOnline prometheus.Gauge

	// Signaling
	connectionsActive prometheus.Gauge
	signalEvents      *prometheus.CounterVec
	signalDuration    *prometheus.HistogramVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		workersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_media_workers_alive",
			Help: "Number of live media workers",
		}),

		workerDeaths: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_media_worker_deaths_total",
			Help: "Number of media workers that exited unexpectedly",
		}),

		workerSpawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_media_worker_spawns_total",
			Help: "Worker spawn attempts by result",
		}, []string{"result"}),

		routersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_routers_active",
			Help: "Number of live media routers",
		}),

		transportsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huddle_transports_active",
			Help: "Number of live transports by direction",
		}, []string{"direction"}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huddle_producers_active",
			Help: "Number of live producers by kind",
		}, []string{"kind"}),

		consumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_consumers_active",
			Help: "Number of live consumers",
		}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_calls_active",
			Help: "Number of active calls",
		}),

		callsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_calls_started_total",
			Help: "Number of calls started",
		}),

		usersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_users_online",
			Help: "Number of users with at least one open connection",
		}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_signal_connections_active",
			Help: "Number of open signaling connections",
		}),

		signalEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_events_total",
			Help: "Signaling events handled by event and result",
		}, []string{"event", "result"}),

		signalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huddle_signal_event_duration_seconds",
			Help:    "Time spent handling a signaling event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event"}),
	}
}

func (c *PrometheusCollector) SetWorkersAlive(n int) {
	if c == nil {
		return
	}
	c.workersAlive.Set(float64(n))
}

func (c *PrometheusCollector) IncWorkerDeaths() {
	if c == nil {
		return
	}
	c.workerDeaths.Inc()
}

func (c *PrometheusCollector) RecordWorkerSpawn(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.workerSpawns.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) AddRouters(delta int) {
	if c == nil {
		return
	}
	c.routersActive.Add(float64(delta))
}

func (c *PrometheusCollector) AddTransports(direction string, delta int) {
	if c == nil {
		return
	}
	c.transportsActive.WithLabelValues(direction).Add(float64(delta))
}

func (c *PrometheusCollector) AddProducers(kind string, delta int) {
	if c == nil {
		return
	}
	c.producersActive.WithLabelValues(kind).Add(float64(delta))
}

func (c *PrometheusCollector) AddConsumers(delta int) {
	if c == nil {
		return
	}
	c.consumersActive.Add(float64(delta))
}

func (c *PrometheusCollector) SetCallsActive(n int) {
	if c == nil {
		return
	}
	c.callsActive.Set(float64(n))
}

func (c *PrometheusCollector) IncCallsStarted() {
	if c == nil {
		return
	}
	c.callsTotal.Inc()
}

func (c *PrometheusCollector) SetUsersOnline(n int) {
	if c == nil {
		return
	}
	c.usersOnline.Set(float64(n))
}

func (c *PrometheusCollector) AddConnections(delta int) {
	if c == nil {
		return
	}
	c.connectionsActive.Add(float64(delta))
}

// ObserveSignalEvent records one handled event. result is "ok" or an error code.
func (c *PrometheusCollector) ObserveSignalEvent(event, result string, seconds float64) {
	if c == nil {
		return
	}
	c.signalEvents.WithLabelValues(event, result).Inc()
	c.signalDuration.WithLabelValues(event).Observe(seconds)
}
