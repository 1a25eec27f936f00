// Package metrics exposes Prometheus metrics for the bridge statistics,
// the ingestion path and the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

const namespace = "zigbee"

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Ingest message outcomes.
const (
	IngestOK        = "ok"
	IngestMalformed = "malformed"
	IngestIgnored   = "ignored"
)

// Collector holds all metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Devices             *prometheus.GaugeVec
	PermitJoin          prometheus.Gauge
	BridgeInfo          *prometheus.GaugeVec
	BusConnected        prometheus.Gauge
	IngestMessagesTotal *prometheus.CounterVec
	CacheLookupsTotal   *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	RateLimitRejections prometheus.Counter
}

// NewCollector creates a Collector backed by its own registry, together
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	m := &Collector{
		registry: prometheus.NewRegistry(),
		Devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Devices in the last computed statistics, by state.",
			},
			[]string{"state"},
		),
		PermitJoin: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "permit_join",
				Help:      "1 when the network accepts new devices.",
			},
		),
		BridgeInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bridge_info",
				Help:      "Always 1, labelled with the coordinator version.",
			},
			[]string{"version"},
		),
		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_connected",
				Help:      "1 while the message bus connection is up.",
			},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_messages_total",
				Help:      "Bus messages received, by topic and outcome.",
			},
			[]string{"topic", "result"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Statistics cache lookups, by outcome.",
			},
			[]string{"result"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_fetch_duration_seconds",
				Help:      "Duration of calls against the bridge REST API.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		),
		RateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_rejections_total",
				Help:      "Requests rejected by rate limiting.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Devices,
		m.PermitJoin,
		m.BridgeInfo,
		m.BusConnected,
		m.IngestMessagesTotal,
		m.CacheLookupsTotal,
		m.FetchDuration,
		m.RateLimitRejections,
	)
	return m
}

// ObserveStats publishes the latest computed statistics.
func (m *Collector) ObserveStats(s model.Stats) {
	if m == nil {
		return
	}
	m.Devices.WithLabelValues("total").Set(float64(s.TotalDevices))
	m.Devices.WithLabelValues("online").Set(float64(s.OnlineDevices))
	m.Devices.WithLabelValues("offline").Set(float64(s.OfflineDevices))
	m.Devices.WithLabelValues("battery_low").Set(float64(s.BatteryLow))
	m.Devices.WithLabelValues("router").Set(float64(s.RouterDevices))
	m.Devices.WithLabelValues("end_device").Set(float64(s.EndDevices))
	if s.PermitJoin {
		m.PermitJoin.Set(1)
	} else {
		m.PermitJoin.Set(0)
	}
	m.BridgeInfo.Reset()
	m.BridgeInfo.WithLabelValues(s.CoordinatorVersion).Set(1)
}

// SetBusConnected records the bus connection state.
func (m *Collector) SetBusConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}

// IncIngestMessage counts one bus message.
func (m *Collector) IncIngestMessage(topic, result string) {
	if m == nil {
		return
	}
	m.IngestMessagesTotal.WithLabelValues(topic, result).Inc()
}

// IncCacheLookup counts one cache lookup.
func (m *Collector) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records the duration of one upstream call.
func (m *Collector) ObserveFetch(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchDuration.WithLabelValues(op, result).Observe(seconds)
}

// IncRateLimitRejections counts one rejected request.
func (m *Collector) IncRateLimitRejections() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
