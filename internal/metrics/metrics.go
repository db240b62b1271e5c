// Package metrics collects and exposes Prometheus metrics for the sync
// gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the collection interface handed to the gateway and the
// engines' wiring. A nil-safe no-op keeps the library usable without
// Prometheus.
type Recorder interface {
	RecordBroadcast(family string)
	RecordDroppedFrame(family string)
	RecordQuotaRejection(code string)
	RecordStoreLatency(op string, duration time.Duration)
	RecordReconnectAttempt()
	ConnectionOpened(family string)
	ConnectionClosed(family string)
}

// Collector implements Recorder on top of a Prometheus registry.
type Collector struct {
	broadcasts      *prometheus.CounterVec
	droppedFrames   *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	reconnects      prometheus.Counter
	connections     *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noter_broadcasts_total",
			Help: "Broadcast frames fanned out, by topic family.",
		}, []string{"family"}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noter_dropped_frames_total",
			Help: "Frames dropped on slow or full subscribers, by topic family.",
		}, []string{"family"}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noter_quota_rejections_total",
			Help: "Mutations rejected by the rate-limit authority, by code.",
		}, []string{"code"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noter_store_write_latency_seconds",
			Help:    "Durable store write latency, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noter_reconnect_attempts_total",
			Help: "Channel reconnection attempts.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "noter_open_connections",
			Help: "Open websocket connections, by topic family.",
		}, []string{"family"}),
	}

	reg.MustRegister(
		c.broadcasts,
		c.droppedFrames,
		c.quotaRejections,
		c.storeLatency,
		c.reconnects,
		c.connections,
	)

	return c
}

func (c *Collector) RecordBroadcast(family string) {
	c.broadcasts.WithLabelValues(family).Inc()
}

func (c *Collector) RecordDroppedFrame(family string) {
	c.droppedFrames.WithLabelValues(family).Inc()
}

func (c *Collector) RecordQuotaRejection(code string) {
	c.quotaRejections.WithLabelValues(code).Inc()
}

func (c *Collector) RecordStoreLatency(op string, duration time.Duration) {
	c.storeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *Collector) RecordReconnectAttempt() {
	c.reconnects.Inc()
}

func (c *Collector) ConnectionOpened(family string) {
	c.connections.WithLabelValues(family).Inc()
}

func (c *Collector) ConnectionClosed(family string) {
	c.connections.WithLabelValues(family).Dec()
}

// Nop discards every observation. It stands in wherever no registry is wired.
type Nop struct{}

func (Nop) RecordBroadcast(string)                   {}
func (Nop) RecordDroppedFrame(string)                {}
func (Nop) RecordQuotaRejection(string)              {}
func (Nop) RecordStoreLatency(string, time.Duration) {}
func (Nop) RecordReconnectAttempt()                  {}
func (Nop) ConnectionOpened(string)                  {}
func (Nop) ConnectionClosed(string)                  {}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
