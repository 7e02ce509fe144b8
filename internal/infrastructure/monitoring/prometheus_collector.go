package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

type PrometheusCollector struct {
	roomsActive     prometheus.Gauge
	roomsTotal      prometheus.Counter
	peersConnected  prometheus.Gauge
	producersActive *prometheus.GaugeVec
	producersTotal  *prometheus.CounterVec
	consumersActive *prometheus.GaugeVec
	consumersTotal  *prometheus.CounterVec

	signalSessions  prometheus.Gauge
	signalRequests  *prometheus.CounterVec
	signalDuration  *prometheus.HistogramVec
	recordingFailed *prometheus.CounterVec
}

var _ ports.RoomMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the service metrics with reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confsfu_rooms_active",
			Help: "Number of open rooms",
		}),
		roomsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "confsfu_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confsfu_peers_joined",
			Help: "Number of peers currently joined to a room",
		}),
		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confsfu_producers_active",
			Help: "Number of open producers",
		}, []string{"kind"}),
		producersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confsfu_producers_total",
			Help: "Total number of producers created",
		}, []string{"kind"}),
		consumersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confsfu_consumers_active",
			Help: "Number of open consumers",
		}, []string{"kind"}),
		consumersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confsfu_consumers_total",
			Help: "Total number of consumers created",
		}, []string{"kind"}),

		signalSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confsfu_signal_sessions",
			Help: "Number of open signaling connections",
		}),
		signalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confsfu_signal_requests_total",
			Help: "Signaling requests by method and result code",
		}, []string{"method", "code"}),
		signalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confsfu_signal_request_duration_seconds",
			Help:    "Time from receiving a signaling request to queueing its ack",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"method"}),
		recordingFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confsfu_recording_failures_total",
			Help: "Producers that could not be tapped for recording",
		}, []string{"kind", "reason"}),
	}
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsActive.Inc()
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) PeerJoined(domain.RoomID) {
	p.peersConnected.Inc()
}

func (p *PrometheusCollector) PeerLeft(domain.RoomID) {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) ProducerCreated(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
	p.producersTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerCreated(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Inc()
	p.consumersTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ConsumerClosed(kind domain.MediaKind) {
	p.consumersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) SessionOpened() {
	p.signalSessions.Inc()
}

func (p *PrometheusCollector) SessionClosed() {
	p.signalSessions.Dec()
}

// RequestHandled records one acked signaling request. code is empty on success.
func (p *PrometheusCollector) RequestHandled(method, code string, took time.Duration) {
	if code == "" {
		code = "OK"
	}
	p.signalRequests.WithLabelValues(method, code).Inc()
	p.signalDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (p *PrometheusCollector) RecordingFailed(kind domain.MediaKind, reason string) {
	p.recordingFailed.WithLabelValues(string(kind), reason).Inc()
}
