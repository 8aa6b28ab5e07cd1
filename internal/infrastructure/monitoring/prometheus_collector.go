package monitoring

import (
	"strings"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RelayMetrics. Room ids are not used
// as labels to keep series cardinality bounded.
type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	meetingsEnded  prometheus.Counter

	connectionsRejected *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	framesRejected      *prometheus.CounterVec
	deliveriesDropped   *prometheus.CounterVec
}

var _ ports.RelayMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the relay metrics with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetrelay_sessions_active",
			Help: "Number of admitted websocket sessions",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_sessions_total",
			Help: "Total number of admitted websocket sessions",
		}),

		meetingsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_meetings_ended_total",
			Help: "Total number of meetings terminated through the relay",
		}),

		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_connections_rejected_total",
			Help: "Connections refused before or during admission",
		}, []string{"reason"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_frames_received_total",
			Help: "Inbound frames accepted for routing",
		}, []string{"type"}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_frames_rejected_total",
			Help: "Inbound frames answered with an error frame",
		}, []string{"reason"}),

		deliveriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_deliveries_dropped_total",
			Help: "Outbound frames skipped because a session queue was full",
		}, []string{"group_kind"}),
	}
}

func (p *PrometheusCollector) SessionOpened(domain.RoomID) {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionClosed(domain.RoomID) {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) ConnectionRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) FrameReceived(frameType domain.FrameType) {
	p.framesReceived.WithLabelValues(string(frameType)).Inc()
}

func (p *PrometheusCollector) FrameRejected(reason string) {
	p.framesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) DeliveryDropped(group string) {
	p.deliveriesDropped.WithLabelValues(groupKind(group)).Inc()
}

func (p *PrometheusCollector) MeetingEnded(domain.RoomID) {
	p.meetingsEnded.Inc()
}

// groupKind maps "room:<id>" to "room" and "user:<id>" to "user".
func groupKind(group string) string {
	if i := strings.IndexByte(group, ':'); i > 0 {
		return group[:i]
	}
	return "other"
}
