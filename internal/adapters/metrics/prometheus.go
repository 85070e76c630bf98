package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptoRiskGuard/internal/domain"
)

const namespace = "risk_guard"

// Recorder implements ports.Metrics on a Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	positionEvents *prometheus.CounterVec
	ticks          *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	gatewayErrors  *prometheus.CounterVec
	reservedMargin *prometheus.GaugeVec
}

// NewRecorder registers the risk metrics on a fresh registry, together with the Go and
// process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by symbol and reject reason (empty reason means accepted)",
		}, []string{"symbol", "reason"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Alerts emitted by type",
		}, []string{"type"}),
		positionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "position_events_total",
			Help:      "Position lifecycle events by type",
		}, []string{"type"}),
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_total",
			Help:      "Price ticks by symbol and outcome",
		}, []string{"symbol", "outcome"}),
		gatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Execution gateway call latency",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		}, []string{"operation"}),
		gatewayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Execution gateway failures by operation",
		}, []string{"operation"}),
		reservedMargin: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reserved_margin",
			Help:      "Margin currently held for in-flight orders",
		}, []string{"account"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) AdmissionDecision(symbol string, reason domain.RejectReason) {
	r.admissions.WithLabelValues(symbol, string(reason)).Inc()
}

func (r *Recorder) AlertEmitted(alertType domain.AlertType) {
	r.alerts.WithLabelValues(string(alertType)).Inc()
}

func (r *Recorder) PositionEvent(eventType domain.PositionEventType) {
	r.positionEvents.WithLabelValues(string(eventType)).Inc()
}

func (r *Recorder) TickDropped(symbol string) {
	r.ticks.WithLabelValues(symbol, "dropped").Inc()
}

func (r *Recorder) TickApplied(symbol string) {
	r.ticks.WithLabelValues(symbol, "applied").Inc()
}

func (r *Recorder) GatewayCall(operation string, seconds float64, err error) {
	r.gatewayLatency.WithLabelValues(operation).Observe(seconds)
	if err != nil {
		r.gatewayErrors.WithLabelValues(operation).Inc()
	}
}

func (r *Recorder) ReservedMargin(accountID string, value float64) {
	r.reservedMargin.WithLabelValues(accountID).Set(value)
}
