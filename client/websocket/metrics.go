package websocket

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains prometheus collectors updated by StreamClient. A nil
// *Metrics is valid and updates nothing.
type Metrics struct {
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	CallbackPanics prometheus.Counter
	Reconnects     prometheus.Counter
	ConnState      prometheus.Gauge
}

// NewMetrics creates collectors and registers them with reg; if reg is nil,
// collectors are created but not registered.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Inbound frames by classification.",
		}, []string{"type"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without reaching a subscriber.",
		}, []string{"reason"}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_sent_total",
			Help:      "Outbound control and ping frames by destination.",
		}, []string{"destination"}),

		CallbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "callback_panics_total",
			Help:      "Subscriber callbacks which panicked.",
		}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts after a backoff wait.",
		}),

		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Current connection state: 0 disconnected, 1 connecting, 2 connected, 3 stopping.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.FramesReceived, m.FramesDropped, m.FramesSent,
			m.CallbackPanics, m.Reconnects, m.ConnState,
		} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}

	return m, nil
}

func (m *Metrics) frameReceived(typ string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) frameSent(destination string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(destination).Inc()
}

func (m *Metrics) callbackPanicked() {
	if m == nil {
		return
	}
	m.CallbackPanics.Inc()
}

func (m *Metrics) reconnecting() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) setState(state ConnState) {
	if m == nil {
		return
	}
	m.ConnState.Set(float64(state))
}
