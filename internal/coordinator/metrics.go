package coordinator

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/push-coordinator/internal/connection"
)

const namespace = "push_coordinator"

// Metrics holds the coordinator's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages        *prometheus.CounterVec // result: accepted, dropped
	notifications   prometheus.Counter
	callbackErrors  prometheus.Counter
	connectAttempts *prometheus.CounterVec // result: ok, error, auth
	connectionState prometheus.Gauge
	subscribers     prometheus.Gauge
	lastMessage     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg disables metrics and returns nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by result",
		}, []string{"result"}),

		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Fan-out passes run after an accepted message",
		}),

		callbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_errors_total",
			Help:      "Subscriber callbacks that failed or panicked",
		}),

		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Upstream connect attempts by result",
		}, []string{"result"}),

		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0=disconnected 1=connecting 2=streaming 3=failed 4=shutdown",
		}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Registered subscriber entries",
		}),

		lastMessage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_message_timestamp_seconds",
			Help:      "Unix time of the last accepted message",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.messages, m.notifications, m.callbackErrors, m.connectAttempts,
		m.connectionState, m.subscribers, m.lastMessage,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register coordinator metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) accepted(at time.Time) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("accepted").Inc()
	m.notifications.Inc()
	m.lastMessage.Set(float64(at.UnixNano()) / 1e9)
}

func (m *Metrics) callbackError(n int) {
	if m == nil {
		return
	}
	m.callbackErrors.Add(float64(n))
}

func (m *Metrics) connectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) state(s connection.State) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

func (m *Metrics) subscriberCount(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
