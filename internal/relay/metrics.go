package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsprackett/tabsync/internal/channel"
)

// otherAction labels frames whose action is not a known channel action.
const otherAction = "other"

type metrics struct {
	registry *prometheus.Registry
	messages *prometheus.CounterVec
	dropped  prometheus.Counter
	peers    *prometheus.GaugeVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabsync",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Channel frames received from peers, by action. Unknown actions count as \"other\".",
		}, []string{"action"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tabsync",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Frames dropped because a peer's send queue was full.",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tabsync",
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Connected peers per channel.",
		}, []string{"channel"}),
	}
	m.registry.MustRegister(m.messages, m.dropped, m.peers)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observe(a channel.Action) {
	label := otherAction
	if a.Known() {
		label = string(a)
	}
	m.messages.WithLabelValues(label).Inc()
}

func (m *metrics) setPeers(name string, n int) {
	if n == 0 {
		m.peers.DeleteLabelValues(name)
		return
	}
	m.peers.WithLabelValues(name).Set(float64(n))
}
