package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "minisync",
		Subsystem: "ws",
		Name:      "sessions",
		Help:      "Open websocket sessions.",
	})
	requestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minisync",
		Subsystem: "ws",
		Name:      "requests_total",
		Help:      "Client requests by op and result code.",
	}, []string{"op", "code"})
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minisync",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Listener events pushed to clients.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(sessionsGauge, requestsCounter, eventsCounter)
}
