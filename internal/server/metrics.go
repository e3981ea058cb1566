// Package server exposes Prometheus collectors for connection, event, and
// broadcast activity, served on /metrics.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moodchat_connected_clients",
		Help: "Number of WebSocket clients currently connected.",
	})

	metricEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moodchat_events_total",
		Help: "Inbound client events processed, by event name.",
	}, []string{"event"})

	metricBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodchat_broadcasts_total",
		Help: "Payloads multicast to all connected clients.",
	})
)
