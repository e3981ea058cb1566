// Package server wires HTTP handlers into a ServeMux for the MoodChat
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes configures and returns an HTTP ServeMux with all application routes:
// the WebSocket endpoint, the read-only health and debug surface, Prometheus
// metrics, and the test page.
func (a *App) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.TestPageHandler)
	mux.HandleFunc("/ws", a.WebSocketHandler)
	mux.HandleFunc("/api/health", a.HealthHandler)
	mux.HandleFunc("/api/debug/users", a.DebugUsersHandler)
	mux.HandleFunc("/api/debug/stats", a.DebugStatsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
