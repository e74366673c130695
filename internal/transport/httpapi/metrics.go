package httpapi

import "net/http"

// handleMetricsSnapshot returns the point-in-time operational summary —
// the Prometheus time series lives on its own /metrics server started by
// the metrics Collector, not here.
func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot())
}
