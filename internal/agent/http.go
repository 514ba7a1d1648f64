package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// setupRoutes wires the local status endpoints.
func (a *Agent) setupRoutes(mux *http.ServeMux) {
	// CORS middleware
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	mux.HandleFunc("/api/status", corsMiddleware(a.handleStatus))
	mux.HandleFunc("/api/queues", corsMiddleware(a.handleQueues))

	// Health check
	mux.HandleFunc("/healthz", a.handleHealth)
}

// handleStatus serves the full pipeline snapshot.
func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, a.Snapshot())
}

// handleQueues serves just the queue gauges, cheap enough to poll tightly.
func (a *Agent) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := a.Snapshot()
	writeJSON(w, snap.Queues)
}

// handleHealth handles health check
func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.systemStatus())
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
