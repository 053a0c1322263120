package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminMux routes the admin port.
func (r *Runtime) adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/shutdown", &ShutdownHandler{rt: r})
	mux.Handle("/status", &StatusHandler{rt: r})
	mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

// ShutdownHandler handles fleet shutdown requests on the admin port.
type ShutdownHandler struct {
	rt *Runtime
}

// ServeHTTP handles POST /shutdown.
// Returns 200 once the secretary acknowledged the broadcast, with
// {"fleet": false} when only this instance could be stopped.
// Returns 503 when the runtime is no longer running.
func (h *ShutdownHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), shutdownTimeout)
	defer cancel()
	done, err := h.rt.Shutdown(ctx)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			http.Error(w, "Not running", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"fleet": done})
}

// StatusHandler handles HTTP status requests.
type StatusHandler struct {
	rt *Runtime
}

// ServeHTTP handles GET /status.
// Returns JSON with this instance's state, roles and listeners plus its
// view of the fleet.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.rt.Status(r.Context()))
}
