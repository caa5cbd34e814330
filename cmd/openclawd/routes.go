package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openclaw/core/internal/control"
	"github.com/openclaw/core/pkg/version"
)

// newDiagnosticsRouter mirrors the reference service's per-service
// registerRoutes()/Router() convention (services/automation): a small
// gorilla/mux router exposing read-only introspection over the wired
// components, nothing more.
func newDiagnosticsRouter(wd *control.World) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/schedules", schedulesHandler(wd)).Methods(http.MethodGet)
	r.HandleFunc("/queue/stats", queueStatsHandler(wd)).Methods(http.MethodGet)
	r.HandleFunc("/breaker/state", breakerStateHandler(wd)).Methods(http.MethodGet)
	r.HandleFunc("/version", versionHandler).Methods(http.MethodGet)
	return r
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.BuildInfo())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func schedulesHandler(wd *control.World) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schedules, err := wd.Store.ListSchedules(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	}
}

func queueStatsHandler(wd *control.World) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, wd.Queue.GetStats())
	}
}

func breakerStateHandler(wd *control.World) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":             wd.Breaker.State().String(),
			"consecutive_trips": wd.Breaker.ConsecutiveTrips(),
		})
	}
}

// pingStore is used as a health check: a cheap round trip that proves the
// durable store connection is alive.
func pingStore(wd *control.World) func() error {
	return func() error {
		_, err := wd.Store.ListSchedules(context.Background())
		return err
	}
}
