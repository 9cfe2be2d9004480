package opmetrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthReport is the /healthz JSON body.
type healthReport struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// NewStatusServer builds an http.Handler exposing /healthz and
// /metrics, grounded on the teacher's gorilla/mux router
// (internal/api/router.go) generalized from its full REST API surface
// down to the two operational endpoints GUARD's core needs.
func NewStatusServer(reg *prometheus.Registry) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthReport{Status: "ok", Time: time.Now()})
	}).Methods(http.MethodGet)

	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg != nil {
		gatherer = reg
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return router
}
