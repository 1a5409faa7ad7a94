package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quilt-run/quilt/pkg/metrics"
	"github.com/quilt-run/quilt/pkg/syncengine"
)

// HealthServer serves /healthz, /readyz, and /metrics over plain HTTP,
// the same three endpoints and response shapes as the teacher's
// pkg/api/health.go HealthServer, with the Raft-leadership readiness
// check replaced by a Store reachability check since Quilt has no
// cluster to have a leader of.
type HealthServer struct {
	engine *syncengine.Engine
	mux    *http.ServeMux
}

// NewHealthServer builds a HealthServer backed by engine.
func NewHealthServer(engine *syncengine.Engine) *HealthServer {
	hs := &HealthServer{engine: engine, mux: http.NewServeMux()}
	hs.mux.HandleFunc("/healthz", hs.healthHandler)
	hs.mux.HandleFunc("/readyz", hs.readyHandler)
	hs.mux.Handle("/metrics", metrics.Handler())
	return hs
}

// Handler returns the HTTP handler for embedding in another mux or
// passing straight to http.Server.
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// healthResponse is a liveness check: this process is running.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyResponse is a readiness check: this process can serve requests.
type readyResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := hs.engine.ListContainers(); err != nil {
		checks["store"] = "error: " + err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(readyResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}
