package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/storage"
)

// HealthServer provides the liveness/readiness/metrics HTTP endpoints,
// grounded on the teacher's net/http liveness+readiness split but checking
// this control plane's own collaborators instead of a Raft cluster.
type HealthServer struct {
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
	mux      *http.ServeMux
}

// NewHealthServer creates a health check HTTP server. Any dependency may be
// nil; readiness simply reports it as not initialized.
func NewHealthServer(store storage.Store, reg *registry.Registry, broker *events.Broker) *HealthServer {
	hs := &HealthServer{
		store:    store,
		registry: reg,
		broker:   broker,
		mux:      http.NewServeMux(),
	}

	hs.mux.HandleFunc("/health", hs.healthHandler)
	hs.mux.HandleFunc("/ready", hs.readyHandler)
	hs.mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.store != nil {
		if _, err := hs.store.ListEnvironments(); err != nil {
			checks["storage"] = "error: " + err.Error()
			ready = false
			message = "storage not accessible"
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
	}

	if hs.registry != nil {
		checks["registry"] = "ok"
	} else {
		checks["registry"] = "not initialized"
		ready = false
		if message == "" {
			message = "registry not initialized"
		}
	}

	if hs.broker != nil {
		checks["events"] = "ok"
	} else {
		checks["events"] = "not initialized"
		ready = false
		if message == "" {
			message = "event broker not initialized"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
