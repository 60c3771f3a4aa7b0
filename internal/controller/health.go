package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/frames"
)

// Probes are optional status sources reported alongside the controller.
type Probes struct {
	Reader       func() string
	CacheEntries func() int
	Frames       func() frames.Stats
	// Bus checks the event bus. Nil when Redis is not configured.
	Bus func(ctx context.Context) error
}

// HealthServer provides the /healthz endpoint of the daemon.
type HealthServer struct {
	ctrl   *Controller
	probes Probes
	logger *slog.Logger
	server *http.Server
}

// NewHealthServer creates a health server reporting on ctrl.
func NewHealthServer(ctrl *Controller, probes Probes, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HealthServer{ctrl: ctrl, probes: probes, logger: logger}
}

// Start serves on addr in the background.
func (h *HealthServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server error", "addr", addr, "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status       string        `json:"status"`
	State        string        `json:"state"`
	Reader       string        `json:"reader,omitempty"`
	CacheEntries *int          `json:"cache_entries,omitempty"`
	Frames       *frames.Stats `json:"frames,omitempty"`
	Redis        string        `json:"redis,omitempty"`
	Stats        Stats         `json:"stats"`
	Error        string        `json:"error,omitempty"`
}

// healthCheckHandler answers 200 while the access loop runs and the bus,
// when configured, is reachable. Otherwise 503.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status: "healthy",
		State:  h.ctrl.State().String(),
		Stats:  h.ctrl.Stats(),
	}
	if h.probes.Reader != nil {
		response.Reader = h.probes.Reader()
	}
	if h.probes.CacheEntries != nil {
		n := h.probes.CacheEntries()
		response.CacheEntries = &n
	}
	if h.probes.Frames != nil {
		st := h.probes.Frames()
		response.Frames = &st
	}

	code := http.StatusOK
	if !h.ctrl.Running() {
		response.Status = "unhealthy"
		response.Error = "access loop not running"
		code = http.StatusServiceUnavailable
	}

	if h.probes.Bus != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.probes.Bus(ctx); err != nil {
			response.Status = "unhealthy"
			response.Redis = "disconnected"
			response.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			response.Redis = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
