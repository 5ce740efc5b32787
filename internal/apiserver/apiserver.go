// Package apiserver exposes the engine's operational surface over HTTP:
// health, status, Prometheus metrics, asset reads, and update-cycle
// control. It carries no engine logic of its own.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/getengine"
	"github.com/openlist/assetengine/internal/scheduler"
	"github.com/openlist/assetengine/internal/sourceregistry"
)

// Server is the engine's HTTP control plane.
type Server struct {
	get        *getengine.Engine
	sched      *scheduler.Scheduler
	source     *sourceregistry.Registry
	cache      *cacheregistry.Registry
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	httpServer *http.Server
	version    string
}

// New creates a Server. gatherer may be nil to disable /metrics.
func New(get *getengine.Engine, sched *scheduler.Scheduler, source *sourceregistry.Registry, cache *cacheregistry.Registry, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		get:      get,
		sched:    sched,
		source:   source,
		cache:    cache,
		gatherer: gatherer,
		logger:   logger,
	}
}

// SetVersion sets the version string reported by /status.
func (s *Server) SetVersion(v string) { s.version = v }

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	mux := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /asset", s.handleAsset)
	mux.HandleFunc("POST /update/start", s.handleUpdateStart)
	mux.HandleFunc("POST /update/stop", s.handleUpdateStop)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// statusResponse is the /status payload.
type statusResponse struct {
	Version      string `json:"version,omitempty"`
	Updating     bool   `json:"updating"`
	Sources      int    `json:"sources"`
	CachedAssets int    `json:"cachedAssets"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:      s.version,
		Updating:     s.sched.Status() == scheduler.StatusUpdating,
		Sources:      len(s.source.All(r.Context())),
		CachedAssets: len(s.cache.All(r.Context())),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key parameter", http.StatusBadRequest)
		return
	}
	res := s.get.Get(r.Context(), domain.AssetKey(key), getengine.Options{})
	if res.Error != "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"assetKey": key, "error": res.Error})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, res.Content)
}

func (s *Server) handleUpdateStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelaySeconds int  `json:"delaySeconds"`
		Auto         bool `json:"auto"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body starts with defaults
	}
	// The cycle outlives this request; don't tie it to the request context.
	s.sched.UpdateStart(context.Background(), scheduler.StartOptions{
		Delay: time.Duration(req.DelaySeconds) * time.Second,
		Auto:  req.Auto,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleUpdateStop(w http.ResponseWriter, r *http.Request) {
	s.sched.UpdateStop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
