// Package server exposes the liveness, health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/GPTx-global/flight-oracle/oracle/health"
	"github.com/GPTx-global/flight-oracle/oracle/log"
)

const apiMessage = "An API for use with your Dapp!"

type Options struct {
	Listen      string
	CORSOrigins []string
}

type Server struct {
	opts    Options
	checker *health.HealthChecker
	sink    *metrics.InmemSink
	server  *http.Server
}

// New builds the server; checker and sink may be nil.
func New(opts Options, checker *health.HealthChecker, sink *metrics.InmemSink) *Server {
	s := &Server{
		opts:    opts,
		checker: checker,
		sink:    sink,
	}

	s.server = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api", s.apiHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.metricsHandler).Methods(http.MethodGet)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}

	log.Infof("http server listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server stopped: %v", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) apiHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": apiMessage})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}

	status := "healthy"
	code := http.StatusOK
	if !s.checker.IsHealthy() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    s.checker.GetStatus(),
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}

	summary, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("failed to write response: %v", err)
	}
}
