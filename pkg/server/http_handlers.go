package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler returns the mux serving /health, /metrics and /ws
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

// startHTTPServer serves HTTPHandler on the configured port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort < 0 {
		log.Printf("HTTP server disabled (http_port=%d)", s.config.HTTPPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (/health, /metrics, /ws)", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.connsMu.Lock()
	connections := len(s.conns)
	s.connsMu.Unlock()

	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    connections,
		"registered":     s.registry.Count(),
		"backend":        s.config.Backend,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
