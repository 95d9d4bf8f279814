package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-router/internal/fuzzy"
	"github.com/tributary-ai/adaptive-router/internal/middleware"
	"github.com/tributary-ai/adaptive-router/internal/resilience"
	"github.com/tributary-ai/adaptive-router/internal/routing"
	"github.com/tributary-ai/adaptive-router/internal/tuning"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Server represents the ops HTTP server
type Server struct {
	router     *routing.Router
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig
	validation *middleware.ValidationMiddleware
	audit      *middleware.AuditLogger

	mu      sync.RWMutex
	catalog []types.Provider
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             string                 `yaml:"port"`
	ReadTimeout      time.Duration          `yaml:"read_timeout"`
	WriteTimeout     time.Duration          `yaml:"write_timeout"`
	MaxHeaderBytes   int                    `yaml:"max_header_bytes"`
	ValidateRequests bool                   `yaml:"validate_requests"`
	Audit            middleware.AuditConfig `yaml:"audit"`
}

// routeRequest is the body of POST /v1/route
type routeRequest struct {
	Request    types.RoutingRequest `json:"request"`
	Candidates []types.Provider     `json:"candidates,omitempty"`
}

// actualFeedback is the body of POST /v1/feedback/actual
type actualFeedback struct {
	ProviderID string  `json:"provider_id"`
	Score      float64 `json:"score"`
}

// regressionRequest is the optional body of POST /v1/regression/run
type regressionRequest struct {
	Candidates []types.Provider `json:"candidates,omitempty"`
}

// NewServer creates a new server instance
func NewServer(router *routing.Router, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	validation, err := middleware.NewValidationMiddleware(config.ValidateRequests, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}

	return &Server{
		router:     router,
		logger:     logger,
		config:     config,
		validation: validation,
		audit:      middleware.NewAuditLogger(config.Audit, logger),
	}, nil
}

// SetCatalog replaces the provider catalog snapshot used when a request
// carries no candidates
func (s *Server) SetCatalog(catalog []types.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = append([]types.Provider(nil), catalog...)
}

func (s *Server) candidates(override []types.Provider) []types.Provider {
	if len(override) > 0 {
		return override
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// Handler returns the fully wired HTTP handler
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting adaptive router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping adaptive router server")
	defer s.audit.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	r.Use(s.audit.Middleware)
	r.Use(s.validation.Middleware)

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	s.setupDocsRoutes(r)

	api := r.PathPrefix("/v1").Subrouter()

	// Observability
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/tuning/stats", s.handleTuningStats).Methods("GET")
	api.HandleFunc("/momentum/rsi", s.handleRSIMetrics).Methods("GET")

	// Parameter persistence
	api.HandleFunc("/parameters", s.handleExportParameters).Methods("GET")
	api.HandleFunc("/parameters", s.handleImportParameters).Methods("PUT")

	// Routing and feedback
	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/feedback/performance", s.handlePerformanceFeedback).Methods("POST")
	api.HandleFunc("/feedback/actual", s.handleActualFeedback).Methods("POST")

	// Operations
	api.HandleFunc("/regression/run", s.handleRegressionRun).Methods("POST")
	api.HandleFunc("/circuits/{name}/reset", s.handleResetCircuit).Methods("POST")

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleHealthCheck reports liveness and which provider circuits are open
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := s.router.Stats()

	open := []string{}
	for _, c := range stats.Resilience.Circuits {
		if c.State == resilience.StateOpen {
			open = append(open, c.Operation)
		}
	}

	s.mu.RLock()
	catalogSize := len(s.catalog)
	s.mu.RUnlock()

	status := "healthy"
	if len(open) > 0 {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"open_circuits": open,
		"providers":     catalogSize,
		"timestamp":     time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Stats())
}

func (s *Server) handleTuningStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.TuningStats())
}

func (s *Server) handleRSIMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := s.router.AllRSIMetrics()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": metrics,
		"count":     len(metrics),
	})
}

func (s *Server) handleExportParameters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.ExportParameters())
}

// handleImportParameters installs a snapshot and persists it when a store is configured
func (s *Server) handleImportParameters(w http.ResponseWriter, r *http.Request) {
	var snapshot fuzzy.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if err := s.router.ImportParameters(snapshot); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	response := map[string]interface{}{"installed": true}
	if s.router.Persistent() {
		id, err := s.router.SaveParameters(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to persist imported parameters")
			s.writeErrorResponse(w, http.StatusInternalServerError, "Parameters installed but not persisted")
			return
		}
		response["snapshot_id"] = id
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleRoute returns a routing decision without executing the request
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision, err := s.router.Route(&body.Request, s.candidates(body.Candidates))
	if err != nil {
		var cfgErr *types.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("Routing failed: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePerformanceFeedback(w http.ResponseWriter, r *http.Request) {
	var record types.PerformanceRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if record.ProviderID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "provider_id is required")
		return
	}

	s.router.RecordPerformance(record)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"recorded": true})
}

func (s *Server) handleActualFeedback(w http.ResponseWriter, r *http.Request) {
	var body actualFeedback
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	err := s.router.RecordActualPerformance(body.ProviderID, body.Score)
	switch {
	case errors.Is(err, tuning.ErrNoPendingSample):
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, tuning.ErrInvalidScore):
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"recorded": true})
}

// handleRegressionRun runs the golden set against the request's candidates or the catalog
func (s *Server) handleRegressionRun(w http.ResponseWriter, r *http.Request) {
	var body regressionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
	}

	candidates := s.candidates(body.Candidates)
	if len(candidates) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "No catalog loaded and no candidates supplied")
		return
	}

	report, err := s.router.RunRegressionTests(r.Context(), candidates)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("Regression run aborted: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.ResetCircuitBreaker(name) {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Circuit %s not found", name))
		return
	}

	s.logger.WithField("operation", name).Info("Circuit breaker reset")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"operation": name,
		"state":     "closed",
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
