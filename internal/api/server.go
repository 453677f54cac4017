// Package api exposes the fcsd HTTP API: chunked uploads, task polling,
// statistics jobs and file access.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/config"
	"github.com/fcsvault/fcsd/internal/metrics"
	"github.com/fcsvault/fcsd/internal/stats"
	"github.com/fcsvault/fcsd/internal/storage"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/internal/upload"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server is the fcsd HTTP server.
type Server struct {
	cfg         *config.ServerConfig
	mux         *http.ServeMux
	verifier    *auth.Verifier
	coordinator *upload.Coordinator
	stats       *stats.Service
	store       *task.Store
	files       *storage.ChunkStore
	logger      zerolog.Logger
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(cfg *config.ServerConfig, verifier *auth.Verifier, coordinator *upload.Coordinator,
	statsSvc *stats.Service, store *task.Store, files *storage.ChunkStore, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		mux:         http.NewServeMux(),
		verifier:    verifier,
		coordinator: coordinator,
		stats:       statsSvc,
		store:       store,
		files:       files,
		logger:      logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("/api/v1/fcs/upload", s.withAuth(s.handleUploadInit))
	s.mux.HandleFunc("/api/v1/fcs/upload/chunk", s.withAuth(s.handleUploadChunk))
	s.mux.HandleFunc("/api/v1/fcs/upload/abort", s.withAuth(s.handleUploadAbort))
	s.mux.HandleFunc("/api/v1/fcs/tasks/", s.withAuth(s.handleTaskStatus))
	s.mux.HandleFunc("/api/v1/fcs/statistics/calculate", s.withAuth(s.handleStatisticsCalculate))
	s.mux.HandleFunc("/api/v1/fcs/statistics", s.withAuth(s.handleStatisticsGet))
	s.mux.HandleFunc("/api/v1/fcs/files/", s.withAuth(s.handleFile))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// authedHandler is an HTTP handler with an authenticated caller.
type authedHandler func(w http.ResponseWriter, r *http.Request, caller *auth.Context)

func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.verifier.VerifyRequest(r)
		if err != nil {
			s.jsonError(w, "invalid or missing credentials", http.StatusUnauthorized)
			return
		}
		next(w, r, caller)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// serviceError maps service error types onto HTTP replies. Internal
// detail stays in the log; the client sees the sentinel's message.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, upload.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, upload.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, upload.ErrConflict), errors.Is(err, upload.ErrFinalizing):
		code = http.StatusConflict
	case errors.Is(err, upload.ErrOutOfRange), errors.Is(err, upload.ErrSizeMismatch),
		errors.Is(err, upload.ErrInvalidFormat), errors.Is(err, upload.ErrIncomplete):
		code = http.StatusBadRequest
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		s.jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.jsonError(w, err.Error(), code)
}
