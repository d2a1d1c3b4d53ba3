package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"campoquest/field-sync/internal/cache"
	"campoquest/field-sync/internal/metrics"
	"campoquest/field-sync/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ResponseStore persists synced survey data
type ResponseStore interface {
	SubmitResponse(ctx context.Context, payload *models.ResponsePayload) (string, error)
	SubmitAnswer(ctx context.Context, payload *models.AnswerPayload) (string, error)
}

// AssignmentSource loads assignment records for validation
type AssignmentSource interface {
	GetAssignment(ctx context.Context, id string) (*models.Assignment, error)
}

// Server holds the dependencies of the sync API handlers
type Server struct {
	store             ResponseStore
	assignments       AssignmentSource
	cache             *cache.AssignmentCache
	accuracyThreshold float64
	logger            *zap.Logger
}

// NewServer creates the API server
func NewServer(store ResponseStore, assignments AssignmentSource, assignmentCache *cache.AssignmentCache, accuracyThreshold float64, logger *zap.Logger) *Server {
	if accuracyThreshold <= 0 {
		accuracyThreshold = 50
	}
	return &Server{
		store:             store,
		assignments:       assignments,
		cache:             assignmentCache,
		accuracyThreshold: accuracyThreshold,
		logger:            logger,
	}
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/api/v1/sync", timed("sync", s.handleSync))
	r.Post("/api/v1/validate-location", timed("validate_location", s.handleValidateLocation))

	return r
}

// corsMiddleware answers preflights and marks every response for the
// browser-based field app, which calls the API from a different origin
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timed records the request duration under the endpoint label
func timed(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		metrics.RequestDurationMs.WithLabelValues(endpoint).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode json response", zap.Error(err))
	}
}
