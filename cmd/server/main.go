package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/xraylabs/xray/internal/logger"
	"github.com/xraylabs/xray/xray"
)

const defaultListLimit = 100

// Server carries the store and routing for the tracing API. The store is
// constructor-injected so tests (and multi-tenant deployments) can run
// isolated servers in one process.
type Server struct {
	store  xray.TraceStore
	db     *sql.DB // nil when backed by the in-memory store
	router *chi.Mux
}

// NewServer creates a server over the given store. db may be nil; when set it
// is only used for health checking.
func NewServer(store xray.TraceStore, db *sql.DB) *Server {
	s := &Server{store: store, db: db}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Post("/", s.handleCreateExecution)

			r.Route("/{executionId}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Patch("/", s.handleUpdateExecution)
				r.Get("/steps", s.handleListSteps)
				r.Post("/steps", s.handleCreateStep)
			})
		})

		r.Route("/steps/{stepId}", func(r chi.Router) {
			r.Get("/", s.handleGetStep)
			r.Patch("/", s.handleUpdateStep)
			r.Post("/evaluations", s.handleAddEvaluation)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondError(w, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Create execution handler
func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	exe, err := s.store.CreateExecution(req.Name, req.Metadata)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exe)
}

// List executions handler
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = parsed
	}

	executions, err := s.store.ListExecutions(limit)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ExecutionListResponse{Executions: executions})
}

// Get execution handler
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionId")

	exe, err := s.store.GetExecution(executionID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exe)
}

// Update execution handler
func (s *Server) handleUpdateExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionId")

	var req UpdateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Status != nil {
		switch *req.Status {
		case xray.StatusRunning, xray.StatusCompleted, xray.StatusFailed:
		default:
			respondError(w, http.StatusBadRequest, "invalid status", fmt.Errorf("status %q", *req.Status))
			return
		}
	}

	exe, err := s.store.UpdateExecution(executionID, xray.ExecutionUpdate{
		Status:  req.Status,
		EndedAt: req.EndedAt,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exe)
}

// Create step handler
func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionId")

	var req CreateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	step, err := s.store.CreateStep(executionID, req.Name, req.Type, req.Input, req.Rules)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, step)
}

// List steps handler
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionId")

	steps, err := s.store.ListSteps(executionID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StepListResponse{Steps: steps})
}

// Get step handler
func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepId")

	step, err := s.store.GetStep(stepID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, step)
}

// Update step handler
func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepId")

	var req UpdateStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	step, err := s.store.UpdateStep(stepID, xray.StepUpdate{
		Output:  req.Output,
		EndedAt: req.EndedAt,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, step)
}

// Add evaluation handler
func (s *Server) handleAddEvaluation(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepId")

	var req CreateEvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.EntityID == "" {
		respondError(w, http.StatusBadRequest, "entity_id is required", nil)
		return
	}

	step, err := s.store.AddEvaluation(stepID, xray.Evaluation{
		EntityID: req.EntityID,
		Value:    req.Value,
		Passed:   req.Passed,
		Reason:   req.Reason,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, step)
}

// respondStoreError maps the store's error taxonomy onto HTTP statuses:
// NotFound is 404, a frozen execution is 409, everything else is 500.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, xray.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, xray.ErrExecutionFinished):
		respondError(w, http.StatusConflict, "execution already finished", err)
	default:
		logger.Error("store operation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error", err)
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	var store xray.TraceStore
	var db *sql.DB

	// DATABASE_URL selects the Postgres-backed store; without it the server
	// runs on the in-memory store.
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		var err error
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			logger.Fatal("failed to open database", "error", err)
		}
		if err := db.Ping(); err != nil {
			logger.Fatal("failed to ping database", "error", err)
		}
		defer db.Close()

		store = xray.NewPostgresTraceStore(db)
		logger.Info("using postgres trace store")
	} else {
		store = xray.NewInMemoryTraceStore()
		logger.Info("using in-memory trace store")
	}

	server := NewServer(store, db)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}
}
