package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"application-workflow/internal/config"
	"application-workflow/internal/models"
	"application-workflow/internal/queue"
	"application-workflow/internal/ratelimit"
	"application-workflow/internal/store"
	"application-workflow/internal/telemetry"
)

// Server is the producer entry point: it creates application records and
// starts their workflow by enqueuing the first chain job. All downstream
// outcomes are asynchronous; clients poll the status endpoint.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/applications/submit", s.handleSubmit)
	r.Get("/api/applications/status/{applicationID}", s.handleStatus)
	r.Get("/api/applications/{applicationID}", s.handleGetApplication)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitRequest struct {
	ApplicationID   string `json:"applicationId"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Email           string `json:"email"`
	ApplicationData struct {
		Type      string   `json:"type"`
		Amount    int      `json:"amount"`
		Documents []string `json:"documents"`
	} `json:"applicationData"`
}

type applicationSummary struct {
	ApplicationID string `json:"applicationId"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email"`
	Type          string `json:"type"`
	Amount        int    `json:"amount"`
}

type submitResponse struct {
	Success       bool               `json:"success"`
	ApplicationID string             `json:"applicationId"`
	WorkflowID    string             `json:"workflowId"`
	Message       string             `json:"message"`
	Application   applicationSummary `json:"application"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if verr := ValidateSubmit(body); verr != "" {
		writeError(w, http.StatusBadRequest, verr)
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "rl:"+clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	applicationID := req.ApplicationID
	if applicationID == "" {
		applicationID = newApplicationID()
	}
	documents := req.ApplicationData.Documents
	if len(documents) == 0 {
		documents = defaultDocuments(req.ApplicationData.Type)
	}

	app, err := s.store.CreateApplication(r.Context(), models.Application{
		ApplicationID: applicationID,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Email:         req.Email,
		ApplicationData: models.ApplicationData{
			Type:      req.ApplicationData.Type,
			Amount:    req.ApplicationData.Amount,
			Documents: documents,
		},
		Status: models.AppStatusPending,
	})
	if err != nil {
		s.log.Error("create application failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit")
		return
	}

	exec, err := s.store.CreateExecution(r.Context(), store.CreateExecutionParams{
		Type:        models.JobTypeNotify,
		Queue:       models.WorkflowQueue,
		Payload:     models.NotifyPayload{ApplicationID: app.ApplicationID, Application: app},
		MaxAttempts: models.NotifyMaxAttempts,
		RunAt:       time.Now(),
	})
	if err != nil {
		s.log.Error("create execution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}
	if err := s.queue.Enqueue(r.Context(), exec.ID, exec.Queue, exec.NextRunAt); err != nil {
		s.log.Error("enqueue failed", zap.String("execution_id", exec.ID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "failed to start workflow")
		return
	}
	_ = s.store.AppendAudit(r.Context(), exec.ID, "enqueued", fmt.Sprintf("type=%s queue=%s", exec.Type, exec.Queue))
	telemetry.SubmitCounter.Inc()
	telemetry.EnqueueCounter.Inc()

	s.log.Info("workflow started",
		zap.String("application_id", app.ApplicationID),
		zap.String("execution_id", exec.ID),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{
		Success:       true,
		ApplicationID: app.ApplicationID,
		WorkflowID:    exec.ID,
		Message:       "Application created and processing started",
		Application: applicationSummary{
			ApplicationID: app.ApplicationID,
			FirstName:     app.FirstName,
			LastName:      app.LastName,
			Email:         app.Email,
			Type:          app.ApplicationData.Type,
			Amount:        app.ApplicationData.Amount,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	applicationID := chi.URLParam(r, "applicationID")
	app, err := s.store.GetApplication(r.Context(), applicationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "application not found")
			return
		}
		s.log.Error("status lookup failed", zap.String("application_id", applicationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"application": map[string]any{
			"applicationId": app.ApplicationID,
			"status":        app.Status,
			"createdAt":     app.CreatedAt,
			"updatedAt":     app.UpdatedAt,
		},
	})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	applicationID := chi.URLParam(r, "applicationID")
	app, err := s.store.GetApplication(r.Context(), applicationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "application not found")
			return
		}
		s.log.Error("application lookup failed", zap.String("application_id", applicationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	resp := map[string]any{"success": true, "application": app}
	if n, err := s.store.CountExecutions(r.Context(), applicationID); err == nil {
		resp["executions"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDLQ returns dead-lettered execution ids for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func newApplicationID() string {
	return "app-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// defaultDocuments mirrors the document checklist the intake flow uses
// when the caller does not name any.
func defaultDocuments(appType string) []string {
	docs := []string{"id", "income_proof"}
	if appType == "mortgage" {
		docs = append(docs, "property_docs")
	}
	return docs
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
