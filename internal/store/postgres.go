package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"application-workflow/internal/models"
)

// ErrNotFound is returned when an application or execution row is missing.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence: application records,
// job executions, and the audit log.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateApplication inserts a new application record with status pending.
func (s *Store) CreateApplication(ctx context.Context, app models.Application) (models.Application, error) {
	if app.Status == "" {
		app.Status = models.AppStatusPending
	}
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now

	dataJSON, err := json.Marshal(app.ApplicationData)
	if err != nil {
		return models.Application{}, fmt.Errorf("marshal application data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO applications (application_id, first_name, last_name, email, application_data, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, app.ApplicationID, app.FirstName, app.LastName, app.Email, dataJSON, app.Status, now)
	if err != nil {
		return models.Application{}, fmt.Errorf("insert application: %w", err)
	}
	return app, nil
}

// GetApplication fetches an application by its id.
func (s *Store) GetApplication(ctx context.Context, applicationID string) (models.Application, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT application_id, first_name, last_name, email, application_data, status, created_at, updated_at
		FROM applications WHERE application_id = $1
	`, applicationID)

	var app models.Application
	var dataJSON []byte
	if err := row.Scan(&app.ApplicationID, &app.FirstName, &app.LastName, &app.Email, &dataJSON, &app.Status, &app.CreatedAt, &app.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Application{}, fmt.Errorf("application %s: %w", applicationID, ErrNotFound)
		}
		return models.Application{}, fmt.Errorf("scan application: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &app.ApplicationData); err != nil {
		return models.Application{}, fmt.Errorf("unmarshal application data: %w", err)
	}
	return app, nil
}

// UpdateApplicationStatus moves a record's status forward. The WHERE guard
// makes the write a no-op when it would move the status backward, so a
// late-arriving retry can never undo a terminal state. Atomic per row.
func (s *Store) UpdateApplicationStatus(ctx context.Context, applicationID, status string) error {
	prior := models.PriorStatuses(status)
	if prior == nil {
		return fmt.Errorf("unknown application status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET status = $2, updated_at = NOW()
		WHERE application_id = $1 AND status = ANY($3)
	`, applicationID, status, prior)
	if err != nil {
		return fmt.Errorf("update application status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM applications WHERE application_id = $1)
		`, applicationID).Scan(&exists); err != nil {
			return fmt.Errorf("check application exists: %w", err)
		}
		if !exists {
			return fmt.Errorf("application %s: %w", applicationID, ErrNotFound)
		}
		// Row exists but the write would move backward; keep the stronger
		// status (last-writer-wins only applies among forward writes).
	}
	return nil
}

// CreateExecutionParams collects inputs required to persist an execution.
type CreateExecutionParams struct {
	Type        string
	Queue       string
	Payload     any
	MaxAttempts int
	RunAt       time.Time
}

// CreateExecution inserts a job execution row with attempts 0 and returns it.
func (s *Store) CreateExecution(ctx context.Context, p CreateExecutionParams) (models.JobExecution, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Queue == "" {
		p.Queue = models.WorkflowQueue
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_executions (id, type, queue, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, p.Type, p.Queue, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.JobExecution{}, fmt.Errorf("insert execution: %w", err)
	}

	return models.JobExecution{
		ID:          id,
		Type:        p.Type,
		Queue:       p.Queue,
		Payload:     payloadJSON,
		Status:      models.StatusQueued,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetExecution fetches an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (models.JobExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, queue, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM job_executions WHERE id = $1
	`, id)

	var exec models.JobExecution
	var lastErr pgtype.Text
	if err := row.Scan(&exec.ID, &exec.Type, &exec.Queue, &exec.Payload, &exec.Status, &exec.Attempts, &exec.MaxAttempts, &exec.NextRunAt, &lastErr, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobExecution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return models.JobExecution{}, fmt.Errorf("scan execution: %w", err)
	}
	exec.LastError = textPtr(lastErr)
	return exec, nil
}

// MarkExecutionRunning flags a claimed execution as in progress.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusInProgress)
	return err
}

// MarkExecutionSucceeded transitions an execution to succeeded.
func (s *Store) MarkExecutionSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusSucceeded)
	return err
}

// RecordExecutionFailure bumps attempts and schedules the next run after a
// retryable failure.
func (s *Store) RecordExecutionFailure(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// MarkExecutionDeadLettered records terminal failure.
func (s *Store) MarkExecutionDeadLettered(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDeadLetter, lastErr)
	return err
}

// RequeueExecution resets a reclaimed execution to queued without touching
// its attempt count; the lease expired, the attempt never settled.
func (s *Store) RequeueExecution(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_executions SET status = $2, next_run_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.StatusQueued)
	return err
}

// CountExecutions returns how many executions exist for an application's
// chain, matched through the payload's application_id.
func (s *Store) CountExecutions(ctx context.Context, applicationID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_executions WHERE payload->>'application_id' = $1
	`, applicationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// AppendAudit adds an audit row for an execution.
func (s *Store) AppendAudit(ctx context.Context, executionID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (execution_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, executionID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
