package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Execution lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusDeadLetter = "dead_lettered"
)

// Job types in the workflow chain.
const (
	JobTypeNotify   = "workflow.notify"
	JobTypePayment  = "workflow.payment"
	JobTypeDocument = "workflow.document"
)

// WorkflowQueue is the queue the chain runs on.
const WorkflowQueue = "workflow"

// Max attempts per chain step, matching the enqueue contract of each
// step's predecessor.
const (
	NotifyMaxAttempts   = 3
	PaymentMaxAttempts  = 3
	DocumentMaxAttempts = 5
)

// JobExecution is one attempt-tracked unit of enqueued work. Ordering and
// lease state live in Redis; this row is the durable record.
type JobExecution struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NotifyPayload is the first chain step's input.
type NotifyPayload struct {
	ApplicationID string      `json:"application_id"`
	Application   Application `json:"application"`
}

func (p NotifyPayload) Validate() error {
	if p.ApplicationID == "" {
		return fmt.Errorf("notify payload: application_id is required")
	}
	if p.Application.Email == "" {
		return fmt.Errorf("notify payload: application email is required")
	}
	return nil
}

// PaymentPayload is the second chain step's input.
type PaymentPayload struct {
	ApplicationID string      `json:"application_id"`
	Application   Application `json:"application"`
}

func (p PaymentPayload) Validate() error {
	if p.ApplicationID == "" {
		return fmt.Errorf("payment payload: application_id is required")
	}
	if p.Application.ApplicationData.Amount <= 0 {
		return fmt.Errorf("payment payload: amount must be positive")
	}
	return nil
}

// DocumentPayload is the terminal chain step's input; it carries the
// payment verdict forward by value.
type DocumentPayload struct {
	ApplicationID string        `json:"application_id"`
	Application   Application   `json:"application"`
	PaymentResult PaymentResult `json:"payment_result"`
}

func (p DocumentPayload) Validate() error {
	if p.ApplicationID == "" {
		return fmt.Errorf("document payload: application_id is required")
	}
	if !p.PaymentResult.Success {
		return fmt.Errorf("document payload: payment result is not successful")
	}
	return nil
}

// AuditLog is a durable event row attached to an execution.
type AuditLog struct {
	ExecutionID string    `json:"execution_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}

// JobOutcome is the observable per-job outcome payload surfaced to
// monitoring collaborators via audit detail.
type JobOutcome struct {
	Status        string `json:"status"`
	ApplicationID string `json:"application_id"`
}
