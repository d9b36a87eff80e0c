package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"application-workflow/internal/models"
	"application-workflow/internal/services"
)

// ServiceError wraps a downstream failure with the service it came from.
// All ServiceErrors are retryable up to the execution's max attempts.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// ApplicationStatusStore is the slice of the store the chain handlers
// need: the single atomic status write per application.
type ApplicationStatusStore interface {
	UpdateApplicationStatus(ctx context.Context, applicationID, status string) error
}

type paymentRequest struct {
	ApplicationID string `json:"applicationId"`
	Amount        int    `json:"amount"`
	CustomerEmail string `json:"customerEmail"`
}

// PaymentHandler runs the second chain step: charge the applicant through
// the payment service and hand the verdict to the document step.
type PaymentHandler struct {
	client *services.Client
	apps   ApplicationStatusStore
	log    *zap.Logger
}

func NewPaymentHandler(client *services.Client, apps ApplicationStatusStore, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{client: client, apps: apps, log: log}
}

func (h *PaymentHandler) Execute(ctx context.Context, exec models.JobExecution) (*NextJob, error) {
	var payload models.PaymentPayload
	if err := json.Unmarshal(exec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payment payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	// First step that does real work on the record: move it to processing.
	// The store guard makes this safe to repeat on retries.
	if err := h.apps.UpdateApplicationStatus(ctx, payload.ApplicationID, models.AppStatusProcessing); err != nil {
		return nil, fmt.Errorf("mark application processing: %w", err)
	}

	resp, err := h.client.PostJSON(ctx, "/api/payment/submit", paymentRequest{
		ApplicationID: payload.ApplicationID,
		Amount:        payload.Application.ApplicationData.Amount,
		CustomerEmail: payload.Application.Email,
	})
	if err != nil {
		return nil, &ServiceError{Service: "payment", Err: err}
	}
	if !resp.OK() {
		return nil, &ServiceError{Service: "payment", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	result, err := parsePaymentResult(resp.Body)
	if err != nil {
		return nil, &ServiceError{Service: "payment", Err: err}
	}
	if !result.Success {
		return nil, &ServiceError{Service: "payment", Err: fmt.Errorf("payment declined: %s", result.Error)}
	}

	h.log.Info("payment accepted",
		zap.String("application_id", payload.ApplicationID),
		zap.String("transaction_id", result.TransactionID),
	)

	return &NextJob{
		Type:  models.JobTypeDocument,
		Queue: exec.Queue,
		Payload: models.DocumentPayload{
			ApplicationID: payload.ApplicationID,
			Application:   payload.Application,
			PaymentResult: result,
		},
		MaxAttempts: models.DocumentMaxAttempts,
	}, nil
}

// parsePaymentResult enforces the response contract: the success flag
// must be present. A body without it is malformed, never a success.
func parsePaymentResult(body json.RawMessage) (models.PaymentResult, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return models.PaymentResult{}, fmt.Errorf("%w: %v", services.ErrMalformedResponse, err)
	}
	if _, ok := shape["success"]; !ok {
		return models.PaymentResult{}, fmt.Errorf("%w: missing success flag", services.ErrMalformedResponse)
	}
	var result models.PaymentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return models.PaymentResult{}, fmt.Errorf("%w: %v", services.ErrMalformedResponse, err)
	}
	return result, nil
}
