package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"application-workflow/internal/models"
	"application-workflow/internal/services"
)

type documentRequest struct {
	ApplicationID string         `json:"applicationId"`
	TemplateType  string         `json:"templateType"`
	Data          map[string]any `json:"data"`
}

// DocumentHandler runs the terminal chain step: ask the document service
// to generate the paperwork, then mark the application completed. No
// successor.
type DocumentHandler struct {
	client *services.Client
	apps   ApplicationStatusStore
	log    *zap.Logger
}

func NewDocumentHandler(client *services.Client, apps ApplicationStatusStore, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{client: client, apps: apps, log: log}
}

func (h *DocumentHandler) Execute(ctx context.Context, exec models.JobExecution) (*NextJob, error) {
	var payload models.DocumentPayload
	if err := json.Unmarshal(exec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode document payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	data, err := documentData(payload)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.PostJSON(ctx, "/api/document/submit", documentRequest{
		ApplicationID: payload.ApplicationID,
		TemplateType:  payload.Application.ApplicationData.Type,
		Data:          data,
	})
	if err != nil {
		return nil, &ServiceError{Service: "document", Err: err}
	}
	if !resp.OK() {
		return nil, &ServiceError{Service: "document", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if err := h.apps.UpdateApplicationStatus(ctx, payload.ApplicationID, models.AppStatusCompleted); err != nil {
		return nil, fmt.Errorf("mark application completed: %w", err)
	}

	h.log.Info("workflow completed",
		zap.String("application_id", payload.ApplicationID),
		zap.String("transaction_id", payload.PaymentResult.TransactionID),
	)
	return nil, nil
}

// documentData flattens the record for the document template and carries
// the payment transaction along, per the document service contract.
func documentData(payload models.DocumentPayload) (map[string]any, error) {
	raw, err := json.Marshal(payload.Application)
	if err != nil {
		return nil, fmt.Errorf("marshal application: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("flatten application: %w", err)
	}
	data["transactionId"] = payload.PaymentResult.TransactionID
	return data, nil
}
