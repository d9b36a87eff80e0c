package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"application-workflow/internal/models"
	"application-workflow/internal/notify"
)

// NotifyHandler runs the first chain step: send the application-received
// email, then hand the record off to the payment step. The notification
// itself is fire-and-forget; a send failure is logged, never retried, and
// never blocks the chain. Nothing is persisted by this step.
type NotifyHandler struct {
	sender notify.Sender
	log    *zap.Logger
}

func NewNotifyHandler(sender notify.Sender, log *zap.Logger) *NotifyHandler {
	return &NotifyHandler{sender: sender, log: log}
}

func (h *NotifyHandler) Execute(ctx context.Context, exec models.JobExecution) (*NextJob, error) {
	var payload models.NotifyPayload
	if err := json.Unmarshal(exec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode notify payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	app := payload.Application
	subject := "We received your application"
	body := fmt.Sprintf("Hi %s, your %s application %s for %d is being processed.",
		app.FirstName, app.ApplicationData.Type, payload.ApplicationID, app.ApplicationData.Amount)
	if err := h.sender.Send(ctx, app.Email, subject, body); err != nil {
		h.log.Warn("notification send failed",
			zap.String("application_id", payload.ApplicationID),
			zap.Error(err),
		)
	}

	return &NextJob{
		Type:  models.JobTypePayment,
		Queue: exec.Queue,
		Payload: models.PaymentPayload{
			ApplicationID: payload.ApplicationID,
			Application:   payload.Application,
		},
		MaxAttempts: models.PaymentMaxAttempts,
	}, nil
}
