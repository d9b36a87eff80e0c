package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"application-workflow/internal/models"
	"application-workflow/internal/notify"
	"application-workflow/internal/services"
)

func executionFor(t *testing.T, jobType string, payload any) models.JobExecution {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.JobExecution{
		ID:          "exec-test",
		Type:        jobType,
		Queue:       models.WorkflowQueue,
		Payload:     raw,
		MaxAttempts: 3,
	}
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string, string) error {
	return errors.New("smtp down")
}

func TestNotifyHandlerRequestsPaymentSuccessor(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := NewNotifyHandler(notify.NewLogSender(log), log)

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypeNotify, models.NotifyPayload{ApplicationID: "app-1", Application: app})

	next, err := h.Execute(context.Background(), exec)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, models.JobTypePayment, next.Type)
	require.Equal(t, models.PaymentMaxAttempts, next.MaxAttempts)
	require.Equal(t, models.WorkflowQueue, next.Queue)
}

func TestNotifyHandlerSendFailureIsNotJobFailure(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := NewNotifyHandler(failingSender{}, log)

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypeNotify, models.NotifyPayload{ApplicationID: "app-1", Application: app})

	next, err := h.Execute(context.Background(), exec)
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestNotifyHandlerRejectsMalformedPayload(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := NewNotifyHandler(notify.NewLogSender(log), log)

	exec := models.JobExecution{ID: "exec-bad", Type: models.JobTypeNotify, Payload: []byte(`{"application_id":""}`)}
	_, err := h.Execute(context.Background(), exec)
	require.Error(t, err)
}

func TestPaymentHandlerMissingSuccessFlagIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	st := newFakeStore()
	h := NewPaymentHandler(services.NewClient(srv.URL, time.Second), st, zaptest.NewLogger(t))

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypePayment, models.PaymentPayload{ApplicationID: "app-1", Application: app})

	next, err := h.Execute(context.Background(), exec)
	require.Nil(t, next)
	require.Error(t, err)
	require.ErrorIs(t, err, services.ErrMalformedResponse)

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, "payment", svcErr.Service)
}

func TestPaymentHandlerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	st := newFakeStore()
	h := NewPaymentHandler(services.NewClient(srv.URL, 20*time.Millisecond), st, zaptest.NewLogger(t))

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypePayment, models.PaymentPayload{ApplicationID: "app-1", Application: app})

	_, err := h.Execute(context.Background(), exec)
	require.Error(t, err)
	require.ErrorIs(t, err, services.ErrTimeout)
}

func TestPaymentHandlerSuccessCarriesResultForward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req paymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "app-1", req.ApplicationID)
		require.Equal(t, 50000, req.Amount)
		require.Equal(t, "ada@example.com", req.CustomerEmail)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"transactionId":"tx-42"}`))
	}))
	defer srv.Close()

	st := newFakeStore()
	st.appStatus["app-1"] = models.AppStatusPending
	h := NewPaymentHandler(services.NewClient(srv.URL, time.Second), st, zaptest.NewLogger(t))

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypePayment, models.PaymentPayload{ApplicationID: "app-1", Application: app})

	next, err := h.Execute(context.Background(), exec)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, models.JobTypeDocument, next.Type)
	require.Equal(t, models.DocumentMaxAttempts, next.MaxAttempts)

	docPayload, ok := next.Payload.(models.DocumentPayload)
	require.True(t, ok)
	require.Equal(t, "tx-42", docPayload.PaymentResult.TransactionID)
	require.True(t, docPayload.PaymentResult.Success)

	// First real work on the record moves it to processing.
	require.Equal(t, models.AppStatusProcessing, st.appStatus["app-1"])
}

func TestPaymentHandlerDeclineIsRetryableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"insufficient funds"}`))
	}))
	defer srv.Close()

	st := newFakeStore()
	h := NewPaymentHandler(services.NewClient(srv.URL, time.Second), st, zaptest.NewLogger(t))

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypePayment, models.PaymentPayload{ApplicationID: "app-1", Application: app})

	next, err := h.Execute(context.Background(), exec)
	require.Nil(t, next)
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient funds")
}

func TestDocumentHandlerCompletesApplication(t *testing.T) {
	var gotReq documentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	st := newFakeStore()
	st.appStatus["app-1"] = models.AppStatusProcessing
	h := NewDocumentHandler(services.NewClient(srv.URL, time.Second), st, zaptest.NewLogger(t))

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypeDocument, models.DocumentPayload{
		ApplicationID: "app-1",
		Application:   app,
		PaymentResult: models.PaymentResult{Success: true, TransactionID: "tx-42"},
	})

	next, err := h.Execute(context.Background(), exec)
	require.NoError(t, err)
	require.Nil(t, next, "document step is terminal")

	require.Equal(t, "app-1", gotReq.ApplicationID)
	require.Equal(t, "loan", gotReq.TemplateType)
	require.Equal(t, "tx-42", gotReq.Data["transactionId"])
	require.Equal(t, models.AppStatusCompleted, st.appStatus["app-1"])
}

func TestDocumentHandlerNonSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newFakeStore()
	st.appStatus["app-1"] = models.AppStatusProcessing
	h := NewDocumentHandler(services.NewClient(srv.URL, time.Second), st, zaptest.NewLogger(t))

	app := testApplication("app-1")
	exec := executionFor(t, models.JobTypeDocument, models.DocumentPayload{
		ApplicationID: "app-1",
		Application:   app,
		PaymentResult: models.PaymentResult{Success: true, TransactionID: "tx-42"},
	})

	_, err := h.Execute(context.Background(), exec)
	require.Error(t, err)
	require.Equal(t, models.AppStatusProcessing, st.appStatus["app-1"], "status must not advance on failure")
}
