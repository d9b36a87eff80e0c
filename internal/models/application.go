package models

import (
	"time"
)

// Application status values. The happy path moves pending -> processing ->
// completed; the store rejects backward writes.
const (
	AppStatusPending    = "pending"
	AppStatusProcessing = "processing"
	AppStatusCompleted  = "completed"
	AppStatusFailed     = "failed"
)

// statusRank orders application statuses for the forward-only guard.
var statusRank = map[string]int{
	AppStatusPending:    0,
	AppStatusProcessing: 1,
	AppStatusCompleted:  2,
	AppStatusFailed:     2,
}

// StatusAdvances reports whether moving from one status to another goes
// forward in the lifecycle. Equal-rank writes (completed vs failed) count
// as forward so a terminal write is never rejected by ordering alone.
func StatusAdvances(from, to string) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank >= fromRank
}

// PriorStatuses returns every status a record may hold before being moved
// to the given status. Used by the store's UPDATE guard.
func PriorStatuses(to string) []string {
	toRank, ok := statusRank[to]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(statusRank))
	for s, r := range statusRank {
		if r <= toRank {
			out = append(out, s)
		}
	}
	return out
}

// ApplicationData carries the applicant's request details.
type ApplicationData struct {
	Type      string   `json:"type"`
	Amount    int      `json:"amount"`
	Documents []string `json:"documents"`
}

// Application is the durable record the workflow operates on. Rows are
// created once by the submit endpoint and only their status is mutated
// afterwards, by job executions; records are never deleted.
type Application struct {
	ApplicationID   string          `json:"application_id"`
	FirstName       string          `json:"first_name"`
	LastName        string          `json:"last_name"`
	Email           string          `json:"email"`
	ApplicationData ApplicationData `json:"application_data"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PaymentResult is the payment service's verdict, carried by value into
// the document step rather than re-fetched. Field names follow the
// payment service's wire contract.
type PaymentResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
}
