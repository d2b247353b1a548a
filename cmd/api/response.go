package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chargeflow/auth"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/idempotency"
	"chargeflow/ledger"
	"chargeflow/lifecycle"
	"chargeflow/review"
	"chargeflow/webhook"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, evidence.ErrNotFound),
		errors.Is(err, review.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, idempotency.ErrMissingKey),
		errors.Is(err, lifecycle.ErrInvalidCommand),
		errors.Is(err, webhook.ErrInvalidEvent):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "REQUEST_IN_PROGRESS"
	case errors.Is(err, dispute.ErrIllegalTransition):
		return http.StatusConflict, "ILLEGAL_TRANSITION"
	case errors.Is(err, review.ErrAlreadyResolved):
		return http.StatusConflict, "ALREADY_RESOLVED"
	case errors.Is(err, dispute.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT"
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type disputeResponse struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenantId"`
	Processor        string `json:"processor"`
	ExternalCaseID   string `json:"externalCaseId"`
	ExternalStatus   string `json:"externalStatus,omitempty"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
	AmountMinor      int64  `json:"amountMinor"`
	Currency         string `json:"currency,omitempty"`
	EvidenceDeadline string `json:"evidenceDeadline,omitempty"`
	OrderID          string `json:"orderId,omitempty"`
	EvidencePackID   string `json:"evidencePackId,omitempty"`
	NeedsManual      bool   `json:"needsManual"`
	LastError        string `json:"lastError,omitempty"`
	DuplicateOf      string `json:"duplicateOf,omitempty"`
	Version          int    `json:"version"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	out := disputeResponse{
		ID:             d.ID,
		TenantID:       d.TenantID,
		Processor:      d.Processor,
		ExternalCaseID: d.ExternalCaseID,
		ExternalStatus: d.ExternalStatus,
		Status:         string(d.Status),
		Reason:         d.Reason,
		AmountMinor:    d.AmountMinor,
		Currency:       d.Currency,
		OrderID:        d.OrderID,
		EvidencePackID: d.EvidencePackID,
		NeedsManual:    d.NeedsManual,
		LastError:      d.LastError,
		DuplicateOf:    d.DuplicateOf,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.EvidenceDeadline != nil {
		out.EvidenceDeadline = d.EvidenceDeadline.UTC().Format(time.RFC3339)
	}
	return out
}

type timelineResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Severity  string          `json:"severity"`
	ActorType string          `json:"actorType"`
	ActorID   string          `json:"actorId,omitempty"`
	Metadata  ledger.Metadata `json:"metadata,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

func toTimelineResponse(e dispute.TimelineEvent) timelineResponse {
	return timelineResponse{
		ID:        e.ID,
		Kind:      e.Kind,
		Message:   e.Message,
		Severity:  string(e.Severity),
		ActorType: string(e.ActorType),
		ActorID:   e.ActorID,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type verifyResponse struct {
	TenantID string `json:"tenantId"`
	Checked  int    `json:"checked"`
	OK       bool   `json:"ok"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
