package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chargeflow/auth"
	"chargeflow/dispute"
	"chargeflow/ledger"
	"chargeflow/lifecycle"
	"chargeflow/webhook"
)

const maxBodyBytes = 1 << 20

type ctxKey string

const (
	ctxKeyRequestID  ctxKey = "request_id"
	ctxKeyOperatorID ctxKey = "operator_id"
	ctxKeyRole       ctxKey = "role"
)

// Server is the HTTP surface over the lifecycle coordinator.
type Server struct {
	coord  *lifecycle.Coordinator
	ingest *webhook.Ingestor
	auth   *auth.Service
	log    *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/webhooks/{tenant}", s.handleWebhook)

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Get("/disputes", s.handleListDisputes)
		r.Get("/disputes/{id}", s.handleDispute)
		r.Get("/disputes/{id}/timeline", s.handleTimeline)
		r.Get("/disputes/{id}/evidence", s.handleEvidence)
		r.Post("/disputes/{id}/commands/{command}", s.handleCommand)
		r.Get("/review-items", s.handleReviewItems)
		r.Post("/review-items/{itemId}/resolve", s.handleResolveReview)
		r.Get("/audit/verify", s.handleVerifyAudit)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked", "path", r.URL.Path, "panic", rec, "request_id", r.Context().Value(ctxKeyRequestID))
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	})
}

// requireOperator attaches the operator identity. Without a configured
// secret the X-Operator-Id header is trusted.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := auth.Operator{ID: r.Header.Get("X-Operator-Id"), Role: auth.RoleOperator}
		if s.auth.Enabled() {
			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
				return
			}
			if op, err = s.auth.VerifyToken(token); err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
		}
		if op.ID == "" {
			op.ID = "operator"
		}
		ctx := context.WithValue(r.Context(), ctxKeyOperatorID, op.ID)
		ctx = context.WithValue(ctx, ctxKeyRole, op.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFrom(ctx context.Context) dispute.Actor {
	id, _ := ctx.Value(ctxKeyOperatorID).(string)
	if id == "" {
		id = "operator"
	}
	return dispute.Actor{Type: ledger.ActorUser, ID: id}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhook.Event
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid envelope: "+err.Error())
		return
	}
	ev.TenantID = chi.URLParam(r, "tenant")

	res, err := s.ingest.Ingest(r.Context(), ev)
	if err != nil {
		if webhook.IsClientError(err) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		// Provider retries on 5xx; dedup was released.
		s.log.Error("webhook ingest failed", "tenant", ev.TenantID, "event_id", ev.ExternalEventID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.coord.List(r.Context(), chi.URLParam(r, "tenant"), dispute.ListFilter{
		Status: dispute.Status(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:  limit,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.coord.Get(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.coord.Timeline(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]timelineResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toTimelineResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	pack, err := s.coord.EvidencePack(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body lifecycle.CommandBody
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid body: "+err.Error())
			return
		}
	}

	res, err := s.coord.Execute(r.Context(), lifecycle.Command{
		Name:           chi.URLParam(r, "command"),
		TenantID:       chi.URLParam(r, "tenant"),
		DisputeID:      chi.URLParam(r, "id"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Actor:          operatorFrom(r.Context()),
		Body:           body,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReviewItems(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.coord.ListReview(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid body")
		return
	}
	item, err := s.coord.ResolveReview(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "itemId"),
		strings.TrimSpace(payload.Resolution), operatorFrom(r.Context()))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.VerifyAudit(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		TenantID: res.TenantID,
		Checked:  res.Checked,
		OK:       res.OK,
		BrokenAt: res.BrokenAt,
		Reason:   res.Reason,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Stats(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", r.Context().Value(ctxKeyRequestID))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}
