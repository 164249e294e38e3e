// Package api exposes the HTTP surface of the relay: event ingestion, the
// scheduler trigger, and the operator endpoints for tenant health, dry runs,
// and requeues.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/capi"
	"github.com/ignite/capi-relay/internal/domain"
	"github.com/ignite/capi-relay/internal/pkg/logger"
	"github.com/ignite/capi-relay/internal/privacy"
	"github.com/ignite/capi-relay/internal/processor"
)

// Runner triggers outbox passes and payload dry runs.
type Runner interface {
	RunOnce(ctx context.Context) (processor.Summary, error)
	BuildOnly(ctx context.Context, ev *domain.ConversionEvent) (capi.EventPayload, error)
}

// EventStore is the subset of the outbox store the HTTP layer needs.
type EventStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.ConversionEvent, error)
	Upsert(ctx context.Context, ev *domain.ConversionEvent) (uuid.UUID, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

// HealthStatsReader reads per-tenant delivery statistics.
type HealthStatsReader interface {
	GetStats(ctx context.Context, orgID uuid.UUID) (*domain.HealthStats, error)
}

// Handlers holds all HTTP handlers for the relay API.
type Handlers struct {
	runner Runner
	store  EventStore
	stats  HealthStatsReader
}

// NewHandlers creates the handler set.
func NewHandlers(runner Runner, store EventStore, stats HealthStatsReader) *Handlers {
	return &Handlers{runner: runner, store: store, stats: stats}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// TriggerRun runs one outbox pass synchronously and returns its summary.
// The external scheduler calls this on a fixed cadence.
//
//	POST /api/capi/run
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runner.RunOnce(r.Context())
	if err != nil {
		logger.Error("outbox pass failed", "error", err.Error())
		respondError(w, http.StatusInternalServerError, "run failed: "+err.Error())
		return
	}
	if summary.Locked {
		// Another instance holds the run lock; report without error so the
		// scheduler does not alarm on overlapping triggers.
		respondJSON(w, http.StatusOK, summary)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// GetTenantHealth returns delivery statistics for one tenant.
//
//	GET /api/tenants/{orgID}/health
func (h *Handlers) GetTenantHealth(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid organization id")
		return
	}

	stats, err := h.stats.GetStats(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		respondJSON(w, http.StatusOK, domain.HealthStats{OrganizationID: orgID})
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// DryRunEvent builds the exact payload a delivery pass would send for one
// stored event, without sending it. Secrets never appear in the response.
//
//	GET /api/events/{id}/dry-run
func (h *Handlers) DryRunEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	ev, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ev == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	payload, err := h.runner.BuildOnly(r.Context(), ev)
	if err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"event_id": ev.EventID,
			"status":   string(ev.Status),
			"error":    err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"event_id": ev.EventID,
		"status":   string(ev.Status),
		"payload":  payload,
	})
}

// RequeueEvent resets a terminally failed event for a fresh round of
// delivery attempts.
//
//	POST /api/events/{id}/requeue
func (h *Handlers) RequeueEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	if err := h.store.Requeue(r.Context(), id); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	logger.Info("event requeued", "id", id.String())
	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// IngestRequest is the payload accepted from upstream producers. Identity
// fields arrive raw and are hashed before they touch the database.
type IngestRequest struct {
	OrganizationID   string                 `json:"organization_id"`
	TransactionID    string                 `json:"transaction_id"`
	EventID          string                 `json:"event_id"`
	EventName        string                 `json:"event_name"`
	EventTime        time.Time              `json:"event_time"`
	EventSourceURL   string                 `json:"event_source_url"`
	UserData         map[string]string      `json:"user_data"`
	CustomData       map[string]interface{} `json:"custom_data"`
	FBP              string                 `json:"fbp"`
	FBC              string                 `json:"fbc"`
	ExternalID       string                 `json:"external_id"`
	PixelOverride    string                 `json:"pixel_override"`
	IsEnrichmentOnly bool                   `json:"is_enrichment_only"`
}

// IngestEvent accepts a conversion event into the outbox. Re-posting the same
// (organization, transaction) pair refreshes the payload without creating a
// duplicate or changing the event's idempotency id.
//
//	POST /api/events
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid organization_id")
		return
	}
	if req.TransactionID == "" {
		respondError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}
	if req.EventName == "" {
		respondError(w, http.StatusBadRequest, "event_name is required")
		return
	}
	if req.EventTime.IsZero() {
		respondError(w, http.StatusBadRequest, "event_time is required")
		return
	}
	// Primary events receive their idempotency id here, once, and keep it
	// forever. Enrichment events derive theirs deterministically at build
	// time, so they carry none.
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" && !req.IsEnrichmentOnly {
		eventID = uuid.New().String()
	}

	ev := &domain.ConversionEvent{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		EventID:          eventID,
		DedupeKey:        orgID.String() + ":" + req.TransactionID,
		TransactionID:    req.TransactionID,
		EventName:        req.EventName,
		EventTime:        req.EventTime,
		EventSourceURL:   req.EventSourceURL,
		UserDataHashed:   privacy.HashUserData(req.UserData),
		CustomData:       req.CustomData,
		FBP:              req.FBP,
		FBC:              req.FBC,
		ExternalID:       req.ExternalID,
		PixelOverride:    req.PixelOverride,
		IsEnrichmentOnly: req.IsEnrichmentOnly,
		Status:           domain.StatusPending,
	}

	id, err := h.store.Upsert(r.Context(), ev)
	if err != nil {
		logger.Error("event ingestion failed",
			"organization_id", orgID.String(), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "storing event failed")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     id.String(),
		"status": "accepted",
	})
}
