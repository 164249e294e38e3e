package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus is the delivery state of a conversion event.
type EventStatus string

const (
	StatusPending  EventStatus = "pending"
	StatusRetrying EventStatus = "retrying"
	StatusSent     EventStatus = "sent"
	StatusFailed   EventStatus = "failed"
)

// ConversionEvent is one outbox row: a completed transaction waiting to be
// reported to the ads platform's server-side conversions endpoint.
//
// EventID is the idempotency token presented to the destination. It is assigned
// once (at ingestion) and never regenerated, so destination-side deduplication
// works across retries and backfill re-runs. DedupeKey is the internal
// uniqueness key (organization + upstream transaction id) that makes
// re-ingestion an upsert instead of a duplicate.
type ConversionEvent struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	EventID        string
	DedupeKey      string

	// TransactionID is the upstream transaction (donation) this event was
	// built from; it seeds both DedupeKey and the deterministic EventID of
	// enrichment-only events.
	TransactionID string

	EventName      string
	EventTime      time.Time
	EventSourceURL string

	// UserDataHashed holds identity fields already normalized and hashed at
	// ingestion. The delivery path only filters this map, never re-hashes.
	UserDataHashed map[string]string
	CustomData     map[string]interface{}

	// Browser correlation tokens, passed through unhashed.
	FBP        string
	FBC        string
	ExternalID string

	// PixelOverride routes this event to a pixel other than the tenant default.
	PixelOverride string

	// IsEnrichmentOnly marks events whose primary conversion is already
	// reported upstream; we only send supplementary matching data.
	IsEnrichmentOnly bool

	Status         EventStatus
	RetryCount     int
	NextRetryAt    *time.Time
	LastError      string
	LastHTTPStatus int
	ResponseBody   string
	TraceID        string
	DeliveredAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DestinationPixelID returns the pixel this event should be sent to, given the
// tenant's configured default.
func (e *ConversionEvent) DestinationPixelID(tenantDefault string) string {
	if e.PixelOverride != "" {
		return e.PixelOverride
	}
	return tenantDefault
}
