package capi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/domain"
	"github.com/ignite/capi-relay/internal/privacy"
)

// Destinations reject events whose event_time drifts too far from delivery
// time, so the builder validates before any send is attempted.
const (
	maxEventAge    = 7 * 24 * time.Hour
	maxFutureSkew  = 10 * time.Minute
	enrichmentSalt = "enrich"
)

// ValidationError marks a payload that fails a build precondition. The
// processor fails such events fast without spending a delivery attempt on
// the wire.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event payload: " + e.Reason
}

// DeriveEnrichmentEventID computes the deterministic idempotency id for an
// enrichment-only event. The same (organization, upstream transaction) pair
// always maps to the same id, so backfill re-runs and retries collapse into
// one logical event at the destination.
func DeriveEnrichmentEventID(orgID uuid.UUID, transactionID string) string {
	sum := sha256.Sum256([]byte(enrichmentSalt + "|" + orgID.String() + "|" + transactionID))
	return hex.EncodeToString(sum[:])[:32]
}

// BuildPayload assembles the wire payload for one stored event under the
// tenant's privacy mode. It never mutates the event and never re-hashes
// identity data.
func BuildPayload(ev *domain.ConversionEvent, mode domain.PrivacyMode, lists privacy.Allowlists, now time.Time) (EventPayload, error) {
	if ev.EventName == "" {
		return EventPayload{}, &ValidationError{Reason: "event_name is empty"}
	}
	if ev.EventTime.IsZero() {
		return EventPayload{}, &ValidationError{Reason: "event_time is not set"}
	}
	if ev.EventTime.Before(now.Add(-maxEventAge)) {
		return EventPayload{}, &ValidationError{Reason: fmt.Sprintf("event_time %s is older than %s", ev.EventTime.Format(time.RFC3339), maxEventAge)}
	}
	if ev.EventTime.After(now.Add(maxFutureSkew)) {
		return EventPayload{}, &ValidationError{Reason: "event_time is in the future"}
	}
	if ev.CustomData["value"] == nil {
		return EventPayload{}, &ValidationError{Reason: "custom_data.value is required"}
	}
	if cur, _ := ev.CustomData["currency"].(string); cur == "" {
		return EventPayload{}, &ValidationError{Reason: "custom_data.currency is required"}
	}

	eventID := ev.EventID
	if ev.IsEnrichmentOnly {
		if ev.TransactionID == "" {
			return EventPayload{}, &ValidationError{Reason: "enrichment event has no transaction id"}
		}
		eventID = DeriveEnrichmentEventID(ev.OrganizationID, ev.TransactionID)
	} else if eventID == "" {
		return EventPayload{}, &ValidationError{Reason: "event has no event_id"}
	}

	userData := privacy.FilterUserData(ev.UserDataHashed, mode, lists)
	if ev.FBP != "" {
		userData["fbp"] = ev.FBP
	}
	if ev.FBC != "" {
		userData["fbc"] = ev.FBC
	}
	if ev.ExternalID != "" {
		userData["external_id"] = ev.ExternalID
	}

	actionSource := ActionSourceSystemGenerated
	if ev.FBP != "" || ev.FBC != "" {
		actionSource = ActionSourceWebsite
	}

	return EventPayload{
		EventName:      ev.EventName,
		EventTime:      ev.EventTime.Unix(),
		EventID:        eventID,
		ActionSource:   actionSource,
		EventSourceURL: ev.EventSourceURL,
		UserData:       userData,
		CustomData:     ev.CustomData,
	}, nil
}
