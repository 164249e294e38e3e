// Package postgres holds the raw-SQL stores behind the delivery pipeline:
// the conversion-event outbox and the tenant configuration/credential reads.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/domain"
)

// EventStore reads and mutates capi_events rows. It is the only writer of
// delivery state; ingestion creates rows, the processor moves them.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `
	id, organization_id, event_id, dedupe_key, transaction_id,
	event_name, event_time, event_source_url,
	COALESCE(user_data_hashed, '{}'::jsonb),
	COALESCE(custom_data, '{}'::jsonb),
	COALESCE(fbp, ''), COALESCE(fbc, ''), COALESCE(external_id, ''),
	COALESCE(pixel_override, ''), is_enrichment_only,
	status, retry_count, next_retry_at,
	COALESCE(last_error, ''), COALESCE(last_http_status, 0),
	COALESCE(response_body, ''), COALESCE(trace_id, ''),
	delivered_at, created_at, updated_at`

// ClaimDue atomically selects due events and stamps them retrying, acting as
// a cooperative lease: a concurrent pass cannot pick up the same rows, and a
// crashed worker's rows become claimable again once locked_at ages past the
// lease window.
func (s *EventStore) ClaimDue(ctx context.Context, workerID string, limit, maxAttempts int, leaseWindow time.Duration) ([]domain.ConversionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE capi_events
			SET status = 'retrying',
			    worker_id = $1,
			    locked_at = NOW(),
			    updated_at = NOW()
			WHERE id IN (
				SELECT e.id FROM capi_events e
				WHERE (e.next_retry_at IS NULL OR e.next_retry_at <= NOW())
				  AND e.retry_count < $2
				  AND (
					e.status = 'pending'
					OR (e.status = 'retrying' AND e.locked_at < NOW() - $3::interval)
				  )
				ORDER BY e.next_retry_at ASC NULLS FIRST, e.created_at ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		)
		SELECT `+eventColumns+` FROM claimed`,
		workerID, maxAttempts, fmt.Sprintf("%d seconds", int(leaseWindow.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due events: %w", err)
	}
	defer rows.Close()

	var events []domain.ConversionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkSent finalizes a delivered event: terminal success, error fields
// cleared, destination response metadata retained for audit.
func (s *EventStore) MarkSent(ctx context.Context, id uuid.UUID, httpStatus int, responseBody, traceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE capi_events
		SET status = 'sent',
		    delivered_at = NOW(),
		    last_error = NULL,
		    next_retry_at = NULL,
		    last_http_status = $2,
		    response_body = $3,
		    trace_id = $4,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		id, httpStatus, responseBody, traceID)
	if err != nil {
		return fmt.Errorf("marking event sent: %w", err)
	}
	return nil
}

// MarkFailedAttempt records a non-success outcome: retry_count advances,
// next_retry_at is always re-set, and the row goes terminal failed or back to
// pending. No outcome leaves the row unscheduled.
func (s *EventStore) MarkFailedAttempt(ctx context.Context, id uuid.UUID, lastError string, httpStatus int, responseBody string, nextRetryAt time.Time, terminal bool) error {
	status := domain.StatusPending
	if terminal {
		status = domain.StatusFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE capi_events
		SET status = $2,
		    retry_count = retry_count + 1,
		    next_retry_at = $3,
		    last_error = $4,
		    last_http_status = $5,
		    response_body = $6,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		id, string(status), nextRetryAt, truncate(lastError, 1024), httpStatus, truncate(responseBody, 2048))
	if err != nil {
		return fmt.Errorf("marking event failed: %w", err)
	}
	return nil
}

// Upsert inserts an ingested event or refreshes the payload of an existing
// one. The dedupe key makes re-ingestion idempotent, and the stored event_id
// is never replaced — that is what keeps destination-side deduplication
// working across backfills.
func (s *EventStore) Upsert(ctx context.Context, ev *domain.ConversionEvent) (uuid.UUID, error) {
	userData, err := json.Marshal(ev.UserDataHashed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding user data: %w", err)
	}
	customData, err := json.Marshal(ev.CustomData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding custom data: %w", err)
	}

	var id uuid.UUID
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO capi_events (
			id, organization_id, event_id, dedupe_key, transaction_id,
			event_name, event_time, event_source_url,
			user_data_hashed, custom_data,
			fbp, fbc, external_id, pixel_override, is_enrichment_only,
			status, retry_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, 'pending', 0, NOW(), NOW()
		)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			event_name       = EXCLUDED.event_name,
			event_time       = EXCLUDED.event_time,
			event_source_url = EXCLUDED.event_source_url,
			user_data_hashed = EXCLUDED.user_data_hashed,
			custom_data      = EXCLUDED.custom_data,
			fbp              = EXCLUDED.fbp,
			fbc              = EXCLUDED.fbc,
			external_id      = EXCLUDED.external_id,
			updated_at       = NOW()
		RETURNING id`,
		ev.ID, ev.OrganizationID, ev.EventID, ev.DedupeKey, ev.TransactionID,
		ev.EventName, ev.EventTime, ev.EventSourceURL,
		userData, customData,
		ev.FBP, ev.FBC, ev.ExternalID, ev.PixelOverride, ev.IsEnrichmentOnly).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting event: %w", err)
	}
	return id, nil
}

// Get loads one event by id.
func (s *EventStore) Get(ctx context.Context, id uuid.UUID) (*domain.ConversionEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM capi_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Requeue resets a terminal failed event for another round of attempts.
// Only failed rows requeue; sent rows stay immutable.
func (s *EventStore) Requeue(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capi_events
		SET status = 'pending',
		    retry_count = 0,
		    next_retry_at = NULL,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("requeueing event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s is not in a failed state", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (domain.ConversionEvent, error) {
	var (
		ev                   domain.ConversionEvent
		userData, customData []byte
		status               string
	)
	err := row.Scan(
		&ev.ID, &ev.OrganizationID, &ev.EventID, &ev.DedupeKey, &ev.TransactionID,
		&ev.EventName, &ev.EventTime, &ev.EventSourceURL,
		&userData, &customData,
		&ev.FBP, &ev.FBC, &ev.ExternalID,
		&ev.PixelOverride, &ev.IsEnrichmentOnly,
		&status, &ev.RetryCount, &ev.NextRetryAt,
		&ev.LastError, &ev.LastHTTPStatus,
		&ev.ResponseBody, &ev.TraceID,
		&ev.DeliveredAt, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return ev, err
	}
	ev.Status = domain.EventStatus(status)
	if err := json.Unmarshal(userData, &ev.UserDataHashed); err != nil {
		return ev, fmt.Errorf("decoding user_data_hashed for %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal(customData, &ev.CustomData); err != nil {
		return ev, fmt.Errorf("decoding custom_data for %s: %w", ev.ID, err)
	}
	return ev, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
