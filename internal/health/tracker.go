// Package health aggregates per-tenant delivery statistics for operational
// dashboards. A tenant with a long consecutive-failure streak and a
// credentials error has an expired token; sporadic transport errors across
// tenants point at a destination outage.
package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/domain"
)

// Tracker records the outcome of every delivery attempt per tenant.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a Tracker backed by the database.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// RecordSuccess bumps the tenant's success counter and clears the failure
// streak.
func (t *Tracker) RecordSuccess(ctx context.Context, orgID uuid.UUID) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO capi_tenant_health (organization_id, success_count, failure_count, consecutive_failures, last_success_at, updated_at)
		VALUES ($1, 1, 0, 0, NOW(), NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			success_count        = capi_tenant_health.success_count + 1,
			consecutive_failures = 0,
			last_success_at      = NOW(),
			updated_at           = NOW()`, orgID)
	if err != nil {
		return fmt.Errorf("recording success: %w", err)
	}
	return nil
}

// RecordFailure bumps the tenant's failure counters and retains the error
// text for the dashboard.
func (t *Tracker) RecordFailure(ctx context.Context, orgID uuid.UUID, lastError string) error {
	if len(lastError) > 1024 {
		lastError = lastError[:1024]
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO capi_tenant_health (organization_id, success_count, failure_count, consecutive_failures, last_error, last_failure_at, updated_at)
		VALUES ($1, 0, 1, 1, $2, NOW(), NOW())
		ON CONFLICT (organization_id) DO UPDATE SET
			failure_count        = capi_tenant_health.failure_count + 1,
			consecutive_failures = capi_tenant_health.consecutive_failures + 1,
			last_error           = $2,
			last_failure_at      = NOW(),
			updated_at           = NOW()`, orgID, lastError)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	return nil
}

// GetStats returns the tenant's health record, or (nil, nil) for a tenant
// that has never had a delivery attempt.
func (t *Tracker) GetStats(ctx context.Context, orgID uuid.UUID) (*domain.HealthStats, error) {
	var stats domain.HealthStats
	err := t.db.QueryRowContext(ctx, `
		SELECT organization_id, success_count, failure_count, consecutive_failures,
		       COALESCE(last_error, ''), last_success_at, last_failure_at, updated_at
		FROM capi_tenant_health
		WHERE organization_id = $1`, orgID).Scan(
		&stats.OrganizationID, &stats.SuccessCount, &stats.FailureCount,
		&stats.ConsecutiveFailures, &stats.LastError,
		&stats.LastSuccessAt, &stats.LastFailureAt, &stats.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying health stats: %w", err)
	}
	return &stats, nil
}
