package domain

import (
	"time"

	"github.com/google/uuid"
)

// HealthStats is the per-tenant rolling delivery health record, updated after
// every attempt and read by operational dashboards. A sustained failure streak
// with a credentials error points at an expired token; sporadic transport
// errors point at destination outages.
type HealthStats struct {
	OrganizationID      uuid.UUID  `json:"organization_id"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
