package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/domain"
)

// TenantStore reads per-organization destination configuration and access
// credentials. Both tables are owned by other services; this pipeline never
// writes them.
type TenantStore struct {
	db *sql.DB
}

// NewTenantStore creates a TenantStore.
func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db}
}

// GetTenantConfig returns the tenant's destination configuration, or
// (nil, nil) when the tenant has none.
func (s *TenantStore) GetTenantConfig(ctx context.Context, orgID uuid.UUID) (*domain.TenantCAPIConfig, error) {
	var (
		cfg           domain.TenantCAPIConfig
		mode          string
		allowedFields []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, pixel_id, enabled,
		       COALESCE(privacy_mode, ''),
		       COALESCE(test_event_code, ''),
		       COALESCE(allowed_fields, 'null'::jsonb),
		       updated_at
		FROM capi_tenant_configs
		WHERE organization_id = $1`, orgID).Scan(
		&cfg.OrganizationID, &cfg.PixelID, &cfg.Enabled,
		&mode, &cfg.TestEventCode, &allowedFields, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant config: %w", err)
	}

	cfg.PrivacyMode = domain.PrivacyMode(mode)
	if err := json.Unmarshal(allowedFields, &cfg.AllowedFields); err != nil {
		return nil, fmt.Errorf("decoding allowed_fields for %s: %w", orgID, err)
	}
	return &cfg, nil
}

// GetActiveCredential returns the tenant's active credential row, or
// (nil, nil) when no active credential exists.
func (s *TenantStore) GetActiveCredential(ctx context.Context, orgID uuid.UUID) (*domain.TenantCredential, error) {
	var (
		cred   domain.TenantCredential
		format string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, storage_format,
		       COALESCE(access_token, ''),
		       COALESCE(ciphertext, ''),
		       active, updated_at
		FROM capi_tenant_credentials
		WHERE organization_id = $1 AND active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1`, orgID).Scan(
		&cred.OrganizationID, &format, &cred.Token,
		&cred.Ciphertext, &cred.Active, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant credential: %w", err)
	}

	cred.Format = domain.CredentialFormat(format)
	return &cred, nil
}
