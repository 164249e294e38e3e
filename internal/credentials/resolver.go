// Package credentials resolves a tenant's destination configuration and
// access token for one processing batch. Resolution is called once per tenant
// per batch, never per event, to bound credential-store load.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/capi-relay/internal/domain"
	"github.com/ignite/capi-relay/internal/pkg/logger"
)

var (
	// ErrNotConfigured: the tenant has no enabled destination configuration.
	ErrNotConfigured = errors.New("credentials: tenant has no enabled conversions configuration")
	// ErrNoCredentials: no usable access token by any resolution path. The
	// processor marks the tenant's whole batch with this instead of counting
	// it as a delivery failure.
	ErrNoCredentials = errors.New("credentials: no usable access token for tenant")
)

// Store reads tenant configuration and credential rows. Absent rows are
// returned as (nil, nil).
type Store interface {
	GetTenantConfig(ctx context.Context, orgID uuid.UUID) (*domain.TenantCAPIConfig, error)
	GetActiveCredential(ctx context.Context, orgID uuid.UUID) (*domain.TenantCredential, error)
}

// Decryptor opens encrypted credential blobs; the tenant id is the key
// derivation context.
type Decryptor interface {
	Decrypt(tenantID, blob string) (string, error)
}

// Resolved is everything the processor needs to deliver one tenant's batch.
type Resolved struct {
	PixelID       string
	AccessToken   string
	PrivacyMode   domain.PrivacyMode
	TestEventCode string
	// AllowedFields is the tenant's allow-list override; empty means use the
	// global per-mode defaults.
	AllowedFields []string
}

// Resolver locates tenant credentials with a fixed fallback order:
// plaintext row, then decrypted row, then the injected process-wide legacy
// token. The fallback token is explicit configuration, not an env peek at
// call sites, so the order stays testable.
type Resolver struct {
	store         Store
	decryptor     Decryptor
	fallbackToken string
}

// NewResolver creates a Resolver. decryptor may be nil when no master key is
// configured; fallbackToken may be empty when no legacy global token exists.
func NewResolver(store Store, decryptor Decryptor, fallbackToken string) *Resolver {
	return &Resolver{store: store, decryptor: decryptor, fallbackToken: fallbackToken}
}

// Resolve returns the tenant's destination and token, or a typed failure.
func (r *Resolver) Resolve(ctx context.Context, orgID uuid.UUID) (*Resolved, error) {
	cfg, err := r.store.GetTenantConfig(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading tenant config: %w", err)
	}
	if cfg == nil || !cfg.Enabled || cfg.PixelID == "" {
		return nil, ErrNotConfigured
	}

	token, err := r.resolveToken(ctx, orgID)
	if err != nil {
		return nil, err
	}

	mode := cfg.PrivacyMode
	if mode == "" {
		mode = domain.PrivacyConservative
	}

	return &Resolved{
		PixelID:       cfg.PixelID,
		AccessToken:   token,
		PrivacyMode:   mode,
		TestEventCode: cfg.TestEventCode,
		AllowedFields: cfg.AllowedFields,
	}, nil
}

func (r *Resolver) resolveToken(ctx context.Context, orgID uuid.UUID) (string, error) {
	cred, err := r.store.GetActiveCredential(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("loading tenant credential: %w", err)
	}

	if cred != nil {
		switch cred.Format {
		case domain.CredentialPlaintext:
			if cred.Token != "" {
				return cred.Token, nil
			}
		case domain.CredentialEncrypted:
			if r.decryptor != nil && cred.Ciphertext != "" {
				token, derr := r.decryptor.Decrypt(orgID.String(), cred.Ciphertext)
				if derr == nil && token != "" {
					return token, nil
				}
				// Unreadable blob: fall through to the legacy global token
				// rather than failing tenants mid-migration.
				logger.Warn("credential decryption failed, trying fallback token",
					"organization_id", orgID.String(), "error", fmt.Sprint(derr))
			}
		}
	}

	if r.fallbackToken != "" {
		return r.fallbackToken, nil
	}
	return "", ErrNoCredentials
}
